// Package messages implements the send/record_receipt/cancel lifecycle
// against the abstract store.Store, with terminal-status stickiness and a
// bounded per-message/global delivery trace, grounded on the state-machine
// style of the teacher's scheduler (status transitions gated by a single
// lock, appended to a history list) generalized from VM power states to
// message receipts.
package messages

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
	"github.com/styrene-lab/styrene-meshd/internal/store"
)

const (
	maxTraceEntriesPerMessage = 32
	maxTrackedMessages        = 2048
)

// TraceEntry is one delivery-status transition recorded for a message.
type TraceEntry struct {
	Status     string `json:"status"`
	AtMS       int64  `json:"at_ms"`
	ReasonCode string `json:"reason_code,omitempty"`
}

var reasonCodes = map[string]string{
	"delivered":        "ack_received",
	"cancelled":        "client_cancelled",
	"expired":          "ttl_exceeded",
	"rejected":         "peer_rejected",
	"failed: no route": "no_route",
	"failed: timeout":  "send_timeout",
}

func reasonFor(status string) string {
	if r, ok := reasonCodes[status]; ok {
		return r
	}

	if strings.HasPrefix(strings.ToLower(status), "failed") {
		return "send_failed"
	}

	return ""
}

func isTerminal(status string) bool {
	lower := strings.ToLower(status)

	switch lower {
	case "cancelled", "delivered", "expired", "rejected":
		return true
	}

	return strings.HasPrefix(lower, "failed")
}

// CancelOutcome enumerates sdk_cancel_message_v2's tri-state (plus
// not-found) result.
type CancelOutcome string

const (
	CancelAccepted        CancelOutcome = "Accepted"
	CancelAlreadyTerminal CancelOutcome = "AlreadyTerminal"
	CancelTooLate         CancelOutcome = "TooLateToCancel"
	CancelNotFound        CancelOutcome = "NotFound"
)

// OutboundBridge is the abstract transport the core hands newly sent
// messages to; nil means no outbound delivery integration is configured.
type OutboundBridge interface {
	Deliver(msg *store.Message, opts OutboundDeliveryOptions) error
}

// OutboundDeliveryOptions mirrors the optional per-send delivery knobs.
type OutboundDeliveryOptions struct {
	Method         string
	StampCost      *float64
	IncludeTicket  bool
}

// SendRequest is the accepted shape of sdk_send_v2/send_message_v2/send_message.
type SendRequest struct {
	ID            string
	Source        string
	Destination   string
	Title         string
	Content       string
	Fields        map[string]interface{}
	Method        string
	StampCost     *float64
	IncludeTicket bool
}

// Service implements the message lifecycle over a store.Store.
type Service struct {
	store store.Store

	deliveryMu sync.Mutex
	traces     map[string][]TraceEntry
	traceOrder []string // insertion order, for the global 2048 cap

	outbound OutboundBridge

	now func() time.Time

	PublishEvent func(eventType string, payload map[string]interface{})
}

func New(s store.Store, outbound OutboundBridge) *Service {
	return &Service{
		store:    s,
		traces:   make(map[string][]TraceEntry),
		outbound: outbound,
		now:      time.Now,
	}
}

// Send validates and persists a new outbound message, handing it to the
// outbound bridge if one is configured.
func (svc *Service) Send(req SendRequest) (string, error) {
	if req.Destination == "" {
		return "", rpcerr.New(rpcerr.CodeInvalidArgument, "destination is required")
	}

	if req.Content == "" && req.Title == "" {
		return "", rpcerr.New(rpcerr.CodeInvalidArgument, "content or title is required")
	}

	id := req.ID
	if id == "" {
		id = newMessageID(req)
	}

	if err := validateFields(req.Fields); err != nil {
		return "", err
	}

	msg := &store.Message{
		ID:          id,
		Source:      req.Source,
		Destination: req.Destination,
		Title:       req.Title,
		Content:     req.Content,
		TimestampMS: svc.now().UnixMilli(),
		Direction:   "out",
		Fields:      req.Fields,
	}

	if err := svc.store.InsertMessage(msg); err != nil {
		return "", rpcerr.Newf(rpcerr.CodeStorageWrite, "persisting message: %v", err)
	}

	if svc.outbound != nil {
		opts := OutboundDeliveryOptions{Method: req.Method, StampCost: req.StampCost, IncludeTicket: req.IncludeTicket}
		if err := svc.outbound.Deliver(msg, opts); err != nil {
			return id, rpcerr.Newf(rpcerr.CodeTransportDeliveryFailed, "handing message to outbound bridge: %v", err)
		}
	}

	return id, nil
}

func newMessageID(req SendRequest) string {
	sum := sha256.Sum256([]byte(req.Source + "|" + req.Destination + "|" + req.Content + "|" + time.Now().String()))
	return "msg-" + hex.EncodeToString(sum[:])[:16]
}

func validateFields(fields map[string]interface{}) error {
	seen := make(map[string]bool, len(fields))

	for k := range fields {
		canon := canonicalizeFieldKey(k)

		if seen[canon] {
			return rpcerr.Newf(rpcerr.CodeInvalidArgument, "duplicate field %q between wire-key and public-key forms", canon)
		}

		seen[canon] = true
	}

	return nil
}

// canonicalizeFieldKey maps known attachment-field aliases onto a single
// canonical name so wire-key and public-key spellings collide for the
// duplicate check above.
func canonicalizeFieldKey(k string) string {
	switch k {
	case "attachment", "field_attachment":
		return "attachment"
	default:
		return k
	}
}

// RecordReceiptResult is the response shape of record_receipt.
type RecordReceiptResult struct {
	Updated bool
	Status  string
}

// RecordReceipt applies a status transition under the delivery-status lock,
// appending a trace entry and publishing a receipt event on success.
// Terminal statuses stick: once a message reaches a terminal status, later
// transitions are silently dropped.
func (svc *Service) RecordReceipt(messageID, status string) (RecordReceiptResult, error) {
	svc.deliveryMu.Lock()
	defer svc.deliveryMu.Unlock()

	msg, found, err := svc.store.GetMessage(messageID)
	if err != nil {
		return RecordReceiptResult{}, rpcerr.Newf(rpcerr.CodeStorageRead, "looking up message: %v", err)
	}

	if !found {
		return RecordReceiptResult{Updated: false, Status: status}, nil
	}

	if isTerminal(msg.ReceiptStatus) {
		return RecordReceiptResult{Updated: false, Status: msg.ReceiptStatus}, nil
	}

	if err := svc.store.UpdateReceiptStatus(messageID, status); err != nil {
		return RecordReceiptResult{}, rpcerr.Newf(rpcerr.CodeStorageWrite, "updating receipt status: %v", err)
	}

	reason := reasonFor(status)
	svc.appendTrace(messageID, status, reason)

	if svc.PublishEvent != nil {
		svc.PublishEvent("receipt", map[string]interface{}{
			"message_id": messageID, "status": status, "updated": true, "reason_code": reason,
		})
	}

	return RecordReceiptResult{Updated: true, Status: status}, nil
}

// Cancel implements sdk_cancel_message_v2's tri-state (plus not-found)
// result under the delivery-status lock.
func (svc *Service) Cancel(messageID string) (CancelOutcome, error) {
	svc.deliveryMu.Lock()
	defer svc.deliveryMu.Unlock()

	msg, found, err := svc.store.GetMessage(messageID)
	if err != nil {
		return "", rpcerr.Newf(rpcerr.CodeStorageRead, "looking up message: %v", err)
	}

	if !found {
		return CancelNotFound, nil
	}

	history := svc.traces[messageID]

	if isTerminal(msg.ReceiptStatus) {
		return CancelAlreadyTerminal, nil
	}

	for _, e := range history {
		if isTerminal(e.Status) {
			return CancelAlreadyTerminal, nil
		}
	}

	if strings.HasPrefix(strings.ToLower(msg.ReceiptStatus), "sent") {
		return CancelTooLate, nil
	}

	for _, e := range history {
		if strings.HasPrefix(strings.ToLower(e.Status), "sent") {
			return CancelTooLate, nil
		}
	}

	if err := svc.store.UpdateReceiptStatus(messageID, "cancelled"); err != nil {
		return "", rpcerr.Newf(rpcerr.CodeStorageWrite, "updating receipt status: %v", err)
	}

	svc.appendTrace(messageID, "cancelled", reasonFor("cancelled"))

	if svc.PublishEvent != nil {
		svc.PublishEvent("delivery_cancelled", map[string]interface{}{"message_id": messageID})
	}

	return CancelAccepted, nil
}

// Trace returns the delivery trace recorded for messageID.
func (svc *Service) Trace(messageID string) []TraceEntry {
	svc.deliveryMu.Lock()
	defer svc.deliveryMu.Unlock()

	return append([]TraceEntry(nil), svc.traces[messageID]...)
}

func (svc *Service) appendTrace(messageID, status, reason string) {
	entries, tracked := svc.traces[messageID]
	if !tracked {
		if len(svc.traceOrder) >= maxTrackedMessages {
			oldest := svc.traceOrder[0]
			svc.traceOrder = svc.traceOrder[1:]
			delete(svc.traces, oldest)
		}

		svc.traceOrder = append(svc.traceOrder, messageID)
	}

	entries = append(entries, TraceEntry{Status: status, AtMS: svc.now().UnixMilli(), ReasonCode: reason})

	if len(entries) > maxTraceEntriesPerMessage {
		entries = entries[len(entries)-maxTraceEntriesPerMessage:]
	}

	svc.traces[messageID] = entries
}
