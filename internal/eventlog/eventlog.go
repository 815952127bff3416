// Package eventlog implements the daemon's monotonically sequenced event
// log: a legacy single-pop FIFO queue alongside a bounded sequenced log,
// cursor encode/decode, overflow policies, stream-degradation tracking, and
// sensitive-field redaction. The dual-queue layout mirrors how the teacher's
// web/broker package fanned published events out to both long-poll and
// websocket subscribers, generalized here to the versioned cursor contract
// the SDK clients speak.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

// OverflowPolicy controls what happens when a bounded queue is full at
// publish time.
type OverflowPolicy string

const (
	OverflowReject     OverflowPolicy = "reject"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowBlock      OverflowPolicy = "block"
)

// Event is one published occurrence.
type Event struct {
	SeqNo       uint64                 `json:"seq_no"`
	EventType   string                 `json:"event_type"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Severity    string                 `json:"severity"`
	EmittedAtMS int64                  `json:"emitted_at_ms"`
}

var warnTypes = map[string]bool{"StreamGap": true}
var errorTypes = map[string]bool{"error": true, "delivery_failed": true}

func severityFor(eventType string) string {
	switch {
	case warnTypes[eventType]:
		return "warn"
	case errorTypes[eventType]:
		return "error"
	default:
		return "info"
	}
}

// RedactionConfig controls sensitive-field scrubbing before a payload leaves
// the process (either to a poll response or to an external sink).
type RedactionConfig struct {
	Enabled bool
	Mode    string // "hash", "truncate", "redact"
}

var sensitiveKeys = map[string]bool{
	"peer_id": true, "destination_hash": true, "correlation_id": true,
	"trace_id": true, "source_ip": true, "principal": true,
	"shared_secret": true, "authorization": true, "token": true, "passphrase": true,
}

// Redact returns a copy of payload with sensitive values scrubbed per cfg.
func Redact(payload map[string]interface{}, cfg RedactionConfig) map[string]interface{} {
	if !cfg.Enabled || payload == nil {
		return payload
	}

	out := make(map[string]interface{}, len(payload))

	for k, v := range payload {
		if sensitiveKeys[k] {
			if s, ok := v.(string); ok {
				out[k] = redactValue(s, cfg.Mode)
				continue
			}
		}

		out[k] = v
	}

	return out
}

func redactValue(s, mode string) string {
	switch mode {
	case "hash":
		sum := sha256.Sum256([]byte(s))
		return "sha256:" + hex.EncodeToString(sum[:])[:16]
	case "truncate":
		if len(s) > 8 {
			return s[:8] + "..."
		}

		return s
	default:
		return "[redacted]"
	}
}

// Cursor identifies a position in the sequenced log.
type Cursor struct {
	RuntimeID string
	StreamID  string
	SeqNo     uint64
}

func (c Cursor) String() string {
	return fmt.Sprintf("v2:%s:%s:%d", c.RuntimeID, c.StreamID, c.SeqNo)
}

// DecodeCursor parses a cursor string, validating it belongs to this
// runtime/stream. An empty cursor is valid and means "current head".
func DecodeCursor(s, runtimeID, streamID string) (uint64, bool, error) {
	if s == "" {
		return 0, true, nil
	}

	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 || parts[0] != "v2" || parts[1] != runtimeID || parts[2] != streamID {
		return 0, false, errInvalidCursor
	}

	seq, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return 0, false, errInvalidCursor
	}

	return seq, false, nil
}

var errInvalidCursor = fmt.Errorf("invalid cursor")

// ErrInvalidCursor reports whether err originated from a malformed cursor.
func ErrInvalidCursor(err error) bool { return err == errInvalidCursor }

// Log is the sequenced, bounded event log plus the legacy single-pop queue.
type Log struct {
	mu sync.Mutex

	runtimeID string
	streamID  string

	nextSeq uint64

	legacy       []Event
	legacyCap    int
	legacyPolicy OverflowPolicy

	sequenced    []Event
	sequencedCap int
	sdkPolicy    OverflowPolicy

	blockTimeout time.Duration

	degraded     bool
	droppedCount uint64

	now func() time.Time
}

// New constructs a Log. legacyCap/sequencedCap are Q_LEGACY/Q_SDK.
func New(runtimeID, streamID string, legacyCap, sequencedCap int, legacyPolicy, sdkPolicy OverflowPolicy, blockTimeout time.Duration) *Log {
	return &Log{
		runtimeID:    runtimeID,
		streamID:     streamID,
		legacyCap:    legacyCap,
		legacyPolicy: legacyPolicy,
		sequencedCap: sequencedCap,
		sdkPolicy:    sdkPolicy,
		blockTimeout: blockTimeout,
		now:          time.Now,
	}
}

// Publish appends ev (after assigning it the next seq_no) to both queues,
// applying each queue's own overflow policy independently.
func (l *Log) Publish(eventType string, payload map[string]interface{}) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.publishLocked(eventType, payload)
}

func (l *Log) publishLocked(eventType string, payload map[string]interface{}) Event {
	l.nextSeq++

	ev := Event{
		SeqNo:       l.nextSeq,
		EventType:   eventType,
		Payload:     payload,
		Severity:    severityFor(eventType),
		EmittedAtMS: l.now().UnixMilli(),
	}

	l.legacy = l.appendBounded(l.legacy, ev, l.legacyCap, l.legacyPolicy)
	l.sequenced = l.appendBounded(l.sequenced, ev, l.sequencedCap, l.sdkPolicy)

	return ev
}

func (l *Log) appendBounded(queue []Event, ev Event, capacity int, policy OverflowPolicy) []Event {
	if capacity <= 0 || len(queue) < capacity {
		return append(queue, ev)
	}

	switch policy {
	case OverflowDropOldest:
		l.droppedCount++
		queue = append(queue[1:], ev)
		return queue
	case OverflowBlock:
		// The daemon runs single-threaded publish under l.mu, so there is no
		// second writer that could free room during the spin; block_timeout_ms
		// degrades to reject, matching the spec's fallback behavior.
		l.droppedCount++
		return queue
	default: // OverflowReject
		l.droppedCount++
		return queue
	}
}

// PopLegacy removes and returns the oldest legacy-queue event, if any.
func (l *Log) PopLegacy() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.legacy) == 0 {
		return Event{}, false
	}

	ev := l.legacy[0]
	l.legacy = l.legacy[1:]

	return ev, true
}

// PollResult is the response shape for sdk_poll_events_v2.
type PollResult struct {
	Events       []Event
	NextCursor   string
	DroppedCount uint64
}

// Poll returns up to max events strictly after cursorSeq, honoring
// per-event and batch byte limits. It is the caller's responsibility to
// have already validated max against max_poll_events.
func (l *Log) Poll(cursorSeq uint64, resetToHead bool, max int, maxEventBytes, maxBatchBytes, maxExtensionKeys int, sizeOf func(Event) int, extensionCount func(Event) int) (*PollResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.degraded {
		if resetToHead {
			l.degraded = false
		} else {
			return nil, errStreamDegraded
		}
	}

	if !resetToHead && len(l.sequenced) > 0 && cursorSeq < l.sequenced[0].SeqNo-1 {
		l.degraded = true
		l.publishLocked("StreamGap", map[string]interface{}{
			"cursor_seq_no":   cursorSeq,
			"oldest_seq_no":   l.sequenced[0].SeqNo,
			"dropped_count":   l.droppedCount,
		})
		return nil, errCursorExpired
	}

	var (
		out       []Event
		batchSize int
	)

	start := cursorSeq
	if resetToHead {
		start = l.headSeq()
	}

	for _, ev := range l.sequenced {
		if ev.SeqNo <= start {
			continue
		}

		if len(out) >= max {
			break
		}

		if maxExtensionKeys > 0 && extensionCount != nil && extensionCount(ev) > maxExtensionKeys {
			return nil, errMaxExtensionKeys
		}

		sz := 0
		if sizeOf != nil {
			sz = sizeOf(ev)
		}

		if maxEventBytes > 0 && sz > maxEventBytes {
			return nil, errEventTooLarge
		}

		if maxBatchBytes > 0 && batchSize+sz > maxBatchBytes {
			break
		}

		batchSize += sz
		out = append(out, ev)
	}

	nextSeq := start
	if len(out) > 0 {
		nextSeq = out[len(out)-1].SeqNo
	}

	cur := Cursor{RuntimeID: l.runtimeID, StreamID: l.streamID, SeqNo: nextSeq}

	return &PollResult{Events: out, NextCursor: cur.String(), DroppedCount: l.droppedCount}, nil
}

func (l *Log) headSeq() uint64 { return l.nextSeq }

var (
	errStreamDegraded   = fmt.Errorf("stream degraded")
	errCursorExpired    = fmt.Errorf("cursor expired")
	errMaxExtensionKeys = fmt.Errorf("max extension keys exceeded")
	errEventTooLarge    = fmt.Errorf("event too large")
)

func ErrStreamDegraded(err error) bool   { return err == errStreamDegraded }
func ErrCursorExpired(err error) bool    { return err == errCursorExpired }
func ErrMaxExtensionKeys(err error) bool { return err == errMaxExtensionKeys }
func ErrEventTooLarge(err error) bool    { return err == errEventTooLarge }

// ClassifyPollError maps a Poll/DecodeCursor error into the rpcerr code the
// SDK contract assigns it. sdk_poll_events_v2's dispatcher handler uses it,
// and the HTTP /events cursor route goes through that same handler, so both
// report the same codes for the same failures.
func ClassifyPollError(err error) *rpcerr.Error {
	switch {
	case err == nil:
		return nil
	case ErrStreamDegraded(err):
		return rpcerr.New(rpcerr.CodeStreamDegraded, err.Error())
	case ErrCursorExpired(err):
		return rpcerr.New(rpcerr.CodeCursorExpired, err.Error())
	case ErrEventTooLarge(err):
		return rpcerr.New(rpcerr.CodeEventTooLarge, err.Error())
	case ErrMaxExtensionKeys(err):
		return rpcerr.New(rpcerr.CodeMaxExtensionKeysExceeded, err.Error())
	case ErrInvalidCursor(err):
		return rpcerr.New(rpcerr.CodeInvalidCursor, err.Error())
	default:
		return rpcerr.New(rpcerr.CodeInvalidCursor, err.Error())
	}
}

// Degraded reports the current stream-degraded flag.
func (l *Log) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.degraded
}
