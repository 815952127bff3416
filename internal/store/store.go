// Package store defines the abstract message and announce store operations
// the core consumes (spec.md §6): insert/get/list for messages, receipt
// status updates, and insert/list for announces. Two implementations are
// provided: a bbolt-backed one for real deployments, grounded on the
// teacher's store/bolt.go bucket-per-kind design, and an in-memory one used
// by tests and whenever the daemon is given no store path.
package store

import "time"

// Message mirrors the Message data-model entry of spec.md §3. ReceiptStatus
// is owned by the messages package's lifecycle rules; the store only
// persists whatever value it's handed.
type Message struct {
	ID            string                 `json:"id"`
	Source        string                 `json:"source"`
	Destination   string                 `json:"destination"`
	Title         string                 `json:"title"`
	Content       string                 `json:"content"`
	TimestampMS   int64                  `json:"timestamp_ms"`
	Direction     string                 `json:"direction"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
	ReceiptStatus string                 `json:"receipt_status,omitempty"`
}

// Announce mirrors the Announce data-model entry of spec.md §3.
type Announce struct {
	ID                   string   `json:"id"`
	Peer                 string   `json:"peer"`
	TimestampMS          int64    `json:"timestamp_ms"`
	Name                 string   `json:"name,omitempty"`
	NameSource           string   `json:"name_source,omitempty"`
	FirstSeenMS          int64    `json:"first_seen_ms"`
	SeenCount            uint64   `json:"seen_count"`
	AppDataHex           string   `json:"app_data_hex,omitempty"`
	Capabilities         []string `json:"capabilities,omitempty"`
	RSSI                 *float64 `json:"rssi,omitempty"`
	SNR                  *float64 `json:"snr,omitempty"`
	Q                    *float64 `json:"q,omitempty"`
	StampCostFlexibility *float64 `json:"stamp_cost_flexibility,omitempty"`
	PeeringCost          *float64 `json:"peering_cost,omitempty"`
}

// Store is the full abstract surface the core uses for durable message and
// announce persistence.
type Store interface {
	Close() error

	InsertMessage(m *Message) error
	GetMessage(id string) (*Message, bool, error)
	ListMessages(limit int, beforeTS int64) ([]Message, error)
	UpdateReceiptStatus(id, status string) error
	CountMessageBuckets() (map[string]int, error)

	InsertAnnounce(a *Announce) error
	ListAnnounces(limit int, beforeTS int64, beforeID string) ([]Announce, error)
}

// bucketForStatus classifies a receipt status into the coarse buckets
// CountMessageBuckets reports (unsent, delivered, failed, terminal_other,
// pending). Both implementations walk every stored message to count them.
func bucketForStatus(status string) string {
	switch {
	case status == "":
		return "unsent"
	case status == "delivered":
		return "delivered"
	case status == "cancelled" || status == "expired" || status == "rejected":
		return "terminal_other"
	case len(status) >= 6 && status[:6] == "failed":
		return "failed"
	default:
		return "pending"
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }
