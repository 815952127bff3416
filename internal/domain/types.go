package domain

// Topic is created once and never mutated thereafter.
type Topic struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// Attachment is created, optionally deleted, and never otherwise mutated.
type Attachment struct {
	ID              string   `json:"id"`
	TopicIDs        []string `json:"topic_ids,omitempty"`
	ChecksumSHA256  string   `json:"checksum_sha256"`
	TotalSize       int64    `json:"total_size"`
	CreatedAtMS     int64    `json:"created_at_ms"`
	Deleted         bool     `json:"deleted,omitempty"`
}

// UploadSession tracks an in-progress attachment upload.
type UploadSession struct {
	UploadID       string   `json:"upload_id"`
	AttachmentID   string   `json:"attachment_id"`
	TotalSize      int64    `json:"total_size"`
	ChecksumSHA256 string   `json:"checksum_sha256"`
	TopicIDs       []string `json:"topic_ids,omitempty"`
	Payload        []byte   `json:"payload,omitempty"`
	NextOffset     int64    `json:"next_offset"`
	Committed      bool     `json:"committed,omitempty"`
}

// Marker is the only revisioned domain: updates require expected_revision
// to match the stored revision.
type Marker struct {
	ID          string  `json:"id"`
	TopicID     string  `json:"topic_id,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Label       string  `json:"label,omitempty"`
	Revision    int64   `json:"revision"`
	CreatedAtMS int64   `json:"created_at_ms"`
	UpdatedAtMS int64   `json:"updated_ts_ms"`
	Deleted     bool    `json:"deleted,omitempty"`
}

// Identity is imported once, then may be activated.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
	Active      bool   `json:"active,omitempty"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// Contact is upserted keyed by identity.
type Contact struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAtMS int64  `json:"created_at_ms"`
	UpdatedAtMS int64  `json:"updated_ts_ms"`
}

// VoiceSession is opened, updated, and closed; it carries no revision.
type VoiceSession struct {
	ID          string `json:"id"`
	Peer        string `json:"peer"`
	State       string `json:"state"`
	CreatedAtMS int64  `json:"created_at_ms"`
	UpdatedAtMS int64  `json:"updated_ts_ms"`
	ClosedAtMS  int64  `json:"closed_at_ms,omitempty"`
}
