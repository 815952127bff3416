package domain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

// StartUpload begins a chunked attachment upload, recording the expected
// total size and checksum so CommitUpload can verify them.
func (d *Domains) StartUpload(uploadID, attachmentID string, totalSize int64, checksumSHA256 string, topicIDs []string) (UploadSession, error) {
	if uploadID == "" {
		return UploadSession{}, rpcerr.New(rpcerr.CodeInvalidArgument, "upload_id is required")
	}

	if attachmentID == "" {
		return UploadSession{}, rpcerr.New(rpcerr.CodeInvalidArgument, "attachment_id is required")
	}

	if totalSize <= 0 {
		return UploadSession{}, rpcerr.New(rpcerr.CodeInvalidArgument, "total_size must be positive")
	}

	if checksumSHA256 == "" {
		return UploadSession{}, rpcerr.New(rpcerr.CodeInvalidArgument, "checksum_sha256 is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	for _, tid := range topicIDs {
		if _, ok := d.topics[tid]; !ok {
			return UploadSession{}, rpcerr.New(rpcerr.CodeNotFound, "referenced topic does not exist").
				WithDetails(map[string]interface{}{"domain": "attachment", "topic_id": tid})
		}
	}

	if _, exists := d.uploads[uploadID]; exists {
		return UploadSession{}, rpcerr.New(rpcerr.CodeConflict, "upload session already exists").
			WithDetails(map[string]interface{}{"domain": "attachment", "upload_id": uploadID})
	}

	session := &UploadSession{
		UploadID: uploadID, AttachmentID: attachmentID, TotalSize: totalSize,
		ChecksumSHA256: checksumSHA256, TopicIDs: topicIDs,
	}

	d.uploads[uploadID] = session

	if err := d.persistLocked(); err != nil {
		return UploadSession{}, err
	}

	return *session, nil
}

// AppendChunk appends bytes at the session's current offset. Chunks must
// arrive contiguously; an offset mismatch is rejected rather than
// silently reordered.
func (d *Domains) AppendChunk(uploadID string, offset int64, data []byte) (UploadSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	session, ok := d.uploads[uploadID]
	if !ok {
		return UploadSession{}, rpcerr.New(rpcerr.CodeNotFound, "upload session not found").
			WithDetails(map[string]interface{}{"domain": "attachment", "upload_id": uploadID})
	}

	if session.Committed {
		return UploadSession{}, rpcerr.New(rpcerr.CodeConflict, "upload session already committed").
			WithDetails(map[string]interface{}{"domain": "attachment", "upload_id": uploadID})
	}

	if offset != session.NextOffset {
		return UploadSession{}, rpcerr.New(rpcerr.CodeInvalidArgument, "chunk offset does not match expected next_offset").
			WithDetails(map[string]interface{}{
				"domain": "attachment", "upload_id": uploadID,
				"expected_offset": session.NextOffset, "given_offset": offset,
			})
	}

	if int64(len(session.Payload)+len(data)) > session.TotalSize {
		return UploadSession{}, rpcerr.New(rpcerr.CodeInvalidArgument, "chunk would exceed total_size")
	}

	session.Payload = append(session.Payload, data...)
	session.NextOffset += int64(len(data))

	if err := d.persistLocked(); err != nil {
		return UploadSession{}, err
	}

	return *session, nil
}

// CommitUpload verifies the accumulated payload's length and checksum,
// then promotes it into a durable Attachment.
func (d *Domains) CommitUpload(uploadID string) (Attachment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	session, ok := d.uploads[uploadID]
	if !ok {
		return Attachment{}, rpcerr.New(rpcerr.CodeNotFound, "upload session not found").
			WithDetails(map[string]interface{}{"domain": "attachment", "upload_id": uploadID})
	}

	if session.Committed {
		return Attachment{}, rpcerr.New(rpcerr.CodeConflict, "upload session already committed").
			WithDetails(map[string]interface{}{"domain": "attachment", "upload_id": uploadID})
	}

	if int64(len(session.Payload)) != session.TotalSize {
		return Attachment{}, rpcerr.New(rpcerr.CodeInvalidArgument, "uploaded payload length does not match total_size").
			WithDetails(map[string]interface{}{
				"domain": "attachment", "upload_id": uploadID,
				"expected_size": session.TotalSize, "received_size": len(session.Payload),
			})
	}

	sum := sha256.Sum256(session.Payload)
	computed := hex.EncodeToString(sum[:])

	if computed != session.ChecksumSHA256 {
		return Attachment{}, rpcerr.New(rpcerr.CodeChecksumMismatch, "uploaded payload checksum does not match checksum_sha256").
			WithDetails(map[string]interface{}{
				"domain": "attachment", "upload_id": uploadID,
				"expected_checksum": session.ChecksumSHA256, "computed_checksum": computed,
			})
	}

	session.Committed = true

	a := Attachment{
		ID: session.AttachmentID, TopicIDs: session.TopicIDs,
		ChecksumSHA256: session.ChecksumSHA256, TotalSize: session.TotalSize,
		CreatedAtMS: d.now(),
	}

	d.attachments[a.ID] = a
	d.attachmentOrder = append(d.attachmentOrder, a.ID)

	if err := d.persistLocked(); err != nil {
		return Attachment{}, err
	}

	return a, nil
}

// DeleteAttachment soft-deletes an attachment.
func (d *Domains) DeleteAttachment(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	a, ok := d.attachments[id]
	if !ok || a.Deleted {
		return rpcerr.New(rpcerr.CodeNotFound, "attachment not found").
			WithDetails(map[string]interface{}{"domain": "attachment", "id": id})
	}

	a.Deleted = true
	d.attachments[id] = a

	return d.persistLocked()
}

// ListAttachments returns a page of attachments in insertion order.
func (d *Domains) ListAttachments(cursor string, limit int) ([]Attachment, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, next, err := paginate("attachment", d.attachmentOrder, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	out := make([]Attachment, 0, len(page))
	for _, id := range page {
		out = append(out, d.attachments[id])
	}

	return out, next, nil
}
