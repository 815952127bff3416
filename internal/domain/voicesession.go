package domain

import "github.com/styrene-lab/styrene-meshd/internal/rpcerr"

// OpenVoiceSession opens a voice session with a peer.
func (d *Domains) OpenVoiceSession(id, peer string) (VoiceSession, error) {
	if id == "" {
		return VoiceSession{}, rpcerr.New(rpcerr.CodeInvalidArgument, "id is required")
	}

	if peer == "" {
		return VoiceSession{}, rpcerr.New(rpcerr.CodeInvalidArgument, "peer is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	if _, exists := d.voice[id]; exists {
		return VoiceSession{}, rpcerr.New(rpcerr.CodeConflict, "voice session already exists").
			WithDetails(map[string]interface{}{"domain": "voice_session", "id": id})
	}

	now := d.now()
	v := VoiceSession{ID: id, Peer: peer, State: "open", CreatedAtMS: now, UpdatedAtMS: now}

	d.voice[id] = v
	d.voiceOrder = append(d.voiceOrder, id)

	if err := d.persistLocked(); err != nil {
		return VoiceSession{}, err
	}

	return v, nil
}

// UpdateVoiceSessionState transitions a voice session's state.
func (d *Domains) UpdateVoiceSessionState(id, state string) (VoiceSession, error) {
	if state == "" {
		return VoiceSession{}, rpcerr.New(rpcerr.CodeInvalidArgument, "state is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	v, ok := d.voice[id]
	if !ok {
		return VoiceSession{}, rpcerr.New(rpcerr.CodeNotFound, "voice session not found").
			WithDetails(map[string]interface{}{"domain": "voice_session", "id": id})
	}

	if v.State == "closed" {
		return VoiceSession{}, rpcerr.New(rpcerr.CodeConflict, "voice session is already closed").
			WithDetails(map[string]interface{}{"domain": "voice_session", "id": id})
	}

	v.State = state
	v.UpdatedAtMS = d.now()

	d.voice[id] = v

	if err := d.persistLocked(); err != nil {
		return VoiceSession{}, err
	}

	return v, nil
}

// CloseVoiceSession closes a voice session.
func (d *Domains) CloseVoiceSession(id string) (VoiceSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	v, ok := d.voice[id]
	if !ok {
		return VoiceSession{}, rpcerr.New(rpcerr.CodeNotFound, "voice session not found").
			WithDetails(map[string]interface{}{"domain": "voice_session", "id": id})
	}

	now := d.now()
	v.State = "closed"
	v.UpdatedAtMS = now
	v.ClosedAtMS = now

	d.voice[id] = v

	if err := d.persistLocked(); err != nil {
		return VoiceSession{}, err
	}

	return v, nil
}

// ListVoiceSessions returns a page of voice sessions in insertion order.
func (d *Domains) ListVoiceSessions(cursor string, limit int) ([]VoiceSession, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, next, err := paginate("voice_session", d.voiceOrder, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	out := make([]VoiceSession, 0, len(page))
	for _, id := range page {
		out = append(out, d.voice[id])
	}

	return out, next, nil
}
