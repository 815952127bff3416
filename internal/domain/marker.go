package domain

import "github.com/styrene-lab/styrene-meshd/internal/rpcerr"

// CreateMarker creates a marker, validating coordinate bounds and (when
// topicID is set) that the referenced topic exists.
func (d *Domains) CreateMarker(id, topicID string, lat, lon float64, label string) (Marker, error) {
	if id == "" {
		return Marker{}, rpcerr.New(rpcerr.CodeInvalidArgument, "id is required")
	}

	if lat < -90 || lat > 90 {
		return Marker{}, rpcerr.New(rpcerr.CodeInvalidArgument, "lat must be within [-90, 90]")
	}

	if lon < -180 || lon > 180 {
		return Marker{}, rpcerr.New(rpcerr.CodeInvalidArgument, "lon must be within [-180, 180]")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	if topicID != "" {
		if _, ok := d.topics[topicID]; !ok {
			return Marker{}, rpcerr.New(rpcerr.CodeNotFound, "referenced topic does not exist").
				WithDetails(map[string]interface{}{"domain": "marker", "topic_id": topicID})
		}
	}

	if _, exists := d.markers[id]; exists {
		return Marker{}, rpcerr.New(rpcerr.CodeConflict, "marker already exists").
			WithDetails(map[string]interface{}{"domain": "marker", "id": id})
	}

	now := d.now()
	m := Marker{
		ID: id, TopicID: topicID, Lat: lat, Lon: lon, Label: label,
		Revision: 1, CreatedAtMS: now, UpdatedAtMS: now,
	}

	d.markers[id] = m
	d.markerOrder = append(d.markerOrder, id)

	if err := d.persistLocked(); err != nil {
		return Marker{}, err
	}

	return m, nil
}

// UpdateMarker applies a revisioned optimistic-concurrency update: the
// caller's expectedRevision must match the stored revision, or the call
// fails with SDK_RUNTIME_CONFLICT carrying the observed revision.
func (d *Domains) UpdateMarker(id string, expectedRevision int64, lat, lon *float64, label *string) (Marker, error) {
	if id == "" {
		return Marker{}, rpcerr.New(rpcerr.CodeInvalidArgument, "id is required")
	}

	if lat != nil && (*lat < -90 || *lat > 90) {
		return Marker{}, rpcerr.New(rpcerr.CodeInvalidArgument, "lat must be within [-90, 90]")
	}

	if lon != nil && (*lon < -180 || *lon > 180) {
		return Marker{}, rpcerr.New(rpcerr.CodeInvalidArgument, "lon must be within [-180, 180]")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	m, ok := d.markers[id]
	if !ok || m.Deleted {
		return Marker{}, rpcerr.New(rpcerr.CodeNotFound, "marker not found").
			WithDetails(map[string]interface{}{"domain": "marker", "id": id})
	}

	if m.Revision != expectedRevision {
		return Marker{}, rpcerr.New(rpcerr.CodeConflict, "expected_revision does not match stored revision").
			WithDetails(map[string]interface{}{
				"domain": "marker", "id": id,
				"expected_revision": expectedRevision, "observed_revision": m.Revision,
			})
	}

	if lat != nil {
		m.Lat = *lat
	}
	if lon != nil {
		m.Lon = *lon
	}
	if label != nil {
		m.Label = *label
	}

	m.Revision++
	m.UpdatedAtMS = d.now()

	d.markers[id] = m

	if err := d.persistLocked(); err != nil {
		return Marker{}, err
	}

	return m, nil
}

// DeleteMarker soft-deletes a marker under the same revision check as
// UpdateMarker.
func (d *Domains) DeleteMarker(id string, expectedRevision int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	m, ok := d.markers[id]
	if !ok || m.Deleted {
		return rpcerr.New(rpcerr.CodeNotFound, "marker not found").
			WithDetails(map[string]interface{}{"domain": "marker", "id": id})
	}

	if m.Revision != expectedRevision {
		return rpcerr.New(rpcerr.CodeConflict, "expected_revision does not match stored revision").
			WithDetails(map[string]interface{}{
				"domain": "marker", "id": id,
				"expected_revision": expectedRevision, "observed_revision": m.Revision,
			})
	}

	m.Deleted = true
	m.Revision++
	m.UpdatedAtMS = d.now()
	d.markers[id] = m

	return d.persistLocked()
}

// ListMarkers returns a page of markers in insertion order, soft-deleted
// ones included.
func (d *Domains) ListMarkers(cursor string, limit int) ([]Marker, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, next, err := paginate("marker", d.markerOrder, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	out := make([]Marker, 0, len(page))
	for _, id := range page {
		out = append(out, d.markers[id])
	}

	return out, next, nil
}
