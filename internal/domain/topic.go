package domain

import "github.com/styrene-lab/styrene-meshd/internal/rpcerr"

// CreateTopic creates a topic. Topics are create-only: there is no update
// or delete operation.
func (d *Domains) CreateTopic(id, name string) (Topic, error) {
	if id == "" {
		return Topic{}, rpcerr.New(rpcerr.CodeInvalidArgument, "id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	if _, exists := d.topics[id]; exists {
		return Topic{}, rpcerr.New(rpcerr.CodeConflict, "topic already exists").
			WithDetails(map[string]interface{}{"domain": "topic", "id": id})
	}

	t := Topic{ID: id, Name: name, CreatedAtMS: d.now()}

	d.topics[id] = t
	d.topicOrder = append(d.topicOrder, id)

	if err := d.persistLocked(); err != nil {
		return Topic{}, err
	}

	return t, nil
}

// GetTopic looks up a topic by id, used by other domains for referential
// integrity checks.
func (d *Domains) GetTopic(id string) (Topic, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.topics[id]
	return t, ok
}

// ListTopics returns a page of topics in insertion order.
func (d *Domains) ListTopics(cursor string, limit int) ([]Topic, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, next, err := paginate("topic", d.topicOrder, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	out := make([]Topic, 0, len(page))
	for _, id := range page {
		out = append(out, d.topics[id])
	}

	return out, next, nil
}
