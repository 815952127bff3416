package domain

import "github.com/styrene-lab/styrene-meshd/internal/rpcerr"

// UpsertContact creates or updates a contact keyed by identity.
func (d *Domains) UpsertContact(identity, displayName string) (Contact, error) {
	if identity == "" {
		return Contact{}, rpcerr.New(rpcerr.CodeInvalidArgument, "identity is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	now := d.now()

	c, exists := d.contacts[identity]
	if !exists {
		c = Contact{Identity: identity, CreatedAtMS: now}
		d.contactOrder = append(d.contactOrder, identity)
	}

	c.DisplayName = displayName
	c.UpdatedAtMS = now

	d.contacts[identity] = c

	if err := d.persistLocked(); err != nil {
		return Contact{}, err
	}

	return c, nil
}

// ListContacts returns a page of contacts in insertion order.
func (d *Domains) ListContacts(cursor string, limit int) ([]Contact, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, next, err := paginate("contact", d.contactOrder, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	out := make([]Contact, 0, len(page))
	for _, id := range page {
		out = append(out, d.contacts[id])
	}

	return out, next, nil
}
