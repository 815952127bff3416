package domain

import "github.com/styrene-lab/styrene-meshd/internal/rpcerr"

// ImportIdentity creates an identity record. Identities are immutable
// other than the active flag, flipped via ActivateIdentity.
func (d *Domains) ImportIdentity(id, displayName, publicKey string) (Identity, error) {
	if id == "" {
		return Identity{}, rpcerr.New(rpcerr.CodeInvalidArgument, "id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	if _, exists := d.identities[id]; exists {
		return Identity{}, rpcerr.New(rpcerr.CodeConflict, "identity already exists").
			WithDetails(map[string]interface{}{"domain": "identity", "id": id})
	}

	ident := Identity{ID: id, DisplayName: displayName, PublicKey: publicKey, CreatedAtMS: d.now()}

	d.identities[id] = ident
	d.identityOrder = append(d.identityOrder, id)

	if err := d.persistLocked(); err != nil {
		return Identity{}, err
	}

	return ident, nil
}

// ActivateIdentity marks an identity active.
func (d *Domains) ActivateIdentity(id string) (Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reloadIfNewerLocked()

	ident, ok := d.identities[id]
	if !ok {
		return Identity{}, rpcerr.New(rpcerr.CodeNotFound, "identity not found").
			WithDetails(map[string]interface{}{"domain": "identity", "id": id})
	}

	ident.Active = true
	d.identities[id] = ident

	if err := d.persistLocked(); err != nil {
		return Identity{}, err
	}

	return ident, nil
}

// ListIdentities returns a page of identities in insertion order.
func (d *Domains) ListIdentities(cursor string, limit int) ([]Identity, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, next, err := paginate("identity", d.identityOrder, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	out := make([]Identity, 0, len(page))
	for _, id := range page {
		out = append(out, d.identities[id])
	}

	return out, next, nil
}
