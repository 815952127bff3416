// Package peers implements peer upsert and announce acceptance, capability
// normalization/parsing from app_data_hex, and announce listing with the
// (timestamp desc, id desc) cursor contract, grounded on the teacher's
// scheduler's upsert-by-name pattern for its in-memory experiment registry.
package peers

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
	"github.com/styrene-lab/styrene-meshd/internal/store"
)

// Peer is the in-memory record the daemon keeps per known mesh peer,
// refreshed on every announce.
type Peer struct {
	ID           string
	Name         string
	FirstSeenMS  int64
	LastSeenMS   int64
	SeenCount    uint64
	Capabilities []string
}

// Registry tracks known peers and delegates announce persistence to a
// store.Store.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*Peer

	store store.Store

	now func() time.Time

	PublishEvent func(eventType string, payload map[string]interface{})
}

func New(s store.Store) *Registry {
	return &Registry{peers: make(map[string]*Peer), store: s, now: time.Now}
}

// AnnounceInput is the accepted shape of accept_announce_with_metadata.
type AnnounceInput struct {
	Peer                 string
	Name                 string
	NameSource           string
	AppDataHex           string
	Capabilities         []string
	RSSI                 *float64
	SNR                  *float64
	Q                    *float64
	StampCostFlexibility *float64
	PeeringCost          *float64
}

// AcceptAnnounceWithMetadata upserts the peer, normalizes capabilities
// (explicit list, else parsed from app_data_hex), inserts the announce
// record, and publishes announce_received.
func (r *Registry) AcceptAnnounceWithMetadata(in AnnounceInput) (*store.Announce, error) {
	if in.Peer == "" {
		return nil, rpcerr.New(rpcerr.CodeInvalidArgument, "peer is required")
	}

	caps := in.Capabilities
	stampCost := in.StampCostFlexibility
	peeringCost := in.PeeringCost

	if len(caps) == 0 && in.AppDataHex != "" {
		parsed, sc, pc, err := parseAppData(in.AppDataHex)
		if err != nil {
			return nil, rpcerr.Newf(rpcerr.CodeInvalidArgument, "parsing app_data_hex: %v", err)
		}

		caps = parsed

		if stampCost == nil {
			stampCost = sc
		}

		if peeringCost == nil {
			peeringCost = pc
		}
	}

	caps = normalizeCapabilities(caps)

	now := r.now().UnixMilli()

	r.mu.Lock()
	p, exists := r.peers[in.Peer]
	if !exists {
		p = &Peer{ID: in.Peer, FirstSeenMS: now}
		r.peers[in.Peer] = p
	}

	p.Name = in.Name
	p.LastSeenMS = now
	p.SeenCount++
	p.Capabilities = caps

	firstSeen := p.FirstSeenMS
	seenCount := p.SeenCount
	r.mu.Unlock()

	announce := &store.Announce{
		ID:                   announceID(in.Peer, now),
		Peer:                 in.Peer,
		TimestampMS:          now,
		Name:                 in.Name,
		NameSource:           in.NameSource,
		FirstSeenMS:          firstSeen,
		SeenCount:            seenCount,
		AppDataHex:           in.AppDataHex,
		Capabilities:         caps,
		RSSI:                 in.RSSI,
		SNR:                  in.SNR,
		Q:                    in.Q,
		StampCostFlexibility: stampCost,
		PeeringCost:          peeringCost,
	}

	if err := r.store.InsertAnnounce(announce); err != nil {
		return nil, rpcerr.Newf(rpcerr.CodeStorageWrite, "persisting announce: %v", err)
	}

	if r.PublishEvent != nil {
		r.PublishEvent("announce_received", map[string]interface{}{
			"peer": in.Peer, "name": in.Name, "capabilities": caps,
			"first_seen_ms": firstSeen, "seen_count": seenCount,
		})
	}

	return announce, nil
}

func announceID(peer string, tsMS int64) string {
	return fmt.Sprintf("%s-%d", peer, tsMS)
}

// normalizeCapabilities trims, lowercases, drops empty entries, and dedupes
// preserving first occurrence.
func normalizeCapabilities(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))

	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}

		seen[c] = true
		out = append(out, c)
	}

	return out
}

// parseAppData hex-decodes app_data_hex and reads the bytes as text made of
// ';'-separated "key=value" segments: "capabilities=a,b,c" (comma-separated)
// plus numeric "stamp_cost_flexibility=" and "peering_cost=" entries.
// Segments without '=', unknown keys and unparsable numbers are skipped.
// Binary-encoded (array or map) app data is not decoded.
func parseAppData(appDataHex string) ([]string, *float64, *float64, error) {
	raw, err := hex.DecodeString(appDataHex)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("app_data_hex is not valid hex: %w", err)
	}

	text := string(raw)

	var caps []string
	var stampCost, peeringCost *float64

	for _, segment := range strings.Split(text, ";") {
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			continue
		}

		switch kv[0] {
		case "capabilities":
			for _, c := range strings.Split(kv[1], ",") {
				caps = append(caps, c)
			}
		case "stamp_cost_flexibility":
			if f, err := strconv.ParseFloat(kv[1], 64); err == nil {
				stampCost = &f
			}
		case "peering_cost":
			if f, err := strconv.ParseFloat(kv[1], 64); err == nil {
				peeringCost = &f
			}
		}
	}

	return caps, stampCost, peeringCost, nil
}

// ListAnnounces delegates to the store's (timestamp desc, id desc) ordered
// pagination.
func (r *Registry) ListAnnounces(limit int, beforeTS int64, beforeID string) ([]store.Announce, error) {
	announces, err := r.store.ListAnnounces(limit, beforeTS, beforeID)
	if err != nil {
		return nil, rpcerr.Newf(rpcerr.CodeStorageRead, "listing announces: %v", err)
	}

	return announces, nil
}

// PropagationCapablePeers scans the most recent announces (up to
// lookbackCount) and returns the distinct peer ids whose capabilities
// include "propagation".
func (r *Registry) PropagationCapablePeers(lookbackCount int) ([]string, error) {
	announces, err := r.store.ListAnnounces(lookbackCount, 0, "")
	if err != nil {
		return nil, rpcerr.Newf(rpcerr.CodeStorageRead, "listing announces: %v", err)
	}

	seen := make(map[string]bool)
	var peers []string

	for _, a := range announces {
		for _, c := range a.Capabilities {
			if c == "propagation" && !seen[a.Peer] {
				seen[a.Peer] = true
				peers = append(peers, a.Peer)
			}
		}
	}

	return peers, nil
}
