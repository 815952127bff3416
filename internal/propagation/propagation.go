// Package propagation implements the store-and-forward propagation engine
// surface: enable/status/ingest/fetch plus outbound-node selection, built
// around a transient payload cache the same shape as the teacher's
// patrickmn/go-cache-backed experiment lock table, generalized here to hold
// payload bytes instead of lock tokens.
package propagation

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

// CapablePeersFunc derives the current propagation-capable peer set,
// typically peers.Registry.PropagationCapablePeers.
type CapablePeersFunc func(lookbackCount int) ([]string, error)

// Engine implements the propagation RPC surface.
type Engine struct {
	mu sync.Mutex

	enabled    bool
	storeRoot  string
	targetCost *float64

	payloads map[string]string // transient_id -> payload_hex

	totalIngested    uint64
	lastIngestCount  int

	outboundNode string

	capablePeers CapablePeersFunc
}

func New(capablePeers CapablePeersFunc) *Engine {
	return &Engine{payloads: make(map[string]string), capablePeers: capablePeers}
}

// Enable configures the engine per propagation_enable.
func (e *Engine) Enable(enabled bool, storeRoot string, targetCost *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.enabled = enabled
	e.storeRoot = storeRoot
	e.targetCost = targetCost
}

// Status is the response shape of propagation_status.
type Status struct {
	Enabled         bool
	StoreRoot       string
	TargetCost      *float64
	TotalIngested   uint64
	LastIngestCount int
	OutboundNode    string
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		Enabled: e.enabled, StoreRoot: e.storeRoot, TargetCost: e.targetCost,
		TotalIngested: e.totalIngested, LastIngestCount: e.lastIngestCount,
		OutboundNode: e.outboundNode,
	}
}

// Ingest stores payloadHex under transientID (computing a fresh id as
// SHA-256(payload_hex) when transientID is empty) and returns the id used.
func (e *Engine) Ingest(payloadHex, transientID string) (string, error) {
	if payloadHex == "" {
		return "", rpcerr.New(rpcerr.CodeInvalidArgument, "payload_hex is required")
	}

	if _, err := hex.DecodeString(payloadHex); err != nil {
		return "", rpcerr.Newf(rpcerr.CodeInvalidArgument, "payload_hex is not valid hex: %v", err)
	}

	id := transientID
	if id == "" {
		sum := sha256.Sum256([]byte(payloadHex))
		id = hex.EncodeToString(sum[:])
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.payloads[id] = payloadHex
	e.totalIngested++
	e.lastIngestCount = 1

	return id, nil
}

// Fetch returns the payload stored under transientID, if any.
func (e *Engine) Fetch(transientID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, ok := e.payloads[transientID]
	return payload, ok
}

// SetOutboundNode records the peer used for outbound propagation.
func (e *Engine) SetOutboundNode(peer string) error {
	if peer == "" {
		return rpcerr.New(rpcerr.CodeInvalidArgument, "peer is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.outboundNode = peer

	return nil
}

// ListPropagationNodes derives propagation-capable peers by scanning recent
// announces.
func (e *Engine) ListPropagationNodes(lookbackCount int) ([]string, error) {
	if e.capablePeers == nil {
		return nil, nil
	}

	peers, err := e.capablePeers(lookbackCount)
	if err != nil {
		return nil, rpcerr.Newf(rpcerr.CodeStorageRead, "deriving propagation-capable peers: %v", err)
	}

	return peers, nil
}
