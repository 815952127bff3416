// Package daemon wires every subsystem into a single Runtime: the store,
// auth pipeline, event log, config/capability profile, message/peers/
// propagation/domain services, metrics registry, and the RPC dispatcher and
// HTTP frontend built on top of them. Grounded on the teacher's cmd/root.go
// PersistentPreRunE construct-everything-before-serving sequence, split
// here into an explicit Runtime type so it can be constructed once by
// cmd/serve and reused directly by tests instead of only living behind
// package-level cobra state.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/styrene-lab/styrene-meshd/internal/auth"
	"github.com/styrene-lab/styrene-meshd/internal/configcas"
	"github.com/styrene-lab/styrene-meshd/internal/diag"
	"github.com/styrene-lab/styrene-meshd/internal/domain"
	"github.com/styrene-lab/styrene-meshd/internal/eventlog"
	"github.com/styrene-lab/styrene-meshd/internal/httpapi"
	"github.com/styrene-lab/styrene-meshd/internal/messages"
	"github.com/styrene-lab/styrene-meshd/internal/metrics"
	"github.com/styrene-lab/styrene-meshd/internal/peers"
	"github.com/styrene-lab/styrene-meshd/internal/propagation"
	"github.com/styrene-lab/styrene-meshd/internal/rpc"
	"github.com/styrene-lab/styrene-meshd/internal/store"
)

// Options configures a Runtime at construction time.
type Options struct {
	Profile         string
	StorePath       string // empty uses an in-memory store
	DomainStatePath string // empty disables domain snapshot persistence
	RuntimeID       string
	StreamID        string

	BindMode string
	AuthMode string

	LegacyQueueCap    int
	SequencedQueueCap int

	DiagPacketTraceFile string
}

// Runtime holds every constructed subsystem for the life of the process.
type Runtime struct {
	Store   store.Store
	Auth    *auth.Pipeline
	AuthCfg auth.Config

	Events    *eventlog.Log
	RuntimeID string
	StreamID  string
	Metrics   *metrics.Registry
	Profile   configcas.Profile
	Config    *configcas.Store

	Messages     *messages.Service
	Peers        *peers.Registry
	Propagation  *propagation.Engine
	Domains      *domain.Domains

	Dispatcher *rpc.Dispatcher
	HTTP       *httpapi.Server

	startedAt    time.Time
	cancelDiag   context.CancelFunc
	shutdownOnce sync.Once
	ShutdownC    chan struct{}
}

// New constructs every subsystem and wires the RPC method table, but does
// not start listening for connections — that's cmd's job.
func New(opts Options) (*Runtime, error) {
	profile, ok := configcas.Lookup(opts.Profile)
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", opts.Profile)
	}

	var s store.Store
	if opts.StorePath == "" {
		s = store.NewMemory()
	} else {
		bolt, err := store.OpenBolt(opts.StorePath)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		s = bolt
	}

	runtimeID := opts.RuntimeID
	if runtimeID == "" {
		runtimeID = "rt-local"
	}

	streamID := opts.StreamID
	if streamID == "" {
		streamID = "default"
	}

	legacyCap := opts.LegacyQueueCap
	if legacyCap == 0 {
		legacyCap = 1024
	}

	sequencedCap := opts.SequencedQueueCap
	if sequencedCap == 0 {
		sequencedCap = profile.Limits.MaxPollEvents * 8
	}

	events := eventlog.New(runtimeID, streamID, legacyCap, sequencedCap,
		eventlog.OverflowDropOldest, eventlog.OverflowDropOldest, 5*time.Second)

	metricsReg := metrics.New()

	peerRegistry := peers.New(s)
	propagationEngine := propagation.New(peerRegistry.PropagationCapablePeers)
	domains := domain.New(opts.DomainStatePath, func() int64 { return time.Now().UnixMilli() })

	publish := func(eventType string, payload map[string]interface{}) { events.Publish(eventType, payload) }

	msgSvc := messages.New(s, nil)
	msgSvc.PublishEvent = publish

	peerRegistry.PublishEvent = publish

	authCfg := auth.Config{BindMode: opts.BindMode, AuthMode: auth.Mode(opts.AuthMode)}

	rt := &Runtime{
		Store: s, Auth: auth.New(), AuthCfg: authCfg,
		Events: events, RuntimeID: runtimeID, StreamID: streamID,
		Metrics: metricsReg, Profile: profile,
		Config:      configcas.NewStore(configcas.RuntimeConfig{Profile: profile.Name}),
		Messages:    msgSvc,
		Peers:       peerRegistry,
		Propagation: propagationEngine,
		Domains:     domains,
		startedAt:   time.Now(),
		ShutdownC:   make(chan struct{}),
	}

	rt.Dispatcher = rpc.New(metricsReg, events)
	rt.registerMethods()

	rt.HTTP = httpapi.New(rt.Dispatcher, events, runtimeID, streamID, rt.Auth, rt.AuthCfg, metricsReg, profile, rt.healthy, rt.ready)

	if opts.DiagPacketTraceFile != "" {
		ctx, cancel := context.WithCancel(context.Background())
		rt.cancelDiag = cancel

		if err := diag.TracePacketFile(ctx, opts.DiagPacketTraceFile, publish); err != nil {
			cancel()
			return nil, fmt.Errorf("starting packet trace tailer: %w", err)
		}
	}

	return rt, nil
}

// Shutdown releases resources the Runtime opened (the packet-trace tailer,
// a bbolt-backed store).
func (r *Runtime) Shutdown() error {
	if r.cancelDiag != nil {
		r.cancelDiag()
	}

	if closer, ok := r.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}

	return nil
}

// requestShutdown closes ShutdownC exactly once, letting cmd/meshd's serve
// loop treat an sdk_shutdown_v2 RPC the same as a SIGTERM.
func (r *Runtime) requestShutdown() {
	r.shutdownOnce.Do(func() { close(r.ShutdownC) })
}

func (r *Runtime) healthy() (bool, map[string]interface{}) {
	return true, map[string]interface{}{"profile": r.Profile.Name}
}

func (r *Runtime) ready() (bool, map[string]interface{}) {
	degraded := r.Events.Degraded()
	return !degraded, map[string]interface{}{"stream_degraded": degraded}
}
