package configcas

import (
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

// RuntimeConfig is the negotiated, patchable configuration a runtime
// instance holds after sdk_negotiate_v2. Fields not covered by the patch
// whitelist are set once at negotiation time and never change afterward.
type RuntimeConfig struct {
	Profile  string `json:"profile" mapstructure:"profile"`
	BindMode string `json:"bind_mode" mapstructure:"bind_mode"`
	AuthMode string `json:"auth_mode" mapstructure:"auth_mode"`

	OverflowPolicy  string                 `json:"overflow_policy,omitempty" mapstructure:"overflow_policy"`
	BlockTimeoutMS  int64                  `json:"block_timeout_ms,omitempty" mapstructure:"block_timeout_ms"`
	StoreForward    map[string]interface{} `json:"store_forward,omitempty" mapstructure:"store_forward"`
	EventStream     map[string]interface{} `json:"event_stream,omitempty" mapstructure:"event_stream"`
	EventSink       map[string]interface{} `json:"event_sink,omitempty" mapstructure:"event_sink"`
	IdempotencyTTLMS int64                 `json:"idempotency_ttl_ms,omitempty" mapstructure:"idempotency_ttl_ms"`
	Redaction       map[string]interface{} `json:"redaction,omitempty" mapstructure:"redaction"`
	RPCBackend      map[string]interface{} `json:"rpc_backend,omitempty" mapstructure:"rpc_backend"`
	Extensions      map[string]interface{} `json:"extensions,omitempty" mapstructure:"extensions"`
}

// patchWhitelist lists the only top-level keys sdk_configure_v2 may touch.
var patchWhitelist = map[string]bool{
	"overflow_policy": true, "block_timeout_ms": true, "store_forward": true,
	"event_stream": true, "event_sink": true, "idempotency_ttl_ms": true,
	"redaction": true, "rpc_backend": true, "extensions": true,
}

// Store holds the current RuntimeConfig and its revision, serializing
// patch application under a single apply-lock as spec.md §4.5 requires.
type Store struct {
	mu       sync.Mutex
	cfg      RuntimeConfig
	revision int64
}

func NewStore(cfg RuntimeConfig) *Store {
	return &Store{cfg: cfg, revision: 0}
}

// Current returns a copy of the current config and revision.
func (s *Store) Current() (RuntimeConfig, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg, s.revision
}

// Validate checks the combination of fields a RuntimeConfig may legally
// hold, per the negotiate-time validation rules in spec.md §4.5.
func Validate(cfg RuntimeConfig) error {
	profile, ok := Lookup(cfg.Profile)
	if !ok {
		return rpcerr.Newf(rpcerr.CodeConfigUnknownKey, "unknown profile %q", cfg.Profile)
	}

	if profile.Name == ProfileEmbeddedAlloc && cfg.AuthMode == "mtls" {
		return rpcerr.New(rpcerr.CodeConfigConflict, "embedded-alloc profile does not support mtls auth mode")
	}

	if cfg.BindMode != "local_only" && cfg.AuthMode == "local_trusted" {
		return rpcerr.New(rpcerr.CodeConfigConflict, "remote bind requires token or mtls auth mode")
	}

	if sf := cfg.StoreForward; sf != nil {
		for k, v := range sf {
			if n, ok := asNumber(v); ok && n == 0 {
				return rpcerr.Newf(rpcerr.CodeConfigConflict, "store_forward.%s must be non-zero", k)
			}
		}
	}

	if sink := cfg.EventSink; sink != nil {
		if enabled, _ := sink["enabled"].(bool); enabled {
			if maxBytes, ok := asNumber(sink["max_event_bytes"]); !ok || maxBytes < 256 {
				return rpcerr.New(rpcerr.CodeConfigConflict, "event_sink.max_event_bytes must be >= 256")
			}

			allow, _ := sink["allow_kinds"].([]interface{})
			if len(allow) == 0 {
				return rpcerr.New(rpcerr.CodeConfigConflict, "event_sink.allow_kinds must be non-empty when enabled")
			}

			redaction := cfg.Redaction
			enabledRedaction, _ := redaction["enabled"].(bool)

			if redaction == nil || !enabledRedaction {
				return rpcerr.New(rpcerr.CodeRedactionRequired, "redaction must be enabled when an event sink is enabled")
			}
		}
	}

	return nil
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Patch applies a whitelisted, CAS-guarded configuration patch. onCommit is
// invoked with the new revision and the raw patch map while still holding
// the apply lock, so callers can persist a domain snapshot and publish
// config_updated atomically with the revision bump.
func (s *Store) Patch(expectedRevision int64, patch map[string]interface{}, onCommit func(revision int64, patch map[string]interface{})) (RuntimeConfig, int64, error) {
	for k := range patch {
		if !patchWhitelist[k] {
			return RuntimeConfig{}, 0, rpcerr.Newf(rpcerr.CodeConfigUnknownKey, "unknown config patch key %q", k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedRevision != s.revision {
		return RuntimeConfig{}, 0, rpcerr.Newf(rpcerr.CodeConfigConflict, "expected revision %d does not match current revision %d", expectedRevision, s.revision)
	}

	merged := s.cfg

	if err := deepMergePatch(&merged, patch); err != nil {
		return RuntimeConfig{}, 0, fmt.Errorf("merging config patch: %w", err)
	}

	if err := Validate(merged); err != nil {
		return RuntimeConfig{}, 0, err
	}

	s.cfg = merged
	s.revision++

	if onCommit != nil {
		onCommit(s.revision, patch)
	}

	return s.cfg, s.revision, nil
}

// deepMergePatch decodes patch on top of cfg's existing map-valued fields,
// using mapstructure the way the teacher decodes heterogeneous config
// documents into typed structs. A null value for a map field clears it;
// an absent key leaves the field untouched.
func deepMergePatch(cfg *RuntimeConfig, patch map[string]interface{}) error {
	decoderCfg := &mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(decoderCfg)
	if err != nil {
		return err
	}

	merged := map[string]interface{}{}

	for k, v := range patch {
		if v == nil {
			clearField(cfg, k)
			continue
		}

		if existing := fieldAsMap(cfg, k); existing != nil {
			merged[k] = mergeMaps(existing, v)
		} else {
			merged[k] = v
		}
	}

	return decoder.Decode(merged)
}

func fieldAsMap(cfg *RuntimeConfig, key string) map[string]interface{} {
	switch key {
	case "store_forward":
		return cfg.StoreForward
	case "event_stream":
		return cfg.EventStream
	case "event_sink":
		return cfg.EventSink
	case "redaction":
		return cfg.Redaction
	case "rpc_backend":
		return cfg.RPCBackend
	case "extensions":
		return cfg.Extensions
	default:
		return nil
	}
}

func clearField(cfg *RuntimeConfig, key string) {
	switch key {
	case "store_forward":
		cfg.StoreForward = nil
	case "event_stream":
		cfg.EventStream = nil
	case "event_sink":
		cfg.EventSink = nil
	case "redaction":
		cfg.Redaction = nil
	case "rpc_backend":
		cfg.RPCBackend = nil
	case "extensions":
		cfg.Extensions = nil
	case "overflow_policy":
		cfg.OverflowPolicy = ""
	case "block_timeout_ms":
		cfg.BlockTimeoutMS = 0
	case "idempotency_ttl_ms":
		cfg.IdempotencyTTLMS = 0
	}
}

func mergeMaps(dst map[string]interface{}, patch interface{}) map[string]interface{} {
	patchMap, ok := patch.(map[string]interface{})
	if !ok {
		return dst
	}

	out := make(map[string]interface{}, len(dst)+len(patchMap))

	for k, v := range dst {
		out[k] = v
	}

	for k, v := range patchMap {
		if v == nil {
			delete(out, k)
			continue
		}

		out[k] = v
	}

	return out
}
