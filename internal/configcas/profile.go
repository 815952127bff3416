// Package configcas implements profile definitions, capability gating,
// contract negotiation, and the compare-and-swap configuration patch
// pipeline (spec.md §4.5). Deep merges go through mitchellh/mapstructure,
// the same library the teacher uses to decode heterogeneous config
// documents into typed structs, generalized here to merge two already-typed
// maps instead of decoding one.
package configcas

// Profile names the daemon supports.
const (
	ProfileDesktopFull         = "desktop-full"
	ProfileDesktopLocalRuntime = "desktop-local-runtime"
	ProfileEmbeddedAlloc       = "embedded-alloc"
)

// Capability strings gating individual method families, grounded on the
// original daemon's sdk::capability constants (CAP_CURSOR_REPLAY through
// CAP_SHARED_INSTANCE_RPC_AUTH). CapPeers and CapPropagation have no
// counterpart there — peer announce/list and store-and-forward propagation
// are operations this daemon exposes that the original gated some other
// way (or not at all); they're added here as this codebase's own gating
// capabilities rather than invented substitutes for an original one.
const (
	CapCursorReplay            = "sdk.capability.cursor_replay"
	CapAsyncEvents             = "sdk.capability.async_events"
	CapManualTick              = "sdk.capability.manual_tick"
	CapTokenAuth               = "sdk.capability.token_auth"
	CapMTLSAuth                = "sdk.capability.mtls_auth"
	CapReceiptTerminality      = "sdk.capability.receipt_terminality"
	CapConfigRevisionCAS       = "sdk.capability.config_revision_cas"
	CapIdempotencyTTL          = "sdk.capability.idempotency_ttl"
	CapTopics                  = "sdk.capability.topics"
	CapTopicSubscriptions      = "sdk.capability.topic_subscriptions"
	CapTopicFanout             = "sdk.capability.topic_fanout"
	CapTelemetryQuery          = "sdk.capability.telemetry_query"
	CapTelemetryStream         = "sdk.capability.telemetry_stream"
	CapAttachments             = "sdk.capability.attachments"
	CapAttachmentDelete        = "sdk.capability.attachment_delete"
	CapAttachmentStreaming     = "sdk.capability.attachment_streaming"
	CapMarkers                 = "sdk.capability.markers"
	CapIdentityMulti           = "sdk.capability.identity_multi"
	CapIdentityDiscovery       = "sdk.capability.identity_discovery"
	CapIdentityImportExport    = "sdk.capability.identity_import_export"
	CapIdentityHashResolution  = "sdk.capability.identity_hash_resolution"
	CapContactManagement       = "sdk.capability.contact_management"
	CapPaperMessages           = "sdk.capability.paper_messages"
	CapRemoteCommands          = "sdk.capability.remote_commands"
	CapVoiceSignaling          = "sdk.capability.voice_signaling"
	CapGroupDelivery           = "sdk.capability.group_delivery"
	CapEventSinkBridge         = "sdk.capability.event_sink_bridge"
	CapSharedInstanceRPCAuth   = "sdk.capability.shared_instance_rpc_auth"

	CapPeers       = "sdk.capability.peers"
	CapPropagation = "sdk.capability.propagation"
)

// Limits are the effective numeric limits a profile defaults to; a config
// patch may further tune individual fields within profile bounds. Values
// are carried over exactly from the original daemon's
// default_effective_limits (crates/libs/styrene-lxmf/src/sdk/profiles.rs).
type Limits struct {
	MaxPollEvents    int   `json:"max_poll_events" mapstructure:"max_poll_events"`
	MaxEventBytes    int   `json:"max_event_bytes" mapstructure:"max_event_bytes"`
	MaxBatchBytes    int   `json:"max_batch_bytes" mapstructure:"max_batch_bytes"`
	MaxExtensionKeys int   `json:"max_extension_keys" mapstructure:"max_extension_keys"`
	IdempotencyTTLMS int64 `json:"idempotency_ttl_ms" mapstructure:"idempotency_ttl_ms"`
}

// MemoryBudget mirrors the original daemon's default_memory_budget: the
// heap ceiling and the spool/queue slices carved out of it per profile.
type MemoryBudget struct {
	MaxHeapBytes            int64 `json:"max_heap_bytes" mapstructure:"max_heap_bytes"`
	MaxEventQueueBytes       int64 `json:"max_event_queue_bytes" mapstructure:"max_event_queue_bytes"`
	MaxAttachmentSpoolBytes int64 `json:"max_attachment_spool_bytes" mapstructure:"max_attachment_spool_bytes"`
}

// Profile describes one deployment profile's capability and limit defaults.
type Profile struct {
	Name      string
	Required  []string
	Supported []string
	Limits    Limits
	Memory    MemoryBudget
	MemoryMB  int
}

var profiles = map[string]Profile{
	ProfileDesktopFull: {
		Name: ProfileDesktopFull,
		Required: []string{
			CapCursorReplay, CapAsyncEvents, CapReceiptTerminality, CapConfigRevisionCAS, CapIdempotencyTTL,
			CapPeers,
		},
		Supported: []string{
			CapCursorReplay, CapAsyncEvents, CapManualTick, CapTokenAuth, CapMTLSAuth,
			CapReceiptTerminality, CapConfigRevisionCAS, CapIdempotencyTTL,
			CapTopics, CapTopicSubscriptions, CapTopicFanout, CapTelemetryQuery, CapTelemetryStream,
			CapAttachments, CapAttachmentDelete, CapAttachmentStreaming, CapMarkers,
			CapIdentityMulti, CapIdentityDiscovery, CapIdentityImportExport, CapIdentityHashResolution,
			CapContactManagement, CapPaperMessages, CapRemoteCommands, CapVoiceSignaling,
			CapGroupDelivery, CapEventSinkBridge, CapSharedInstanceRPCAuth,
			CapPeers, CapPropagation,
		},
		Limits: Limits{MaxPollEvents: 256, MaxEventBytes: 65_536, MaxBatchBytes: 1_048_576, MaxExtensionKeys: 32, IdempotencyTTLMS: 86_400_000},
		Memory: MemoryBudget{MaxHeapBytes: 268_435_456, MaxEventQueueBytes: 67_108_864, MaxAttachmentSpoolBytes: 536_870_912},
		MemoryMB: 256,
	},
	ProfileDesktopLocalRuntime: {
		Name: ProfileDesktopLocalRuntime,
		Required: []string{
			CapCursorReplay, CapReceiptTerminality, CapConfigRevisionCAS, CapIdempotencyTTL,
			CapPeers,
		},
		Supported: []string{
			CapCursorReplay, CapAsyncEvents, CapManualTick, CapTokenAuth, CapMTLSAuth,
			CapReceiptTerminality, CapConfigRevisionCAS, CapIdempotencyTTL,
			CapTopics, CapTopicSubscriptions, CapTopicFanout, CapTelemetryQuery, CapTelemetryStream,
			CapAttachments, CapAttachmentDelete, CapAttachmentStreaming, CapMarkers,
			CapIdentityMulti, CapIdentityDiscovery, CapIdentityImportExport, CapIdentityHashResolution,
			CapContactManagement, CapPaperMessages, CapRemoteCommands, CapVoiceSignaling,
			CapGroupDelivery, CapEventSinkBridge, CapSharedInstanceRPCAuth,
			CapPeers, CapPropagation,
		},
		Limits: Limits{MaxPollEvents: 64, MaxEventBytes: 32_768, MaxBatchBytes: 1_048_576, MaxExtensionKeys: 32, IdempotencyTTLMS: 43_200_000},
		Memory: MemoryBudget{MaxHeapBytes: 134_217_728, MaxEventQueueBytes: 33_554_432, MaxAttachmentSpoolBytes: 268_435_456},
		MemoryMB: 128,
	},
	ProfileEmbeddedAlloc: {
		Name: ProfileEmbeddedAlloc,
		Required: []string{
			CapManualTick, CapConfigRevisionCAS, CapIdempotencyTTL,
		},
		Supported: []string{
			CapCursorReplay, CapManualTick, CapTokenAuth,
			CapReceiptTerminality, CapConfigRevisionCAS, CapIdempotencyTTL,
			CapTopics, CapTopicSubscriptions, CapTopicFanout, CapTelemetryQuery, CapTelemetryStream,
			CapAttachments, CapAttachmentDelete, CapAttachmentStreaming, CapMarkers,
			CapIdentityMulti, CapIdentityDiscovery, CapIdentityImportExport, CapIdentityHashResolution,
			CapContactManagement, CapPaperMessages, CapRemoteCommands, CapVoiceSignaling,
			CapGroupDelivery, CapEventSinkBridge, CapSharedInstanceRPCAuth,
			CapPeers,
		},
		Limits: Limits{MaxPollEvents: 32, MaxEventBytes: 8_192, MaxBatchBytes: 262_144, MaxExtensionKeys: 32, IdempotencyTTLMS: 7_200_000},
		Memory: MemoryBudget{MaxHeapBytes: 8_388_608, MaxEventQueueBytes: 2_097_152, MaxAttachmentSpoolBytes: 16_777_216},
		MemoryMB: 8,
	},
}

// Lookup returns the named profile, or false if it does not exist.
func Lookup(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// Allows reports whether cap is in the profile's supported set.
func (p Profile) Allows(cap string) bool {
	for _, c := range p.Supported {
		if c == cap {
			return true
		}
	}

	return false
}

// EffectiveCapabilities computes requested ∩ supported ∪ required.
func (p Profile) EffectiveCapabilities(requested []string) []string {
	set := make(map[string]bool, len(p.Required))

	for _, c := range p.Required {
		set[c] = true
	}

	for _, c := range requested {
		if p.Allows(c) {
			set[c] = true
		}
	}

	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}

	return out
}

// methodCapability maps an RPC method-name prefix to the capability that
// gates every method starting with it (sdk_poll_events_v2, for one, needs
// cursor_replay). Methods matching no prefix are always allowed (e.g.
// sdk_negotiate_v2, sdk_configure_v2).
var methodCapability = map[string]string{}

func init() {
	registerPrefix("sdk_topic_", CapTopics)
	registerPrefix("sdk_attachment_", CapAttachments)
	registerPrefix("sdk_marker_", CapMarkers)
	registerPrefix("sdk_identity_", CapIdentityMulti)
	registerPrefix("sdk_contact_", CapContactManagement)
	registerPrefix("sdk_voice_", CapVoiceSignaling)
	registerPrefix("sdk_propagation_", CapPropagation)
	registerPrefix("sdk_poll_events_", CapCursorReplay)
	registerPrefix("sdk_peer_", CapPeers)
}

func registerPrefix(prefix, cap string) {
	// The dispatcher resolves capability by prefix match at call time via
	// CapabilityForMethod, which scans every prefix registered here.
	methodCapability[prefix] = cap
}

// CapabilityForMethod returns the capability gating method, and whether one
// is required at all.
func CapabilityForMethod(method string) (string, bool) {
	for prefix, cap := range methodCapability {
		if len(method) >= len(prefix) && method[:len(prefix)] == prefix {
			return cap, true
		}
	}

	return "", false
}

// HasCapability reports whether cap is present in effective.
func HasCapability(effective []string, cap string) bool {
	for _, c := range effective {
		if c == cap {
			return true
		}
	}

	return false
}

// SupportedContractVersions are the contract versions this daemon speaks,
// newest first.
var SupportedContractVersions = []int{2, 1}

// NegotiateVersion intersects requested with SupportedContractVersions and
// returns the highest common version.
func NegotiateVersion(requested []int) (int, bool) {
	best := 0

	for _, r := range requested {
		for _, s := range SupportedContractVersions {
			if r == s && r > best {
				best = r
			}
		}
	}

	return best, best > 0
}
