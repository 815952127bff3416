package daemon

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/styrene-lab/styrene-meshd/internal/configcas"
	"github.com/styrene-lab/styrene-meshd/internal/eventlog"
	"github.com/styrene-lab/styrene-meshd/internal/messages"
	"github.com/styrene-lab/styrene-meshd/internal/peers"
	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

// registerMethods populates the dispatcher's method table. Each handler
// does parameter extraction only; all validation and business logic lives
// in the component package being called.
func (r *Runtime) registerMethods() {
	r.registerMessageMethods()
	r.registerPeerMethods()
	r.registerPropagationMethods()
	r.registerDomainMethods()
	r.registerStatusMethods()
	r.registerLifecycleMethods()
	r.registerEventMethods()
	r.registerUnimplementedReservedMethods()
}

// registerEventMethods registers sdk_poll_events_v2 on the dispatcher so the
// cursor-based poll goes through the same capability gating, lifecycle
// tracing, and per-method counters as every other RPC call (spec.md
// §4.1/§4.2); internal/httpapi's /events route delegates here rather than
// calling eventlog.Log.Poll on its own.
func (r *Runtime) registerEventMethods() {
	r.Dispatcher.Register("sdk_poll_events_v2", func(params map[string]interface{}) (interface{}, error) {
		cursorSeq, resetToHead, err := eventlog.DecodeCursor(str(params, "cursor"), r.RuntimeID, r.StreamID)
		if err != nil {
			return nil, eventlog.ClassifyPollError(err)
		}

		limits := r.Profile.Limits

		max := limits.MaxPollEvents
		if _, given := params["max"]; given {
			max = intParam(params, "max")
			if max < 1 || max > limits.MaxPollEvents {
				return nil, rpcerr.Newf(rpcerr.CodeInvalidArgument, "max must be between 1 and %d", limits.MaxPollEvents)
			}
		}

		result, err := r.Events.Poll(cursorSeq, resetToHead, max,
			limits.MaxEventBytes, limits.MaxBatchBytes, limits.MaxExtensionKeys,
			pollEventSize, pollEventExtensionCount)
		if err != nil {
			return nil, eventlog.ClassifyPollError(err)
		}

		return result, nil
	})
}

func pollEventSize(ev eventlog.Event) int {
	body, _ := json.Marshal(ev)
	return len(body)
}

func pollEventExtensionCount(ev eventlog.Event) int {
	return len(ev.Payload)
}

// registerStatusMethods registers the generic status/daemon_status_ex
// methods of spec.md §6, consumed by the status CLI subcommand.
func (r *Runtime) registerStatusMethods() {
	statusHandler := func(params map[string]interface{}) (interface{}, error) {
		_, revision := r.Config.Current()

		announces, err := r.Peers.ListAnnounces(1000, 0, "")
		if err != nil {
			return nil, err
		}

		peerSet := map[string]struct{}{}
		for _, a := range announces {
			peerSet[a.Peer] = struct{}{}
		}

		return map[string]interface{}{
			"profile":         r.Profile.Name,
			"uptime_seconds":  time.Since(r.startedAt).Seconds(),
			"config_revision": revision,
			"peer_count":      len(peerSet),
			"stream_degraded": r.Events.Degraded(),
			"metrics":         r.Metrics.Snapshot(),
		}, nil
	}

	r.Dispatcher.Register("status", statusHandler)
	r.Dispatcher.Register("daemon_status_ex", statusHandler)
	r.Dispatcher.Register("sdk_status_v2", statusHandler)
}

// registerLifecycleMethods registers the sdk_*_v2 contract-negotiation,
// config-patch, snapshot, and shutdown methods of spec.md §4.5 and §6. Each
// builds directly on configcas.Store/Profile, which already implement the
// CAS patch and version-intersection rules these handlers expose over RPC.
func (r *Runtime) registerLifecycleMethods() {
	r.Dispatcher.Register("sdk_negotiate_v2", func(params map[string]interface{}) (interface{}, error) {
		versions := intSliceParam(params, "supported_contract_versions")

		version, ok := configcas.NegotiateVersion(versions)
		if !ok {
			return nil, rpcerr.New(rpcerr.CodeInvalidArgument, "no overlapping supported_contract_versions")
		}

		requested := stringSliceParam(params, "requested_capabilities")
		effective := r.Profile.EffectiveCapabilities(requested)

		return map[string]interface{}{
			"contract_version":       version,
			"effective_capabilities": effective,
			"profile":                r.Profile.Name,
		}, nil
	})

	r.Dispatcher.Register("sdk_configure_v2", func(params map[string]interface{}) (interface{}, error) {
		patch, _ := params["patch"].(map[string]interface{})

		_, revision, err := r.Config.Patch(int64(intParam(params, "expected_revision")), patch, nil)
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"revision": revision}, nil
	})

	r.Dispatcher.Register("sdk_snapshot_v2", func(params map[string]interface{}) (interface{}, error) {
		cfg, revision := r.Config.Current()

		return map[string]interface{}{
			"config":          cfg,
			"config_revision": revision,
			"profile":         r.Profile.Name,
			"uptime_seconds":  time.Since(r.startedAt).Seconds(),
		}, nil
	})

	r.Dispatcher.Register("sdk_shutdown_v2", func(params map[string]interface{}) (interface{}, error) {
		r.requestShutdown()
		return map[string]interface{}{"accepted": true}, nil
	})
}

// registerUnimplementedReservedMethods registers the method names spec.md §6
// reserves but which this daemon has no backing concept for — there is no
// network-interface or delivery-policy abstraction in this SDK surface, and
// no separate peer-sync/unpeer lifecycle beyond announce acceptance. They
// are registered (rather than left to 404 at dispatch) so callers get a
// structured SDK_RUNTIME_NOT_IMPLEMENTED error instead of an unknown-method
// one, and so the method table documents the full reserved surface.
func (r *Runtime) registerUnimplementedReservedMethods() {
	notImplemented := func(params map[string]interface{}) (interface{}, error) {
		return nil, rpcerr.New(rpcerr.CodeNotImplemented, "method reserved but not implemented by this runtime")
	}

	for _, method := range []string{
		"peer_sync", "peer_unpeer", "announce_now", "announce_received",
		"list_interfaces", "set_interfaces", "reload_config",
		"get_delivery_policy", "set_delivery_policy",
	} {
		r.Dispatcher.Register(method, notImplemented)
	}
}

// registerMessageMethods wires sdk_send/sdk_record_receipt/sdk_cancel/
// sdk_trace plus the non-sdk-prefixed aliases spec.md §6 reserves for the
// same operations (the source "exposes both send_message and
// send_message_v2 with overlapping semantics"; this collapses all of them
// to one handler per operation rather than reimplementing each).
func (r *Runtime) registerMessageMethods() {
	sendHandler := func(params map[string]interface{}) (interface{}, error) {
		req := messages.SendRequest{
			Destination: str(params, "destination"),
			Source:      str(params, "source"),
			Title:       str(params, "title"),
			Content:     str(params, "content"),
			ID:          str(params, "id"),
		}

		id, err := r.Messages.Send(req)
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"id": id}, nil
	}

	for _, method := range []string{"sdk_send", "sdk_send_v2", "send_message", "send_message_v2"} {
		r.Dispatcher.Register(method, sendHandler)
	}

	receiptHandler := func(params map[string]interface{}) (interface{}, error) {
		result, err := r.Messages.RecordReceipt(str(params, "message_id"), str(params, "status"))
		if err != nil {
			return nil, err
		}

		return result, nil
	}

	for _, method := range []string{"sdk_record_receipt", "record_receipt", "receive_message"} {
		r.Dispatcher.Register(method, receiptHandler)
	}

	cancelHandler := func(params map[string]interface{}) (interface{}, error) {
		outcome, err := r.Messages.Cancel(str(params, "message_id"))
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"outcome": outcome}, nil
	}

	r.Dispatcher.Register("sdk_cancel", cancelHandler)
	r.Dispatcher.Register("sdk_cancel_message_v2", cancelHandler)

	traceHandler := func(params map[string]interface{}) (interface{}, error) {
		return r.Messages.Trace(str(params, "message_id")), nil
	}

	r.Dispatcher.Register("sdk_trace", traceHandler)
	r.Dispatcher.Register("message_delivery_trace", traceHandler)

	r.Dispatcher.Register("list_messages", func(params map[string]interface{}) (interface{}, error) {
		messagesOut, err := r.Store.ListMessages(intParam(params, "limit"), int64(intParam(params, "before_ts")))
		if err != nil {
			return nil, err
		}

		return messagesOut, nil
	})
}

func (r *Runtime) registerPeerMethods() {
	r.Dispatcher.Register("sdk_peer_announce", func(params map[string]interface{}) (interface{}, error) {
		in := peers.AnnounceInput{
			Peer:       str(params, "peer"),
			Name:       str(params, "name"),
			AppDataHex: str(params, "app_data_hex"),
		}

		return r.Peers.AcceptAnnounceWithMetadata(in)
	})

	listAnnouncesHandler := func(params map[string]interface{}) (interface{}, error) {
		limit := intParam(params, "limit")
		return r.Peers.ListAnnounces(limit, int64(intParam(params, "before_ts")), str(params, "before_id"))
	}

	for _, method := range []string{"sdk_peer_list_announces", "list_announces", "list_peers"} {
		r.Dispatcher.Register(method, listAnnouncesHandler)
	}
}

func (r *Runtime) registerPropagationMethods() {
	r.Dispatcher.Register("sdk_propagation_enable", func(params map[string]interface{}) (interface{}, error) {
		var cost *float64
		if v, ok := params["target_cost"].(float64); ok {
			cost = &v
		}

		r.Propagation.Enable(boolParam(params, "enabled"), str(params, "store_root"), cost)

		return r.Propagation.Status(), nil
	})

	r.Dispatcher.Register("sdk_propagation_status", func(params map[string]interface{}) (interface{}, error) {
		return r.Propagation.Status(), nil
	})

	r.Dispatcher.Register("sdk_propagation_ingest", func(params map[string]interface{}) (interface{}, error) {
		id, err := r.Propagation.Ingest(str(params, "payload_hex"), str(params, "transient_id"))
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"transient_id": id}, nil
	})

	r.Dispatcher.Register("sdk_propagation_fetch", func(params map[string]interface{}) (interface{}, error) {
		payload, ok := r.Propagation.Fetch(str(params, "transient_id"))
		if !ok {
			return nil, rpcerr.New(rpcerr.CodeNotFound, "no payload stored for transient_id")
		}

		return map[string]interface{}{"payload_hex": payload}, nil
	})
}

func (r *Runtime) registerDomainMethods() {
	r.Dispatcher.Register("sdk_topic_create", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.CreateTopic(str(params, "id"), str(params, "name"))
	})

	r.Dispatcher.Register("sdk_topic_list", func(params map[string]interface{}) (interface{}, error) {
		topics, next, err := r.Domains.ListTopics(str(params, "cursor"), intParam(params, "limit"))
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"topics": topics, "next_cursor": next}, nil
	})

	r.Dispatcher.Register("sdk_topic_get", func(params map[string]interface{}) (interface{}, error) {
		topic, ok := r.Domains.GetTopic(str(params, "id"))
		if !ok {
			return nil, rpcerr.New(rpcerr.CodeNotFound, "no topic with that id")
		}

		return topic, nil
	})

	r.Dispatcher.Register("sdk_marker_create", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.CreateMarker(str(params, "id"), str(params, "topic_id"),
			floatParam(params, "lat"), floatParam(params, "lon"), str(params, "label"))
	})

	r.Dispatcher.Register("sdk_marker_update_position_v2", func(params map[string]interface{}) (interface{}, error) {
		lat := floatParam(params, "lat")
		lon := floatParam(params, "lon")

		var label *string
		if v, ok := params["label"].(string); ok {
			label = &v
		}

		return r.Domains.UpdateMarker(str(params, "marker_id"), int64(intParam(params, "expected_revision")), &lat, &lon, label)
	})

	r.Dispatcher.Register("sdk_marker_delete", func(params map[string]interface{}) (interface{}, error) {
		err := r.Domains.DeleteMarker(str(params, "id"), int64(intParam(params, "expected_revision")))
		return map[string]interface{}{"deleted": err == nil}, err
	})

	r.Dispatcher.Register("sdk_marker_list", func(params map[string]interface{}) (interface{}, error) {
		markers, next, err := r.Domains.ListMarkers(str(params, "cursor"), intParam(params, "limit"))
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"markers": markers, "next_cursor": next}, nil
	})

	r.Dispatcher.Register("sdk_identity_import", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.ImportIdentity(str(params, "id"), str(params, "display_name"), str(params, "public_key"))
	})

	r.Dispatcher.Register("sdk_identity_activate", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.ActivateIdentity(str(params, "id"))
	})

	r.Dispatcher.Register("sdk_identity_list", func(params map[string]interface{}) (interface{}, error) {
		identities, next, err := r.Domains.ListIdentities(str(params, "cursor"), intParam(params, "limit"))
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"identities": identities, "next_cursor": next}, nil
	})

	r.Dispatcher.Register("sdk_contact_upsert", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.UpsertContact(str(params, "identity"), str(params, "display_name"))
	})

	r.Dispatcher.Register("sdk_contact_list", func(params map[string]interface{}) (interface{}, error) {
		contacts, next, err := r.Domains.ListContacts(str(params, "cursor"), intParam(params, "limit"))
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"contacts": contacts, "next_cursor": next}, nil
	})

	r.Dispatcher.Register("sdk_voice_open", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.OpenVoiceSession(str(params, "id"), str(params, "peer"))
	})

	r.Dispatcher.Register("sdk_voice_update_state", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.UpdateVoiceSessionState(str(params, "id"), str(params, "state"))
	})

	r.Dispatcher.Register("sdk_voice_close", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.CloseVoiceSession(str(params, "id"))
	})

	r.Dispatcher.Register("sdk_voice_list", func(params map[string]interface{}) (interface{}, error) {
		sessions, next, err := r.Domains.ListVoiceSessions(str(params, "cursor"), intParam(params, "limit"))
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"voice_sessions": sessions, "next_cursor": next}, nil
	})

	r.Dispatcher.Register("sdk_attachment_start_upload", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.StartUpload(str(params, "upload_id"), str(params, "attachment_id"),
			int64(intParam(params, "total_size")), str(params, "checksum_sha256"), nil)
	})

	r.Dispatcher.Register("sdk_attachment_append_chunk", func(params map[string]interface{}) (interface{}, error) {
		data, err := hexParam(params, "data_hex")
		if err != nil {
			return nil, rpcerr.New(rpcerr.CodeInvalidArgument, "data_hex is not valid hex")
		}

		return r.Domains.AppendChunk(str(params, "upload_id"), int64(intParam(params, "offset")), data)
	})

	r.Dispatcher.Register("sdk_attachment_commit_upload", func(params map[string]interface{}) (interface{}, error) {
		return r.Domains.CommitUpload(str(params, "upload_id"))
	})

	r.Dispatcher.Register("sdk_attachment_delete", func(params map[string]interface{}) (interface{}, error) {
		err := r.Domains.DeleteAttachment(str(params, "id"))
		return map[string]interface{}{"deleted": err == nil}, err
	})

	r.Dispatcher.Register("sdk_attachment_list", func(params map[string]interface{}) (interface{}, error) {
		attachments, next, err := r.Domains.ListAttachments(str(params, "cursor"), intParam(params, "limit"))
		if err != nil {
			return nil, err
		}

		return map[string]interface{}{"attachments": attachments, "next_cursor": next}, nil
	})
}

func str(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]interface{}, key string) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return false
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func floatParam(params map[string]interface{}, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func hexParam(params map[string]interface{}, key string) ([]byte, error) {
	return hex.DecodeString(str(params, key))
}

func intSliceParam(params map[string]interface{}, key string) []int {
	raw, ok := params[key].([]interface{})
	if !ok {
		return nil
	}

	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		case int64:
			out = append(out, int(n))
		}
	}

	return out
}

func stringSliceParam(params map[string]interface{}, key string) []string {
	raw, ok := params[key].([]interface{})
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
