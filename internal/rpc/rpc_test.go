package rpc

import (
	"errors"
	"testing"

	"github.com/styrene-lab/styrene-meshd/internal/configcas"
	"github.com/styrene-lab/styrene-meshd/internal/eventlog"
	"github.com/styrene-lab/styrene-meshd/internal/metrics"
	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

func newTestDispatcher() *Dispatcher {
	log := eventlog.New("rt-1", "stream-1", 100, 100, eventlog.OverflowDropOldest, eventlog.OverflowDropOldest, 0)
	return New(metrics.New(), log)
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDispatcher()

	resp := d.Dispatch(Request{Method: "sdk_nope", RequestID: 1}, nil)
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown method")
	}
	if resp.Error.Code != rpcerr.CodeInvalidArgument {
		t.Errorf("code = %s, want %s", resp.Error.Code, rpcerr.CodeInvalidArgument)
	}
}

func TestDispatchGatesOnCapability(t *testing.T) {
	d := newTestDispatcher()
	d.Register("sdk_voice_open", func(params map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})

	resp := d.Dispatch(Request{Method: "sdk_voice_open", RequestID: 1}, nil)
	if resp.Error == nil || resp.Error.Code != rpcerr.CodeCapabilityDisabled {
		t.Fatalf("resp.Error = %+v, want SDK_CAPABILITY_DISABLED", resp.Error)
	}
}

func TestDispatchSucceedsWithCapability(t *testing.T) {
	d := newTestDispatcher()
	d.Register("sdk_voice_open", func(params map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})

	resp := d.Dispatch(Request{Method: "sdk_voice_open", RequestID: 1}, []string{configcas.CapVoiceSignaling})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result != "ok" {
		t.Errorf("result = %v, want ok", resp.Result)
	}
}

func TestDispatchPassesThroughRPCError(t *testing.T) {
	d := newTestDispatcher()
	d.Register("sdk_marker_create", func(params map[string]interface{}) (interface{}, error) {
		return nil, rpcerr.New(rpcerr.CodeInvalidArgument, "lat out of range")
	})

	resp := d.Dispatch(Request{Method: "sdk_marker_create", RequestID: 1}, []string{configcas.CapMarkers})
	if resp.Error == nil || resp.Error.Code != rpcerr.CodeInvalidArgument {
		t.Fatalf("resp.Error = %+v", resp.Error)
	}
}

func TestDispatchHumanizesUnexpectedError(t *testing.T) {
	d := newTestDispatcher()
	d.Register("sdk_marker_create", func(params map[string]interface{}) (interface{}, error) {
		return nil, errors.New("disk exploded")
	})

	resp := d.Dispatch(Request{Method: "sdk_marker_create", RequestID: 1}, []string{configcas.CapMarkers})
	if resp.Error == nil || resp.Error.Code != rpcerr.CodeInternal {
		t.Fatalf("resp.Error = %+v, want SDK_INTERNAL", resp.Error)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on duplicate registration")
		}
	}()

	d := newTestDispatcher()
	d.Register("sdk_topic_create", func(params map[string]interface{}) (interface{}, error) { return nil, nil })
	d.Register("sdk_topic_create", func(params map[string]interface{}) (interface{}, error) { return nil, nil })
}
