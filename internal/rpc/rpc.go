// Package rpc implements the method dispatcher: a static method table,
// capability gating, lifecycle trace correlation, and per-method
// counters/latency, grounded on the teacher's web/rpc-adjacent handler
// shape (validate → invoke → record → reply) generalized into a single
// table-driven dispatch point instead of one mux route per verb.
package rpc

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	"github.com/styrene-lab/styrene-meshd/internal/configcas"
	"github.com/styrene-lab/styrene-meshd/internal/diag"
	"github.com/styrene-lab/styrene-meshd/internal/eventlog"
	"github.com/styrene-lab/styrene-meshd/internal/metrics"
	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

// Handler implements one RPC method. params is the decoded request body;
// the returned value is marshaled as the result on success.
type Handler func(params map[string]interface{}) (interface{}, error)

// Request is a single decoded RPC call.
type Request struct {
	Method    string
	RequestID uint64
	Params    map[string]interface{}
}

// Response is the dispatcher's reply, always exactly one of Result/Error
// set.
type Response struct {
	RequestID uint64        `json:"request_id"`
	Result    interface{}   `json:"result,omitempty"`
	Error     *rpcerr.Error `json:"error,omitempty"`
}

// Dispatcher holds the method table and the components every call needs
// to record its lifecycle.
type Dispatcher struct {
	handlers map[string]Handler

	metrics *metrics.Registry
	events  *eventlog.Log

	now func() time.Time
}

// New constructs an empty Dispatcher. Register methods with Register.
func New(m *metrics.Registry, events *eventlog.Log) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		metrics:  m,
		events:   events,
		now:      time.Now,
	}
}

// Register adds a method to the dispatch table. Registering the same
// method twice panics: it indicates a wiring bug, not a runtime
// condition callers should handle.
func (d *Dispatcher) Register(method string, h Handler) {
	if _, exists := d.handlers[method]; exists {
		panic(fmt.Sprintf("rpc: method %q registered twice", method))
	}

	d.handlers[method] = h
}

// Dispatch looks up, capability-gates, and invokes the handler for
// req.Method, returning a fully-populated Response. effectiveCaps is the
// caller's negotiated capability set (configcas.Profile.EffectiveCapabilities).
func (d *Dispatcher) Dispatch(req Request, effectiveCaps []string) Response {
	correlation := fmt.Sprintf("sdk-lifecycle:%s:%016x", req.Method, req.RequestID)

	d.publish("lifecycle_start", map[string]interface{}{
		"method": req.Method, "request_id": req.RequestID, "trace_ref": correlation,
	})

	start := d.now()

	result, rerr := d.invoke(req, effectiveCaps)

	elapsedMS := float64(d.now().Sub(start).Milliseconds())

	ok := rerr == nil
	if d.metrics != nil {
		d.metrics.RPCRequest(req.Method, ok)
		d.metrics.ObserveSend(elapsedMS)
	}

	finishPayload := map[string]interface{}{
		"method": req.Method, "request_id": req.RequestID, "trace_ref": correlation,
		"elapsed_ms": elapsedMS, "ok": ok,
	}
	if rerr != nil {
		finishPayload["error_code"] = rerr.Code
	}

	d.publish("lifecycle_finish", finishPayload)

	return Response{RequestID: req.RequestID, Result: result, Error: rerr}
}

func (d *Dispatcher) invoke(req Request, effectiveCaps []string) (interface{}, *rpcerr.Error) {
	handler, ok := d.handlers[req.Method]
	if !ok {
		return nil, rpcerr.Newf(rpcerr.CodeInvalidArgument, "unknown method %q", req.Method)
	}

	if cap, gated := configcas.CapabilityForMethod(req.Method); gated {
		if !configcas.HasCapability(effectiveCaps, cap) {
			return nil, rpcerr.Newf(rpcerr.CodeCapabilityDisabled, "method %q requires capability %q", req.Method, cap)
		}
	}

	result, err := handler(req.Params)
	if err == nil {
		return result, nil
	}

	return nil, d.toRPCError(req.Method, err)
}

// toRPCError passes through an already-typed *rpcerr.Error and otherwise
// humanizes an unexpected handler error into an internal error, assigning
// it a correlation id so it can be found in logs without leaking details
// to the client.
func (d *Dispatcher) toRPCError(method string, err error) *rpcerr.Error {
	if rerr, ok := err.(*rpcerr.Error); ok {
		return rerr
	}

	h := diag.Humanize(err, fmt.Sprintf("%s failed", method))

	return rpcerr.New(rpcerr.CodeInternal, h.Humanized())
}

func (d *Dispatcher) publish(eventType string, payload map[string]interface{}) {
	if d.events == nil {
		return
	}

	d.events.Publish(eventType, payload)
}

// NewCorrelationID mints a fresh UUID for callers that need one outside
// the request/response lifecycle (e.g. an internal error correlation id
// not tied to any single RPC call).
func NewCorrelationID() string {
	return uuid.Must(uuid.NewV4()).String()
}
