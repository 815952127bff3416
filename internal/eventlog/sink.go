package eventlog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Envelope is the wire shape delivered to every external sink.
type Envelope struct {
	ContractRelease int    `json:"contract_release"`
	RuntimeID       string `json:"runtime_id"`
	StreamID        string `json:"stream_id"`
	SeqNo           uint64 `json:"seq_no"`
	EmittedAtMS     int64  `json:"emitted_at_ms"`
	Event           Event  `json:"event"`
}

// Sink delivers published events to an external subscriber. Kind identifies
// the sink for allow_kinds filtering and metrics labeling.
type Sink interface {
	Kind() string
	Publish(env Envelope) error
}

// SinkConfig gates which sinks receive events and bounds envelope size.
type SinkConfig struct {
	Enabled       bool
	AllowKinds    []string
	MaxEventBytes int
}

func (c SinkConfig) allows(kind string) bool {
	if len(c.AllowKinds) == 0 {
		return true
	}

	for _, k := range c.AllowKinds {
		if k == kind {
			return true
		}
	}

	return false
}

// Broker fans a published event out to every registered sink, recording
// publish/skip/error counts per kind via the onOutcome callback.
type Broker struct {
	sinks     []Sink
	cfg       SinkConfig
	onOutcome func(kind, outcome string)
}

func NewBroker(cfg SinkConfig, onOutcome func(kind, outcome string)) *Broker {
	return &Broker{cfg: cfg, onOutcome: onOutcome}
}

func (b *Broker) Register(s Sink) { b.sinks = append(b.sinks, s) }

func (b *Broker) Dispatch(env Envelope) {
	if !b.cfg.Enabled {
		return
	}

	body, err := json.Marshal(env)
	size := len(body)

	for _, s := range b.sinks {
		kind := s.Kind()

		if !b.cfg.allows(kind) {
			b.record(kind, "skip")
			continue
		}

		if err == nil && b.cfg.MaxEventBytes > 0 && size > b.cfg.MaxEventBytes {
			b.record(kind, "skip")
			continue
		}

		if pubErr := s.Publish(env); pubErr != nil {
			b.record(kind, "error")
			continue
		}

		b.record(kind, "publish")
	}
}

func (b *Broker) record(kind, outcome string) {
	if b.onOutcome != nil {
		b.onOutcome(kind, outcome)
	}
}

// WebhookSink POSTs the envelope JSON to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) Kind() string { return "webhook" }

func (w *WebhookSink) Publish(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling webhook envelope: %w", err)
	}

	resp, err := w.Client.Post(w.URL, "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("posting to webhook sink: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink returned status %d", resp.StatusCode)
	}

	return nil
}

// MQTTPublisher is the subset of an MQTT client the sink needs; it exists so
// tests can substitute a fake without pulling in a broker connection.
type MQTTPublisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTSink forwards envelopes to a configured MQTT topic.
type MQTTSink struct {
	Topic     string
	Publisher MQTTPublisher
}

func (m *MQTTSink) Kind() string { return "mqtt" }

func (m *MQTTSink) Publish(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling mqtt envelope: %w", err)
	}

	return m.Publisher.Publish(m.Topic, body)
}

// CustomFunc adapts a plain function into a Sink, for embedder-supplied
// sinks that don't fit the webhook/mqtt shapes.
type CustomFunc struct {
	Name string
	Fn   func(Envelope) error
}

func (c *CustomFunc) Kind() string { return "custom:" + c.Name }

func (c *CustomFunc) Publish(env Envelope) error { return c.Fn(env) }
