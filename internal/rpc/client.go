package rpc

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
	"github.com/styrene-lab/styrene-meshd/internal/wire"
)

// Client calls a running daemon's /rpc endpoint from another process, e.g.
// the status CLI subcommand. It speaks the same framed wire format the
// Dispatcher uses internally, just over a plain HTTP round trip instead of
// an in-process call.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	nextID uint64
}

// NewClient returns a Client pointed at baseURL (e.g. "https://127.0.0.1:9443").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{BaseURL: baseURL, HTTP: httpClient}
}

// Call invokes method on the remote daemon and decodes its result into out
// via mapstructure, or returns the daemon's *rpcerr.Error if the call failed.
func (c *Client) Call(method string, params map[string]interface{}, out interface{}) error {
	c.nextID++

	frame, err := wire.Encode(wire.Request{ID: c.nextID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/rpc", bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/msgpack")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	reply, err := wire.DecodeReply(resp.Body)
	if err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}

	if reply.Error != nil {
		return rpcerrFromWire(reply.Error)
	}

	if out == nil {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: out, TagName: "msgpack"})
	if err != nil {
		return fmt.Errorf("building result decoder: %w", err)
	}

	return dec.Decode(reply.Result)
}

func rpcerrFromWire(v interface{}) error {
	m := stringKeyedMap(v)

	code, _ := m["code"].(string)
	message, _ := m["message"].(string)

	return rpcerr.New(code, message)
}

// stringKeyedMap normalizes the map[interface{}]interface{} shape the
// msgpack decoder produces for untyped maps into map[string]interface{}.
func stringKeyedMap(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		return m
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	default:
		return map[string]interface{}{}
	}
}
