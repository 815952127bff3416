// Package wire implements the length-prefixed binary RPC frame codec used
// over the /rpc HTTP endpoint: a 4-byte big-endian length followed by a
// msgpack-encoded Frame/Reply. The codec is intentionally small and
// allocation-light, in the spirit of the gossip-protocol wire encoders in
// the broader mesh-tooling ecosystem (hashicorp/go-msgpack is the library
// hashicorp's own mesh gossip layer, Serf, uses for its UDP frames).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// MaxFrameBytes bounds a single frame to guard against a misbehaving or
// malicious client asking us to allocate an enormous buffer from the length
// prefix alone.
const MaxFrameBytes = 16 << 20

var mh = &codec.MsgpackHandle{}

// Request is the decoded shape of an RPC request frame.
type Request struct {
	ID     uint64      `msgpack:"id"`
	Method string      `msgpack:"method"`
	Params interface{} `msgpack:"params,omitempty"`
}

// Reply is the decoded shape of an RPC reply frame. Exactly one of Result or
// Error is set.
type Reply struct {
	ID     uint64      `msgpack:"id"`
	Result interface{} `msgpack:"result,omitempty"`
	Error  interface{} `msgpack:"error,omitempty"`
}

// Encode serializes v as a length-prefixed msgpack frame.
func Encode(v interface{}) ([]byte, error) {
	var body bytes.Buffer

	enc := codec.NewEncoder(&body, mh)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding frame payload: %w", err)
	}

	if body.Len() > MaxFrameBytes {
		return nil, fmt.Errorf("encoded frame exceeds %d bytes", MaxFrameBytes)
	}

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())

	return out, nil
}

// DecodeRequest reads exactly one length-prefixed request frame from r.
func DecodeRequest(r io.Reader) (*Request, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	var req Request

	dec := codec.NewDecoder(bytes.NewReader(body), mh)
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding request frame: %w", err)
	}

	return &req, nil
}

// DecodeFrame parses a full in-memory buffer (length prefix + payload) as
// produced by a client that already has the whole body, e.g. an HTTP
// request whose Content-Length delimited the read for us.
func DecodeFrame(buf []byte) (*Request, error) {
	return DecodeRequest(bytes.NewReader(buf))
}

// DecodeReply reads exactly one length-prefixed reply frame from r, the
// client-side counterpart to DecodeRequest.
func DecodeReply(r io.Reader) (*Reply, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	var reply Reply

	dec := codec.NewDecoder(bytes.NewReader(body), mh)
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("decoding reply frame: %w", err)
	}

	return &reply, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("frame length %d exceeds max %d", n, MaxFrameBytes)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	return body, nil
}
