// Package control implements the length-framed, authenticated wire
// protocol between a worker's control-channel listener and the instances
// it spawns, plus the process-wide loopback port allocator runtimes draw
// from when creating an instance.
package control

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/types"
)

// maxFrameBytes bounds a single envelope to guard against a misbehaving
// peer claiming an enormous length prefix.
const maxFrameBytes = 16 * 1024 * 1024

// WriteFrame writes an 8-byte little-endian length prefix followed by the
// JSON-encoded envelope, per spec's wire format.
func WriteFrame(w io.Writer, env types.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode envelope")
	}
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return apperr.Wrap(apperr.Transport, err, "write frame length")
	}
	if _, err := w.Write(body); err != nil {
		return apperr.Wrap(apperr.Transport, err, "write frame body")
	}
	return nil
}

// ReadFrame reads one length-prefixed envelope from r.
func ReadFrame(r io.Reader) (types.Envelope, error) {
	var length [8]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return types.Envelope{}, apperr.Wrap(apperr.Transport, err, "read frame length")
	}
	n := binary.LittleEndian.Uint64(length[:])
	if n > maxFrameBytes {
		return types.Envelope{}, apperr.Newf(apperr.InvalidArgument, "frame length %d exceeds max %d", n, maxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return types.Envelope{}, apperr.Wrap(apperr.Transport, err, "read frame body")
	}
	var env types.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return types.Envelope{}, apperr.Wrap(apperr.InvalidArgument, err, "decode envelope")
	}
	return env, nil
}

func encodePayload(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode payload")
	}
	return raw, nil
}

func newEnvelope(msgType types.MessageType, requestID uint64, payload any) (types.Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return types.Envelope{}, err
	}
	return types.Envelope{
		MessageType: msgType,
		RequestID:   requestID,
		Timestamp:   time.Now().UnixMilli(),
		Version:     types.WireVersion,
		Payload:     raw,
	}, nil
}
