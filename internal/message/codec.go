package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/ugorji/go/codec"
)

// Devices speak MessagePack on binary frames and may pack several
// back-to-back documents into a single frame. Text frames carry one JSON
// object (legacy firmware). Cloud->device and cloud->client traffic is
// always JSON text.

var msgpackHandle = func() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}()

var errNotObject = errors.New("decoded value is not a tagged map")

// DecodeBinary decodes a binary MessagePack frame into the messages it
// contains, in stream order. If the streaming multi-decode fails before
// producing anything, a single-document decode is attempted as a fallback;
// "extra bytes" style errors from that path are expected when several
// documents are packed together, which is why the stream decoder runs
// first. A non-nil error with a non-empty slice means the tail of the
// frame was undecodable.
func DecodeBinary(frame []byte) ([]Message, error) {
	dec := codec.NewDecoderBytes(frame, msgpackHandle)

	var out []Message
	for {
		var raw map[string]any
		err := dec.Decode(&raw)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			if len(out) == 0 {
				single, serr := decodeSingle(frame)
				if serr != nil {
					return nil, fmt.Errorf("msgpack decode: %w", err)
				}
				return []Message{single}, nil
			}
			return out, fmt.Errorf("msgpack decode after %d messages: %w", len(out), err)
		}
		if raw == nil {
			continue
		}
		out = append(out, Message(raw))
	}
}

func decodeSingle(frame []byte) (Message, error) {
	var raw map[string]any
	if err := codec.NewDecoderBytes(frame, msgpackHandle).Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errNotObject
	}
	return Message(raw), nil
}

// DecodeText decodes a UTF-8 JSON text frame into a single message.
func DecodeText(frame []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	if raw == nil {
		return nil, errNotObject
	}
	return Message(raw), nil
}

// Encode serializes a message as JSON text for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// EncodeBinary serializes a message as a single MessagePack document.
// The relay itself always sends JSON; this exists for test fixtures and
// tooling that emulate device firmware.
func EncodeBinary(m Message) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(map[string]any(m)); err != nil {
		return nil, err
	}
	return out, nil
}
