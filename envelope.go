package typedb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Envelope is a single framed message exchanged over a connection.
//
// A request carries only RequestId and Payload. A reply may carry a
// Payload, an Error or both, and IsFinal marks the end of a streamed reply.
type Envelope struct {
	RequestId RequestId
	Payload   []byte
	Error     *Error
	IsFinal   bool
}

// Header returns the response header of the envelope.
func (env Envelope) Header() Header {
	return Header{RequestId: env.RequestId, IsFinal: env.IsFinal}
}

// EncodeEnvelope packs an envelope into a length-prefixed packet.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{packetHeaderCode, 0, 0, 0, 0})

	enc := newEncoder(&buf)
	l := 1
	if env.Payload != nil {
		l++
	}
	if env.Error != nil {
		l++
	}
	if env.IsFinal {
		l++
	}
	if err := enc.EncodeMapLen(l); err != nil {
		return nil, err
	}

	if err := encodeUint(enc, KeyRequestId); err != nil {
		return nil, err
	}
	if err := enc.EncodeBytes(env.RequestId[:]); err != nil {
		return nil, err
	}

	if env.Payload != nil {
		if err := encodeUint(enc, KeyPayload); err != nil {
			return nil, err
		}
		if err := enc.EncodeBytes(env.Payload); err != nil {
			return nil, err
		}
	}

	if env.Error != nil {
		if err := encodeUint(enc, KeyError); err != nil {
			return nil, err
		}
		if err := enc.EncodeMapLen(2); err != nil {
			return nil, err
		}
		if err := encodeUint(enc, KeyErrorCode); err != nil {
			return nil, err
		}
		if err := encodeUint(enc, uint64(env.Error.Code)); err != nil {
			return nil, err
		}
		if err := encodeUint(enc, KeyErrorMessage); err != nil {
			return nil, err
		}
		if err := enc.EncodeString(env.Error.Msg); err != nil {
			return nil, err
		}
	}

	if env.IsFinal {
		if err := encodeUint(enc, KeyIsFinal); err != nil {
			return nil, err
		}
		if err := enc.EncodeBool(true); err != nil {
			return nil, err
		}
	}

	packet := buf.Bytes()
	binary.BigEndian.PutUint32(packet[1:packetLengthBytes], uint32(len(packet)-packetLengthBytes))
	return packet, nil
}

// DecodeEnvelope unpacks an envelope body, i.e. a packet without its length
// prefix.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	var idSet bool

	dec := newDecoder(bytes.NewReader(body))
	l, err := dec.DecodeMapLen()
	if err != nil {
		return env, err
	}
	for ; l > 0; l-- {
		key, err := dec.DecodeUint64()
		if err != nil {
			return env, err
		}
		switch key {
		case KeyRequestId:
			b, err := dec.DecodeBytes()
			if err != nil {
				return env, err
			}
			if len(b) != requestIdBytes {
				return env, fmt.Errorf("invalid request id length %d", len(b))
			}
			if env.RequestId, err = uuid.FromBytes(b); err != nil {
				return env, err
			}
			idSet = true
		case KeyPayload:
			if env.Payload, err = dec.DecodeBytes(); err != nil {
				return env, err
			}
		case KeyError:
			srverr, err := decodeEnvelopeError(dec)
			if err != nil {
				return env, err
			}
			env.Error = &srverr
		case KeyIsFinal:
			if env.IsFinal, err = dec.DecodeBool(); err != nil {
				return env, err
			}
		default:
			if err = dec.Skip(); err != nil {
				return env, err
			}
		}
	}
	if !idSet {
		return env, errors.New("envelope without request id")
	}
	return env, nil
}

func decodeEnvelopeError(dec *decoder) (Error, error) {
	var srverr Error

	l, err := dec.DecodeMapLen()
	if err != nil {
		return srverr, err
	}
	for ; l > 0; l-- {
		key, err := dec.DecodeUint64()
		if err != nil {
			return srverr, err
		}
		switch key {
		case KeyErrorCode:
			code, err := dec.DecodeUint64()
			if err != nil {
				return srverr, err
			}
			srverr.Code = uint32(code)
		case KeyErrorMessage:
			if srverr.Msg, err = dec.DecodeString(); err != nil {
				return srverr, err
			}
		default:
			if err = dec.Skip(); err != nil {
				return srverr, err
			}
		}
	}
	return srverr, nil
}

// MalformedError is returned by ReadEnvelope when bytes were received but
// do not form a valid packet.
type MalformedError struct {
	Err error
}

func (e MalformedError) Error() string {
	return "malformed envelope: " + e.Err.Error()
}

func (e MalformedError) Unwrap() error {
	return e.Err
}

// ReadEnvelope reads one packet from r and decodes it.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	body, err := read(r)
	if err != nil {
		return Envelope{}, err
	}
	env, err := DecodeEnvelope(body)
	if err != nil {
		return env, MalformedError{fmt.Errorf("decode envelope error: %w", err)}
	}
	return env, nil
}

// WriteEnvelope encodes an envelope and writes it to w. The writer is flushed
// if it supports flushing.
func WriteEnvelope(w io.Writer, env Envelope) error {
	packet, err := EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("pack error: %w", err)
	}
	if err = write(w, packet); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	if f, ok := w.(writeFlusher); ok {
		if err = f.Flush(); err != nil {
			return fmt.Errorf("flush error: %w", err)
		}
	}
	return nil
}

func write(w io.Writer, data []byte) error {
	l, err := w.Write(data)
	if err != nil {
		return err
	}
	if l != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

func read(r io.Reader) ([]byte, error) {
	var lenbuf [packetLengthBytes]byte

	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	if lenbuf[0] != packetHeaderCode {
		return nil, MalformedError{errors.New("wrong response header")}
	}
	length := binary.BigEndian.Uint32(lenbuf[1:])
	if length == 0 {
		return nil, MalformedError{errors.New("response should not be 0 length")}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
