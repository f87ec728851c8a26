//go:build !go_typedb_msgpack_v5
// +build !go_typedb_msgpack_v5

package typedb

import (
	"io"

	"gopkg.in/vmihailenco/msgpack.v2"
)

type encoder = msgpack.Encoder
type decoder = msgpack.Decoder

func newEncoder(w io.Writer) *encoder {
	return msgpack.NewEncoder(w)
}

func newDecoder(r io.Reader) *decoder {
	return msgpack.NewDecoder(r)
}

func encodeUint(e *encoder, v uint64) error {
	return e.EncodeUint(uint(v))
}

// MarshalPayload encodes v with the msgpack library the package is built with.
func MarshalPayload(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// UnmarshalPayload decodes data into v with the msgpack library the package
// is built with.
func UnmarshalPayload(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
