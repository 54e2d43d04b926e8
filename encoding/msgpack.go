// Package encoding serializes batches for the wire.
//
// Every msgpack operation goes through Marshal and Unmarshal so column values
// written by importers and decoded by encoders behave the same way.
//
// Thread Safety: Marshal, Unmarshal and the encoders are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v with a pooled msgpack encoder
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v. Values decoded into interface{}
// use loose decoding: strings stay Go strings (not []byte) and every integer
// becomes int64, so a column renders the same in JSON whatever width the
// producer picked.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	dec.Reset(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
