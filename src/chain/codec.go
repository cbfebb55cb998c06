package chain

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// marshalCanonical encodes v as canonical JSON: map keys sorted, so the same
// value always produces the same bytes.
func marshalCanonical(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// unmarshalCanonical decodes canonical JSON into v.
func unmarshalCanonical(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(v)
}
