package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CBORMarshaler marshals values into the CBOR wire format used by the
// remote store RPC protocol.
type CBORMarshaler struct{}

func (CBORMarshaler) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (CBORMarshaler) NewEncoder(w io.Writer) Encoder {
	return cbor.NewEncoder(w)
}

type CBORUnmarshaler struct{}

func (CBORUnmarshaler) Unmarshal(data []byte, dst any) error {
	return cbor.Unmarshal(data, dst)
}

func (CBORUnmarshaler) NewDecoder(r io.Reader) Decoder {
	return cbor.NewDecoder(r)
}
