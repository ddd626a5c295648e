package transport

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype carried by every forwarded call.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
	encoding.RegisterCodec(codec{})
}

// Envelope is the request frame: the op code selects the descriptor, Body holds
// the input message encoded as a CBOR array in descriptor field order.
type Envelope struct {
	_    struct{} `cbor:",toarray"`
	Op   uint32
	Body cbor.RawMessage
}

// Reply is the response frame. Body is empty for operations without output.
type Reply struct {
	_    struct{} `cbor:",toarray"`
	Body cbor.RawMessage
}

// Marshal encodes a message body.
func Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return encMode.Marshal(v)
}

// Unmarshal decodes a message body into v. An empty body leaves v untouched.
func Unmarshal(data []byte, v any) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	return decMode.Unmarshal(data, v)
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}
