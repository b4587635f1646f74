package transport

import (
	"fmt"
	"io"
)

type codec interface {
	encode(w io.Writer, p Packet) error
	decode(r io.Reader) (Packet, error)
}

func newCodec(version byte) (codec, error) {
	switch version {
	case 0, V311:
		return v311Codec{}, nil
	case V5:
		return v5Codec{}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported protocol version %d", version)
	}
}
