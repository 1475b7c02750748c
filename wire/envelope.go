package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedEnvelope is returned for bytes that are not a characteristic
// write.
var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

// A characteristic write as it crosses the air. Unknown fields are skipped
// so newer peers can add to it.
const (
	fieldCharacteristic protowire.Number = 1 // 16 byte UUID
	fieldValue          protowire.Number = 2
)

func encodeEnvelope(char uuid.UUID, value []byte) []byte {
	b := make([]byte, 0, len(value)+24)
	b = protowire.AppendTag(b, fieldCharacteristic, protowire.BytesType)
	b = protowire.AppendBytes(b, char[:])
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, value)
	return b
}

func decodeEnvelope(b []byte) (uuid.UUID, []byte, error) {
	var (
		char    uuid.UUID
		value   []byte
		hasChar bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || (num != fieldCharacteristic && num != fieldValue) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldCharacteristic {
			id, err := uuid.FromBytes(v)
			if err != nil {
				return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
			}
			char, hasChar = id, true
		} else {
			value = append([]byte(nil), v...)
		}
	}
	if !hasChar {
		return uuid.Nil, nil, fmt.Errorf("%w: no characteristic", ErrMalformedEnvelope)
	}
	return char, value, nil
}
