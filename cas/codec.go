package cas

import (
	"io"

	"github.com/shamaton/msgpack/v2"
)

// MarshalTo and UnmarshalFrom are small msgpack helpers used by the
// Hashable implementation in lts.
func MarshalTo(w io.Writer, v any) error {
	return msgpack.MarshalWrite(w, v)
}

func UnmarshalFrom(r io.Reader, v any) error {
	return msgpack.UnmarshalRead(r, v)
}
