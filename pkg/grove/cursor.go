package grove

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Cursor is an opaque pagination token encoding a stable sort position.
// Reversing a query and paging "before" a cursor reproduces the exact
// complement of paging "after" it.
type Cursor string

var cursorEncoding = base64.RawURLEncoding

// EncodeCursor wraps a stable sort key into an opaque token.
func EncodeCursor(key string) Cursor {
	return Cursor(cursorEncoding.EncodeToString([]byte(key)))
}

// DecodeCursor unwraps an opaque token back into its sort key.
func DecodeCursor(c Cursor) (string, error) {
	raw, err := cursorEncoding.DecodeString(string(c))
	if err != nil {
		return "", fmt.Errorf("%w: malformed cursor", ErrBadRequest)
	}
	return string(raw), nil
}

// EncodeIntCursor wraps a monotonic sequence number (the sync-event log
// position) into an opaque token.
func EncodeIntCursor(seq int64) Cursor {
	return EncodeCursor(strconv.FormatInt(seq, 10))
}

// DecodeIntCursor unwraps a sync-event cursor. The empty cursor decodes to
// zero: the position before the first event.
func DecodeIntCursor(c Cursor) (int64, error) {
	if c == "" {
		return 0, nil
	}
	key, err := DecodeCursor(c)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed cursor", ErrBadRequest)
	}
	return seq, nil
}
