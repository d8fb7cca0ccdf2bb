// Package pagination provides keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the position of the last item on a page. Listings ordered by
// (CreatedAt DESC, Key DESC) resume strictly after it.
type Cursor struct {
	CreatedAt time.Time
	Key       string
}

// Before reports whether an item with (createdAt, key) sorts after the
// cursor in newest-first order.
func (c *Cursor) Before(createdAt time.Time, key string) bool {
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return key < c.Key
}

// Encode returns an opaque cursor string.
func Encode(createdAt time.Time, key string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + key
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, key, ok := strings.Cut(string(raw), "|")
	if !ok || key == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), Key: key}, nil
}

// ComputePage trims items fetched with limit+1 down to limit and returns
// the cursor for the next page, or "" when there is none.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	createdAt, k := key(items[len(items)-1])
	return items, Encode(createdAt, k)
}
