package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123456789, time.UTC)
	key := "0x0102"

	cursor, err := Decode(Encode(ts, key))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, key, cursor.Key)
}

func TestDecodeEmpty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeInvalid(t *testing.T) {
	for name, in := range map[string]string{
		"not base64":    "not-base64!!!",
		"no separator":  "bm9waXBl",
		"bad timestamp": "YWJjfGtleQ",
		"empty key":     "MTIzfA",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestCursorBefore(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	c := &Cursor{CreatedAt: base, Key: "0x05"}

	assert.True(t, c.Before(base.Add(-time.Second), "0xff"))
	assert.False(t, c.Before(base.Add(time.Second), "0x00"))
	assert.True(t, c.Before(base, "0x04"))
	assert.False(t, c.Before(base, "0x05"))
	assert.False(t, c.Before(base, "0x06"))
}

type item struct {
	at  time.Time
	key string
}

func TestComputePage(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	items := []item{{base.Add(3), "c"}, {base.Add(2), "b"}, {base.Add(1), "a"}}
	key := func(i item) (time.Time, string) { return i.at, i.key }

	page, next := ComputePage(items, 2, key)
	assert.Len(t, page, 2)
	require.NotEmpty(t, next)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.Key)

	page, next = ComputePage(items, 3, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
}
