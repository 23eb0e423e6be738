package cloudevent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndEncode(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := New("evt-1", "pub1", "order.created", now, "order-42", "", "", []byte(`{"id":"x"}`))

	assert.Equal(t, SpecVersion, e.SpecVersion())
	assert.Equal(t, "evt-1", e.ID())
	assert.Equal(t, "pub1", e.Source())
	assert.Equal(t, "order.created", e.Type())
	assert.Equal(t, "order-42", e.Subject())
	assert.Equal(t, "application/json", e.DataContentType())

	b, err := Encode(e)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"specversion":"1.0"`)
}

func TestDecodeRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := New("evt-2", "pub1", "x.y", now, "", "", "", []byte(`{"k":1}`))
	b, err := Encode(e)
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "evt-2", decoded.ID())
	assert.Equal(t, "x.y", decoded.Type())
}

func TestDecodeMissingFields(t *testing.T) {
	cases := []struct {
		name string
		json string
		want error
	}{
		{"missing specversion", `{"type":"a","source":"b","id":"c"}`, ErrMissingSpecVersion},
		{"missing type", `{"specversion":"1.0","source":"b","id":"c"}`, ErrMissingType},
		{"missing source", `{"specversion":"1.0","type":"a","id":"c"}`, ErrMissingSource},
		{"missing id", `{"specversion":"1.0","type":"a","source":"b"}`, ErrMissingID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.json))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	_, err := Decode([]byte(`{"specversion":"0.3","type":"a","source":"b","id":"c"}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
