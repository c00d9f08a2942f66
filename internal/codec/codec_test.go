package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBOR_RoundTripsPrimitives(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"nil", nil},
		{"int", int64(-42)},
		{"uint", uint64(42)},
		{"float", 3.5},
		{"string", "hello"},
		{"bool", true},
		{"bytes", []byte{0x01, 0x02, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := CBOR.Marshal(tt.value)
			require.NoError(t, err)

			var decoded any
			require.NoError(t, CBOR.Unmarshal(b, &decoded))
			assert.EqualValues(t, tt.value, decoded)
		})
	}
}

func TestCBOR_RoundTripsTimestampsWithMillisecondPrecision(t *testing.T) {
	ts := time.Date(2024, 5, 17, 9, 30, 12, 250_000_000, time.UTC)

	b, err := CBOR.Marshal(ts)
	require.NoError(t, err)

	var decoded time.Time
	require.NoError(t, CBOR.Unmarshal(b, &decoded))
	assert.True(t, ts.Equal(decoded), "want %v, got %v", ts, decoded)
}

func TestCBOR_Deterministic(t *testing.T) {
	value := map[string]any{"b": 2, "a": 1, "c": []byte{9}}

	first, err := CBOR.Marshal(value)
	require.NoError(t, err)
	second, err := CBOR.Marshal(value)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBytes_PassThrough(t *testing.T) {
	raw := []byte{0xca, 0xfe}
	b, err := Bytes.Marshal(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, b)

	var decoded []byte
	require.NoError(t, Bytes.Unmarshal(b, &decoded))
	assert.Equal(t, raw, decoded)

	_, err = Bytes.Marshal("not bytes")
	assert.Error(t, err)
}

func TestString_RoundTrip(t *testing.T) {
	b, err := String.Marshal("arque")
	require.NoError(t, err)

	var decoded string
	require.NoError(t, String.Unmarshal(b, &decoded))
	assert.Equal(t, "arque", decoded)
}

func TestRegistry(t *testing.T) {
	c, ok := Get("cbor")
	assert.True(t, ok)
	assert.Same(t, Codec(CBOR), c)

	_, ok = Get("missing")
	assert.False(t, ok)

	Register("custom", String)
	c, ok = Get("custom")
	assert.True(t, ok)
	assert.Same(t, Codec(String), c)
}
