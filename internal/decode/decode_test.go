package decode

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundial-energy/go-sunwatch/internal/register"
)

func testMap(t *testing.T) *register.Map {
	t.Helper()
	m, err := register.New("test", register.Modern, []register.Descriptor{
		{Address: 10, Name: "grid_voltage", Scale: 0.1, Unit: "V",
			Valid: &register.Range{Min: 80, Max: 300}},
		{Address: 11, Name: "battery_power", Scale: 1, Unit: "W", Signed: true},
		{Address: 12, Name: "running_status", Enum: map[uint16]string{0: "standby", 2: "normal"}},
		{Address: 20, Name: "energy_total", HasPair: true, Paired: 21, Signed: true,
			CombinedScale: 0.1, CombinedUnit: "kWh"},
		{Address: 21, Name: "energy_total_high", HasPair: true, Paired: 20, Signed: true, Hi: true},
	}, nil)
	require.NoError(t, err)
	return m
}

func TestDecodeScalesAndSigns(t *testing.T) {
	m := testMap(t)
	s := Decode(map[uint16]uint16{
		10: 2305,   // 230.5 V
		11: 0xFB2E, // -1234 W
		12: 2,
	}, m, register.Holding)

	v, ok := s.Get("grid_voltage")
	require.True(t, ok)
	assert.InDelta(t, 230.5, v.Value, 1e-9)
	assert.Equal(t, "V", v.Unit)
	assert.True(t, v.Valid)

	v, ok = s.Get("battery_power")
	require.True(t, ok)
	assert.Equal(t, int64(-1234), v.Raw)
	assert.InDelta(t, -1234.0, v.Value, 1e-9)

	v, ok = s.Get("running_status")
	require.True(t, ok)
	assert.Equal(t, "normal", v.Label)
	assert.InDelta(t, 2.0, v.Value, 1e-9)
}

func TestDecodePairedSignExtension(t *testing.T) {
	m := testMap(t)

	cases := []struct {
		name   string
		hi, lo uint16
		raw    int64
		value  float64
	}{
		{"zero", 0x0000, 0x0000, 0, 0},
		{"positive", 0x0000, 0x3039, 12345, 1234.5},
		{"negative", 0xFFFF, 0xFB2E, -1234, -123.4},
		{"sign boundary", 0x8000, 0x0000, -2147483648, -214748364.8},
		{"max positive", 0x7FFF, 0xFFFF, 2147483647, 214748364.7},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Decode(map[uint16]uint16{20: tc.lo, 21: tc.hi}, m, register.Holding)
			v, ok := s.Get("energy_total")
			require.True(t, ok)
			assert.Equal(t, tc.raw, v.Raw)
			assert.InDelta(t, tc.value, v.Value, 1e-6)
			assert.Equal(t, "kWh", v.Unit)
		})
	}
}

// Off-grid hybrids report battery power with an inverted sign convention,
// expressed as a negative combined scale on the family map: a raw value of
// -1234 decodes to +123.4 with no special casing in the decoder.
func TestDecodeNegativeCombinedScale(t *testing.T) {
	m, err := register.New("offgrid", register.Modern, []register.Descriptor{
		{Address: 77, Name: "battery_power", HasPair: true, Paired: 78, Signed: true, Hi: true,
			CombinedScale: -0.1, CombinedUnit: "W"},
		{Address: 78, Name: "battery_power_low", HasPair: true, Paired: 77, Signed: true},
	}, nil)
	require.NoError(t, err)

	s := Decode(map[uint16]uint16{77: 0xFFFF, 78: 0xFB2E}, m, register.Holding)
	v, ok := s.Get("battery_power")
	require.True(t, ok)
	assert.Equal(t, int64(-1234), v.Raw)
	assert.InDelta(t, 123.4, v.Value, 1e-9)
}

// A raw 2301 at 0.1 scale is 230.1 exactly as far as the reader is
// concerned; the decimal count keeps renderers from leaking the binary
// expansion 230.10000000000002.
func TestDecodeDecimalsFollowScale(t *testing.T) {
	m := testMap(t)
	s := Decode(map[uint16]uint16{10: 2301, 11: 500, 20: 0x3039, 21: 0}, m, register.Holding)

	v, ok := s.Get("grid_voltage")
	require.True(t, ok)
	assert.Equal(t, 1, v.Decimals)
	assert.Equal(t, "230.1", strconv.FormatFloat(v.Value, 'f', v.Decimals, 64))

	v, ok = s.Get("battery_power")
	require.True(t, ok)
	assert.Equal(t, 0, v.Decimals)
	assert.Equal(t, "500", strconv.FormatFloat(v.Value, 'f', v.Decimals, 64))

	v, ok = s.Get("energy_total")
	require.True(t, ok)
	assert.Equal(t, 1, v.Decimals, "pairs take the combined scale's precision")
}

func TestDecimals(t *testing.T) {
	assert.Equal(t, 0, decimals(0))
	assert.Equal(t, 0, decimals(1))
	assert.Equal(t, 0, decimals(10))
	assert.Equal(t, 1, decimals(0.1))
	assert.Equal(t, 1, decimals(-0.1))
	assert.Equal(t, 2, decimals(0.01))
	assert.Equal(t, 3, decimals(0.001))
}

func TestDecodeIsTotalOverSparseData(t *testing.T) {
	m := testMap(t)

	// Only a strict subset of registers returned, pair half missing.
	s := Decode(map[uint16]uint16{10: 2305, 20: 0x0001}, m, register.Holding)

	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("grid_voltage")
	assert.True(t, ok)
	_, ok = s.Get("energy_total")
	assert.False(t, ok, "missing sibling word skips only that name")
	_, ok = s.Get("battery_power")
	assert.False(t, ok)

	// Empty raw data decodes to an empty snapshot.
	assert.Equal(t, 0, Decode(nil, m, register.Holding).Len())
}

func TestDecodeOutOfRangeKeepsQuantity(t *testing.T) {
	m := testMap(t)
	s := Decode(map[uint16]uint16{10: 9000}, m, register.Holding)

	v, ok := s.Get("grid_voltage")
	require.True(t, ok)
	assert.False(t, v.Valid)
	assert.InDelta(t, 900.0, v.Value, 1e-9, "out-of-range values pass through intact")
}

func TestDecodeWrongClassYieldsNothing(t *testing.T) {
	m := testMap(t)
	s := Decode(map[uint16]uint16{10: 2305}, m, register.Input)
	assert.Equal(t, 0, s.Len())
}

func TestUnion(t *testing.T) {
	m := testMap(t)
	a := Decode(map[uint16]uint16{10: 2305}, m, register.Holding)
	b := Decode(map[uint16]uint16{11: 100}, m, register.Holding)

	merged := Union(a, b, nil)
	assert.Equal(t, 2, merged.Len())
	_, ok := merged.Get("grid_voltage")
	assert.True(t, ok)
	_, ok = merged.Get("battery_power")
	assert.True(t, ok)
	assert.False(t, merged.Taken.IsZero())
}
