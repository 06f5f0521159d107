package register

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseMap(t *testing.T) *Map {
	t.Helper()
	m, err := New("base", Modern, []Descriptor{
		{Address: 10, Name: "grid_voltage", Scale: 0.1, Unit: "V"},
		{Address: 11, Name: "grid_current", Scale: 0.01, Unit: "A", Signed: true},
		{Address: 20, Name: "energy_total", HasPair: true, Paired: 21, CombinedScale: 0.1, CombinedUnit: "kWh"},
		{Address: 21, Name: "energy_total_high", HasPair: true, Paired: 20, Hi: true},
	}, nil)
	require.NoError(t, err)
	return m
}

func TestLookupAbsenceIsNotAnError(t *testing.T) {
	m := baseMap(t)

	d, ok := m.Lookup(Holding, 10)
	require.True(t, ok)
	assert.Equal(t, "grid_voltage", d.Name)

	// Absent address and absent class are normal outcomes.
	_, ok = m.Lookup(Holding, 999)
	assert.False(t, ok)
	_, ok = m.Lookup(Input, 10)
	assert.False(t, ok)
}

func TestLookupName(t *testing.T) {
	m := baseMap(t)

	d, class, ok := m.LookupName("grid_current")
	require.True(t, ok)
	assert.Equal(t, Holding, class)
	assert.Equal(t, uint16(11), d.Address)

	_, _, ok = m.LookupName("no_such_register")
	assert.False(t, ok)
}

func TestNewRejectsDuplicateAddress(t *testing.T) {
	_, err := New("dup", Modern, []Descriptor{
		{Address: 10, Name: "a"},
		{Address: 10, Name: "b"},
	}, nil)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "duplicate")
}

func TestNewRejectsDuplicateName(t *testing.T) {
	_, err := New("dup", Modern, []Descriptor{
		{Address: 10, Name: "a"},
		{Address: 11, Name: "a"},
	}, nil)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewRejectsAsymmetricPairing(t *testing.T) {
	cases := []struct {
		name  string
		descs []Descriptor
	}{
		{"sibling missing", []Descriptor{
			{Address: 20, Name: "x", HasPair: true, Paired: 21, CombinedScale: 1},
		}},
		{"sibling points elsewhere", []Descriptor{
			{Address: 20, Name: "x", HasPair: true, Paired: 21, CombinedScale: 1},
			{Address: 21, Name: "x_high", HasPair: true, Paired: 22, Hi: true},
		}},
		{"no high word", []Descriptor{
			{Address: 20, Name: "x", HasPair: true, Paired: 21, CombinedScale: 1},
			{Address: 21, Name: "x_high", HasPair: true, Paired: 20},
		}},
		{"combined scale on both sides", []Descriptor{
			{Address: 20, Name: "x", HasPair: true, Paired: 21, CombinedScale: 1},
			{Address: 21, Name: "x_high", HasPair: true, Paired: 20, Hi: true, CombinedScale: 1},
		}},
		{"signedness mismatch", []Descriptor{
			{Address: 20, Name: "x", HasPair: true, Paired: 21, CombinedScale: 1, Signed: true},
			{Address: 21, Name: "x_high", HasPair: true, Paired: 20, Hi: true},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("bad", Modern, tc.descs, nil)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestExtendOverrideAndAdd(t *testing.T) {
	base := baseMap(t)

	derived, err := Extend(base, "derived", Overlay{
		HoldingOverrides: []Descriptor{
			{Address: 10, Name: "grid_voltage", Scale: -0.1, Unit: "V"},
		},
		HoldingAdds: []Descriptor{
			{Address: 30, Name: "battery_soc", Scale: 1, Unit: "%"},
		},
	})
	require.NoError(t, err)

	// Override wins at its address.
	d, ok := derived.Lookup(Holding, 10)
	require.True(t, ok)
	assert.Equal(t, -0.1, d.Scale)

	// Every other address resolves to the base descriptor.
	d, ok = derived.Lookup(Holding, 11)
	require.True(t, ok)
	assert.Equal(t, 0.01, d.Scale)
	_, ok = derived.Lookup(Holding, 30)
	assert.True(t, ok)

	// The base map is untouched.
	d, _ = base.Lookup(Holding, 10)
	assert.Equal(t, 0.1, d.Scale)
	_, ok = base.Lookup(Holding, 30)
	assert.False(t, ok)

	assert.Equal(t, "derived", derived.Family())
	assert.Equal(t, Modern, derived.Protocol())
}

func TestExtendRejectsOverrideOfMissingAddress(t *testing.T) {
	base := baseMap(t)

	_, err := Extend(base, "derived", Overlay{
		HoldingOverrides: []Descriptor{{Address: 99, Name: "ghost"}},
	})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "not present in base")
}

func TestExtendRejectsAddCollision(t *testing.T) {
	base := baseMap(t)

	_, err := Extend(base, "derived", Overlay{
		HoldingAdds: []Descriptor{{Address: 10, Name: "clash"}},
	})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "collides")
}

func TestEffectiveScale(t *testing.T) {
	assert.Equal(t, 1.0, Descriptor{}.EffectiveScale())
	assert.Equal(t, 0.5, Descriptor{Scale: 0.5}.EffectiveScale())
	assert.Equal(t, -0.1, Descriptor{HasPair: true, CombinedScale: -0.1, Scale: 1}.EffectiveScale())
}

func TestDescriptorsSortedByAddress(t *testing.T) {
	m := baseMap(t)
	descs := m.Descriptors(Holding)
	require.Len(t, descs, 4)
	for i := 1; i < len(descs); i++ {
		assert.Less(t, descs[i-1].Address, descs[i].Address)
	}
	assert.Empty(t, m.Descriptors(Input))
}
