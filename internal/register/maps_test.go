package register

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCatalogValidates(t *testing.T) {
	cat, err := BuiltinCatalog()
	require.NoError(t, err)

	for _, family := range []string{FamilySG04LP3, FamilySG0XLP1, FamilySG0XHP3, FamilySunG3, FamilySunMG, FamilySunG4} {
		m, ok := cat.Get(family)
		require.True(t, ok, family)
		assert.Equal(t, family, m.Family())
	}
	_, ok := cat.Get("hybrid-base")
	assert.False(t, ok, "building-block maps must not be selectable")
}

func TestHybridFamiliesShareBaseRegisters(t *testing.T) {
	cat, err := BuiltinCatalog()
	require.NoError(t, err)

	for _, family := range []string{FamilySG04LP3, FamilySG0XLP1, FamilySG0XHP3} {
		m, _ := cat.Get(family)
		assert.Equal(t, Modern, m.Protocol(), family)

		d, ok := m.Lookup(Holding, 588)
		require.True(t, ok, family)
		assert.Equal(t, "battery_soc", d.Name)

		d, _, ok = m.LookupName("battery_charge_total")
		require.True(t, ok, family)
		assert.True(t, d.HasPair)
		assert.Equal(t, 0.1, d.CombinedScale)
	}
}

func TestOffGridBatterySignConvention(t *testing.T) {
	cat, err := BuiltinCatalog()
	require.NoError(t, err)

	lp1, _ := cat.Get(FamilySG0XLP1)
	d, _, ok := lp1.LookupName("battery_power")
	require.True(t, ok)
	assert.True(t, d.Signed)
	assert.Negative(t, d.Scale, "off-grid battery power is sign-inverted via a negative scale")

	// The sibling hybrid family keeps the common convention.
	lp3, _ := cat.Get(FamilySG04LP3)
	d, _, ok = lp3.LookupName("battery_power")
	require.True(t, ok)
	assert.Positive(t, d.Scale)
}

func TestLegacyFamilyFingerprints(t *testing.T) {
	cat, err := BuiltinCatalog()
	require.NoError(t, err)

	g3, _ := cat.Get(FamilySunG3)
	assert.Equal(t, Legacy, g3.Protocol())
	d, ok := g3.Lookup(Input, 76)
	require.True(t, ok)
	assert.Equal(t, "pv3_voltage", d.Name)
	require.NotNil(t, d.Valid)

	mg, _ := cat.Get(FamilySunMG)
	_, ok = mg.Lookup(Input, 76)
	assert.False(t, ok, "microinverter map must not define the 3-string fingerprint")
	d, ok = mg.Lookup(Input, 112)
	require.True(t, ok)
	require.NotNil(t, d.Valid)
	assert.Equal(t, 80.0, d.Valid.Max, "module-level voltage range keeps probes unambiguous")
}

func TestControlRegistersAreWritable(t *testing.T) {
	cat, err := BuiltinCatalog()
	require.NoError(t, err)

	lp3, _ := cat.Get(FamilySG04LP3)
	for _, name := range []string{"work_mode", "grid_export_limit", "battery_max_charge_current", "battery_low_soc"} {
		d, _, ok := lp3.LookupName(name)
		require.True(t, ok, name)
		assert.Equal(t, ReadWrite, d.Access, name)
	}

	d, _, _ := lp3.LookupName("battery_soc")
	assert.Equal(t, ReadOnly, d.Access)
}
