package homeassistant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundial-energy/go-sunwatch/internal/register"
)

func testConfig() Config {
	return Config{
		DiscoveryPrefix:    "homeassistant",
		DeviceManufacturer: "Sundial",
		RetainDiscovery:    true,
	}
}

func catalogMap(t *testing.T, family string) *register.Map {
	t.Helper()
	catalog, err := register.BuiltinCatalog()
	require.NoError(t, err)
	m, ok := catalog.Get(family)
	require.True(t, ok)
	return m
}

func TestMessagesCoverEveryPrimarySensor(t *testing.T) {
	m := catalogMap(t, register.FamilySG04LP3)
	ad := New(testConfig(), "energy/sunwatch", "garage")

	messages := ad.Messages(m, "SUN-12K-SG04LP3")

	var primaries int
	for _, class := range []register.Class{register.Holding, register.Input} {
		for _, d := range m.Descriptors(class) {
			if d.Primary() {
				primaries++
			}
		}
	}
	assert.Len(t, messages, primaries, "one discovery message per decodable quantity")

	// High-word pair siblings must not become their own entities.
	for topic := range messages {
		assert.NotContains(t, topic, "_high")
	}
}

func TestDiscoveryMessageShape(t *testing.T) {
	m := catalogMap(t, register.FamilySG04LP3)
	ad := New(testConfig(), "energy/sunwatch", "garage")

	messages := ad.Messages(m, "SUN-12K-SG04LP3")
	msg, ok := messages["homeassistant/sensor/garage/battery_soc/config"]
	require.True(t, ok)

	assert.Equal(t, "battery soc", msg.Name)
	assert.Equal(t, "garage_battery_soc", msg.UniqueID)
	assert.Equal(t, "energy/sunwatch/garage/battery_soc", msg.StateTopic)
	assert.Equal(t, "battery", msg.DeviceClass)
	assert.Equal(t, "%", msg.UnitOfMeasurement)
	assert.Equal(t, "measurement", msg.StateClass)
	assert.Equal(t, []string{"garage"}, msg.Device.Identifiers)
	assert.Equal(t, "Sundial", msg.Device.Manufacturer)
	assert.Equal(t, "SUN-12K-SG04LP3", msg.Device.Model)
	assert.Equal(t, "energy/sunwatch/garage/availability", msg.AvailabilityTopic)
	assert.Equal(t, "online", msg.PayloadAvailable)
	assert.Equal(t, "offline", msg.PayloadNotAvailable)
}

func TestClassifyUnits(t *testing.T) {
	cases := []struct {
		name        string
		desc        register.Descriptor
		deviceClass string
		stateClass  string
	}{
		{"power", register.Descriptor{Name: "grid_power", Unit: "W"}, "power", "measurement"},
		{"energy total", register.Descriptor{Name: "pv_energy_total", Unit: "kWh"}, "energy", "total_increasing"},
		{"voltage", register.Descriptor{Name: "grid_voltage", Unit: "V"}, "voltage", "measurement"},
		{"frequency", register.Descriptor{Name: "grid_frequency", Unit: "Hz"}, "frequency", "measurement"},
		{"temperature", register.Descriptor{Name: "radiator_temp", Unit: "°C"}, "temperature", "measurement"},
		{"soc", register.Descriptor{Name: "battery_soc", Unit: "%"}, "battery", "measurement"},
		{"plain percent", register.Descriptor{Name: "throttle", Unit: "%"}, "", "measurement"},
		{"enum", register.Descriptor{Name: "running_status", Enum: map[uint16]string{0: "standby"}}, "", ""},
		{"unitless", register.Descriptor{Name: "fault_code"}, "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deviceClass, stateClass := classify(tc.desc)
			assert.Equal(t, tc.deviceClass, deviceClass)
			assert.Equal(t, tc.stateClass, stateClass)
		})
	}
}

func TestCombinedUnitDrivesClassification(t *testing.T) {
	// The primary side of a 32-bit pair carries no per-word unit; the
	// combined unit is what Home Assistant must see.
	d := register.Descriptor{
		Name: "battery_charge_total", HasPair: true, Paired: 517,
		CombinedScale: 0.1, CombinedUnit: "kWh",
	}
	deviceClass, stateClass := classify(d)
	assert.Equal(t, "energy", deviceClass)
	assert.Equal(t, "total_increasing", stateClass)
}
