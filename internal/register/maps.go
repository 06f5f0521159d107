package register

// Compiled-in register maps for the supported hardware families. Addresses
// follow the vendor's two protocol generations: the modern hybrid platform
// keeps telemetry in holding registers around 500..690, the legacy string
// platform exposes read-only telemetry in input registers around 59..115.

// Family identifiers, stable across the codebase and the detection tables.
const (
	FamilySunG3   = "sun-g3"  // legacy grid-tied string inverter, 3 PV strings
	FamilySunMG   = "sun-mg"  // legacy microinverter, 4 low-voltage PV inputs
	FamilySunG4   = "sun-g4"  // modern grid-tied string inverter, no battery
	FamilySG04LP3 = "sg04lp3" // three-phase hybrid
	FamilySG0XLP1 = "sg0xlp1" // single-phase off-grid hybrid
	FamilySG0XHP3 = "sg0xhp3" // high-voltage three-phase hybrid
)

// Well-known identification registers on the modern platform. These are read
// directly by the detection engine, not through a register map.
const (
	DeviceTypeCodeAddr uint16 = 0  // holding, device type code
	ModelNameAddr      uint16 = 16 // holding, start of ASCII model name
	ModelNameRegisters uint16 = 8  // 8 registers, 16 characters
)

func rng(min, max float64) *Range { return &Range{Min: min, Max: max} }

// Catalog holds every selectable family map, keyed by family identifier.
type Catalog map[string]*Map

// Get returns the map for a family.
func (c Catalog) Get(family string) (*Map, bool) {
	m, ok := c[family]
	return m, ok
}

// BuiltinCatalog builds and validates the compiled-in family maps. A
// ConfigurationError here means the static data is inconsistent; the caller
// must treat it as fatal so no malformed map ever becomes selectable.
func BuiltinCatalog() (Catalog, error) {
	hybridBase, err := New("hybrid-base", Modern, hybridBaseHolding, nil)
	if err != nil {
		return nil, err
	}

	sg04lp3, err := Extend(hybridBase, FamilySG04LP3, Overlay{
		HoldingAdds: []Descriptor{
			{Address: 599, Name: "grid_voltage_l2", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
			{Address: 600, Name: "grid_voltage_l3", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
			{Address: 630, Name: "grid_current_l1", Scale: 0.01, Unit: "A", Signed: true},
			{Address: 631, Name: "grid_current_l2", Scale: 0.01, Unit: "A", Signed: true},
			{Address: 632, Name: "grid_current_l3", Scale: 0.01, Unit: "A", Signed: true},
			{Address: 636, Name: "inverter_power", Scale: 1, Unit: "W", Signed: true},
		},
	})
	if err != nil {
		return nil, err
	}

	// Off-grid single-phase variant. The platform reports battery charge and
	// discharge power with the sign convention inverted relative to every
	// other family; that is expressed as a negative scale here, never as
	// branching in the decoder.
	sg0xlp1, err := Extend(hybridBase, FamilySG0XLP1, Overlay{
		HoldingOverrides: []Descriptor{
			{Address: 590, Name: "battery_power", Scale: -1, Unit: "W", Signed: true, Valid: rng(-16000, 16000)},
			{Address: 591, Name: "battery_current", Scale: -0.01, Unit: "A", Signed: true},
		},
		HoldingAdds: []Descriptor{
			{Address: 514, Name: "battery_charge_today", Scale: 0.1, Unit: "kWh"},
			{Address: 515, Name: "battery_discharge_today", Scale: 0.1, Unit: "kWh"},
			{Address: 608, Name: "load_voltage", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
		},
	})
	if err != nil {
		return nil, err
	}

	sg0xhp3, err := Extend(hybridBase, FamilySG0XHP3, Overlay{
		HoldingOverrides: []Descriptor{
			// High-voltage battery stack: coarser voltage step, finer current.
			{Address: 587, Name: "battery_voltage", Scale: 0.1, Unit: "V", Valid: rng(100, 800)},
			{Address: 591, Name: "battery_current", Scale: 0.1, Unit: "A", Signed: true},
		},
		HoldingAdds: []Descriptor{
			{Address: 599, Name: "grid_voltage_l2", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
			{Address: 600, Name: "grid_voltage_l3", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
		},
	})
	if err != nil {
		return nil, err
	}

	legacyBase, err := New("legacy-base", Legacy, nil, legacyBaseInput)
	if err != nil {
		return nil, err
	}

	sunG3, err := Extend(legacyBase, FamilySunG3, Overlay{
		InputAdds: []Descriptor{
			// Third PV string, the fingerprint register for 3-string models.
			{Address: 76, Name: "pv3_voltage", Scale: 0.1, Unit: "V", Valid: rng(60, 500)},
			{Address: 77, Name: "pv3_current", Scale: 0.1, Unit: "A"},
		},
	})
	if err != nil {
		return nil, err
	}

	sunMG, err := Extend(legacyBase, FamilySunMG, Overlay{
		InputAdds: []Descriptor{
			// Microinverter panel inputs run at module voltage, far below the
			// string range; the fingerprint probe relies on that.
			{Address: 112, Name: "pv4_voltage", Scale: 0.1, Unit: "V", Valid: rng(20, 80)},
			{Address: 113, Name: "pv4_current", Scale: 0.1, Unit: "A"},
		},
	})
	if err != nil {
		return nil, err
	}

	sunG4, err := New(FamilySunG4, Modern, sunG4Holding, nil)
	if err != nil {
		return nil, err
	}

	return Catalog{
		FamilySG04LP3: sg04lp3,
		FamilySG0XLP1: sg0xlp1,
		FamilySG0XHP3: sg0xhp3,
		FamilySunG3:   sunG3,
		FamilySunMG:   sunMG,
		FamilySunG4:   sunG4,
	}, nil
}

// Modern grid-tied platform: shares the identification and grid registers
// with the hybrids but has no battery bank at all.
var sunG4Holding = []Descriptor{
	{Address: 0, Name: "device_type", Valid: rng(1, 65535)},
	{Address: 1, Name: "comm_protocol_version", Scale: 0.01},
	{Address: 142, Name: "grid_export_limit", Access: ReadWrite, Scale: 1, Unit: "W", Valid: rng(0, 16000)},
	{Address: 500, Name: "running_status", Enum: map[uint16]string{
		0: "standby",
		1: "self_check",
		2: "normal",
		3: "alarm",
		4: "fault",
	}},
	{Address: 501, Name: "fault_code"},
	{Address: 529, Name: "energy_today", Scale: 0.1, Unit: "kWh"},
	{Address: 534, Name: "pv_energy_total", HasPair: true, Paired: 535,
		CombinedScale: 0.1, CombinedUnit: "kWh"},
	{Address: 535, Name: "pv_energy_total_high", HasPair: true, Paired: 534, Hi: true},
	{Address: 540, Name: "radiator_temp", Scale: 0.1, Unit: "°C", Signed: true, Valid: rng(-40, 150)},
	{Address: 598, Name: "grid_voltage_l1", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
	{Address: 599, Name: "grid_voltage_l2", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
	{Address: 600, Name: "grid_voltage_l3", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
	{Address: 609, Name: "grid_frequency", Scale: 0.01, Unit: "Hz", Valid: rng(45, 65)},
	{Address: 619, Name: "grid_power", Scale: 1, Unit: "W", Signed: true},
	{Address: 672, Name: "pv1_power", Scale: 1, Unit: "W"},
	{Address: 673, Name: "pv2_power", Scale: 1, Unit: "W"},
	{Address: 676, Name: "pv1_voltage", Scale: 0.1, Unit: "V", Valid: rng(0, 500)},
	{Address: 677, Name: "pv1_current", Scale: 0.1, Unit: "A"},
	{Address: 678, Name: "pv2_voltage", Scale: 0.1, Unit: "V", Valid: rng(0, 500)},
	{Address: 679, Name: "pv2_current", Scale: 0.1, Unit: "A"},
}

var hybridBaseHolding = []Descriptor{
	{Address: 0, Name: "device_type", Valid: rng(1, 65535)},
	{Address: 1, Name: "comm_protocol_version", Scale: 0.01},

	{Address: 141, Name: "work_mode", Access: ReadWrite, Enum: map[uint16]string{
		0: "selling_first",
		1: "zero_export_to_load",
		2: "zero_export_to_ct",
	}},
	{Address: 142, Name: "grid_export_limit", Access: ReadWrite, Scale: 1, Unit: "W", Valid: rng(0, 16000)},
	{Address: 166, Name: "battery_max_charge_current", Access: ReadWrite, Scale: 1, Unit: "A", Valid: rng(0, 200)},
	{Address: 167, Name: "battery_low_soc", Access: ReadWrite, Scale: 1, Unit: "%", Valid: rng(5, 100)},

	{Address: 500, Name: "running_status", Enum: map[uint16]string{
		0: "standby",
		1: "self_check",
		2: "normal",
		3: "alarm",
		4: "fault",
	}},
	{Address: 501, Name: "fault_code"},

	{Address: 516, Name: "battery_charge_total", HasPair: true, Paired: 517,
		CombinedScale: 0.1, CombinedUnit: "kWh"},
	{Address: 517, Name: "battery_charge_total_high", HasPair: true, Paired: 516, Hi: true},
	{Address: 518, Name: "battery_discharge_total", HasPair: true, Paired: 519,
		CombinedScale: 0.1, CombinedUnit: "kWh"},
	{Address: 519, Name: "battery_discharge_total_high", HasPair: true, Paired: 518, Hi: true},
	{Address: 529, Name: "energy_today", Scale: 0.1, Unit: "kWh"},
	{Address: 534, Name: "pv_energy_total", HasPair: true, Paired: 535,
		CombinedScale: 0.1, CombinedUnit: "kWh"},
	{Address: 535, Name: "pv_energy_total_high", HasPair: true, Paired: 534, Hi: true},

	{Address: 540, Name: "radiator_temp", Scale: 0.1, Unit: "°C", Signed: true, Valid: rng(-40, 150)},
	{Address: 586, Name: "battery_temp", Scale: 0.1, Unit: "°C", Signed: true, Valid: rng(-40, 100)},
	{Address: 587, Name: "battery_voltage", Scale: 0.01, Unit: "V", Valid: rng(10, 800)},
	{Address: 588, Name: "battery_soc", Scale: 1, Unit: "%", Valid: rng(0, 100)},
	{Address: 590, Name: "battery_power", Scale: 1, Unit: "W", Signed: true, Valid: rng(-16000, 16000)},
	{Address: 591, Name: "battery_current", Scale: 0.01, Unit: "A", Signed: true},

	{Address: 598, Name: "grid_voltage_l1", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
	{Address: 609, Name: "grid_frequency", Scale: 0.01, Unit: "Hz", Valid: rng(45, 65)},
	{Address: 619, Name: "grid_power", Scale: 1, Unit: "W", Signed: true},
	{Address: 653, Name: "load_power", Scale: 1, Unit: "W", Signed: true},

	{Address: 672, Name: "pv1_power", Scale: 1, Unit: "W"},
	{Address: 673, Name: "pv2_power", Scale: 1, Unit: "W"},
	{Address: 676, Name: "pv1_voltage", Scale: 0.1, Unit: "V", Valid: rng(0, 500)},
	{Address: 677, Name: "pv1_current", Scale: 0.1, Unit: "A"},
	{Address: 678, Name: "pv2_voltage", Scale: 0.1, Unit: "V", Valid: rng(0, 500)},
	{Address: 679, Name: "pv2_current", Scale: 0.1, Unit: "A"},
}

var legacyBaseInput = []Descriptor{
	{Address: 59, Name: "running_status", Enum: map[uint16]string{
		0: "waiting",
		1: "normal",
		2: "fault",
	}},
	{Address: 60, Name: "fault_code"},
	{Address: 63, Name: "energy_total", HasPair: true, Paired: 64,
		CombinedScale: 0.1, CombinedUnit: "kWh"},
	{Address: 64, Name: "energy_total_high", HasPair: true, Paired: 63, Hi: true},
	{Address: 65, Name: "energy_today", Scale: 0.1, Unit: "kWh"},
	{Address: 69, Name: "grid_voltage", Scale: 0.1, Unit: "V", Valid: rng(80, 300)},
	{Address: 70, Name: "grid_current", Scale: 0.1, Unit: "A"},
	{Address: 71, Name: "grid_frequency", Scale: 0.01, Unit: "Hz", Valid: rng(45, 65)},
	{Address: 72, Name: "pv1_voltage", Scale: 0.1, Unit: "V", Valid: rng(0, 500)},
	{Address: 73, Name: "pv1_current", Scale: 0.1, Unit: "A"},
	{Address: 74, Name: "pv2_voltage", Scale: 0.1, Unit: "V", Valid: rng(0, 500)},
	{Address: 75, Name: "pv2_current", Scale: 0.1, Unit: "A"},
	{Address: 90, Name: "inverter_temp", Scale: 0.1, Unit: "°C", Signed: true, Valid: rng(-40, 150)},
}
