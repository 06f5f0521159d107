// Package register defines the declarative register model for vendor
// inverters: one Descriptor per physical 16-bit register and one Map per
// hardware family. Maps are static compiled-in data, built once at startup
// and immutable afterwards.
package register

import (
	"fmt"
	"sort"
)

// Class distinguishes the two Modbus register spaces a map may define.
type Class int

const (
	Holding Class = iota
	Input
)

// String returns the string representation of the register class.
func (c Class) String() string {
	switch c {
	case Holding:
		return "holding"
	case Input:
		return "input"
	default:
		return "unknown"
	}
}

// Access describes which operations a register supports.
type Access int

const (
	ReadOnly Access = iota
	ReadWrite
	WriteOnly
)

// String returns the string representation of the access mode.
func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	case WriteOnly:
		return "wo"
	default:
		return "unknown"
	}
}

// Protocol identifies the wire-protocol generation a family speaks.
type Protocol int

const (
	Legacy Protocol = iota
	Modern
)

// String returns the string representation of the protocol variant.
func (p Protocol) String() string {
	switch p {
	case Legacy:
		return "legacy"
	case Modern:
		return "modern"
	default:
		return "unknown"
	}
}

// Range bounds a physical quantity after scaling. Values outside the range
// still decode; the decoder only flags them as invalid.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within the range, inclusive.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Descriptor describes one physical register. For 32-bit quantities two
// descriptors form a pair: both set Paired/HasPair pointing at each other,
// exactly one sets Hi (it holds the most-significant word), and exactly one
// carries CombinedScale/CombinedUnit. The side with CombinedScale is the
// primary side: the decoded value is emitted under its name.
type Descriptor struct {
	Address uint16
	Name    string
	Scale   float64 // multiplier to physical units; 0 means 1
	Unit    string
	Signed  bool
	Access  Access

	HasPair bool
	Paired  uint16 // sibling address, valid when HasPair
	Hi      bool   // this register holds the most-significant word

	CombinedScale float64 // set on the primary side of a pair; may be negative
	CombinedUnit  string

	Enum  map[uint16]string // labels for status/mode registers
	Valid *Range            // plausible physical range, nil if unbounded

	// Default is the raw seed value for simulated devices. Live decoding
	// never consults it.
	Default uint16
}

// EffectiveScale returns the multiplier applied after (combined) sign
// extension: CombinedScale for the primary side of a pair, Scale otherwise.
func (d Descriptor) EffectiveScale() float64 {
	if d.HasPair && d.CombinedScale != 0 {
		return d.CombinedScale
	}
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

// EffectiveUnit returns the unit of the decoded quantity.
func (d Descriptor) EffectiveUnit() string {
	if d.HasPair && d.CombinedUnit != "" {
		return d.CombinedUnit
	}
	return d.Unit
}

// Primary reports whether this descriptor emits the decoded value. Unpaired
// descriptors are always primary; in a pair only the side carrying the
// combined scale is.
func (d Descriptor) Primary() bool {
	return !d.HasPair || d.CombinedScale != 0
}

// ConfigurationError reports a malformed register map. A map that fails
// construction must never become selectable by detection.
type ConfigurationError struct {
	Family string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("register map %q: %s", e.Family, e.Reason)
}

type key struct {
	class Class
	addr  uint16
}

// Map is an immutable, validated collection of descriptors for one hardware
// family, keyed by (class, address) and by logical name.
type Map struct {
	family   string
	protocol Protocol
	regs     map[key]Descriptor
	byName   map[string]key
}

// Family returns the hardware family identifier.
func (m *Map) Family() string { return m.family }

// Protocol returns the wire-protocol generation the family speaks.
func (m *Map) Protocol() Protocol { return m.protocol }

// New builds and validates a register map from per-class descriptor lists.
func New(family string, protocol Protocol, holding, input []Descriptor) (*Map, error) {
	m := &Map{
		family:   family,
		protocol: protocol,
		regs:     make(map[key]Descriptor, len(holding)+len(input)),
		byName:   make(map[string]key, len(holding)+len(input)),
	}
	if err := m.add(Holding, holding); err != nil {
		return nil, err
	}
	if err := m.add(Input, input); err != nil {
		return nil, err
	}
	if err := m.validatePairs(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Map) add(class Class, descs []Descriptor) error {
	for _, d := range descs {
		k := key{class, d.Address}
		if _, dup := m.regs[k]; dup {
			return &ConfigurationError{m.family, fmt.Sprintf("duplicate %s register %d", class, d.Address)}
		}
		if d.Name == "" {
			return &ConfigurationError{m.family, fmt.Sprintf("%s register %d has no name", class, d.Address)}
		}
		if prev, dup := m.byName[d.Name]; dup {
			// Pair siblings share a base name with a _high suffix; any other
			// reuse of a name is a data error.
			return &ConfigurationError{m.family, fmt.Sprintf("name %q defined at %s %d and %s %d",
				d.Name, prev.class, prev.addr, class, d.Address)}
		}
		m.regs[k] = d
		m.byName[d.Name] = k
	}
	return nil
}

func (m *Map) validatePairs() error {
	for k, d := range m.regs {
		if !d.HasPair {
			continue
		}
		sib, ok := m.regs[key{k.class, d.Paired}]
		if !ok {
			return &ConfigurationError{m.family, fmt.Sprintf("%s register %d pairs with missing register %d",
				k.class, d.Address, d.Paired)}
		}
		if !sib.HasPair || sib.Paired != d.Address {
			return &ConfigurationError{m.family, fmt.Sprintf("asymmetric pairing between %s registers %d and %d",
				k.class, d.Address, d.Paired)}
		}
		if d.Hi == sib.Hi {
			return &ConfigurationError{m.family, fmt.Sprintf("pair %d/%d must mark exactly one high word",
				d.Address, d.Paired)}
		}
		if (d.CombinedScale != 0) == (sib.CombinedScale != 0) {
			return &ConfigurationError{m.family, fmt.Sprintf("pair %d/%d must carry a combined scale on exactly one side",
				d.Address, d.Paired)}
		}
		if d.Signed != sib.Signed {
			return &ConfigurationError{m.family, fmt.Sprintf("pair %d/%d disagrees on signedness",
				d.Address, d.Paired)}
		}
	}
	return nil
}

// Lookup returns the descriptor at (class, address). Absence is a normal
// outcome: hardware families differ in which registers exist.
func (m *Map) Lookup(class Class, address uint16) (Descriptor, bool) {
	d, ok := m.regs[key{class, address}]
	return d, ok
}

// LookupName resolves a logical name to its descriptor and register class.
func (m *Map) LookupName(name string) (Descriptor, Class, bool) {
	k, ok := m.byName[name]
	if !ok {
		return Descriptor{}, Holding, false
	}
	return m.regs[k], k.class, true
}

// Descriptors returns the map's descriptors for one class in address order.
func (m *Map) Descriptors(class Class) []Descriptor {
	out := make([]Descriptor, 0, len(m.regs))
	for k, d := range m.regs {
		if k.class == class {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of descriptors across both classes.
func (m *Map) Len() int { return len(m.regs) }

// Overlay describes how a family map derives from a base map. Overrides
// replace descriptors at addresses the base already defines; additions
// introduce addresses the base must not define. The split keeps the caller's
// intent explicit instead of silently re-defining addresses.
type Overlay struct {
	HoldingOverrides []Descriptor
	HoldingAdds      []Descriptor
	InputOverrides   []Descriptor
	InputAdds        []Descriptor
}

// Extend builds a new map by copying every descriptor from base and applying
// the overlay. The base map is not touched.
func Extend(base *Map, family string, o Overlay) (*Map, error) {
	var holding, input []Descriptor
	for k, d := range base.regs {
		switch k.class {
		case Holding:
			holding = append(holding, d)
		case Input:
			input = append(input, d)
		}
	}

	apply := func(class Class, descs *[]Descriptor, overrides, adds []Descriptor) error {
		for _, ov := range overrides {
			idx := -1
			for i, d := range *descs {
				if d.Address == ov.Address {
					idx = i
					break
				}
			}
			if idx < 0 {
				return &ConfigurationError{family, fmt.Sprintf("override targets %s register %d not present in base %q",
					class, ov.Address, base.family)}
			}
			(*descs)[idx] = ov
		}
		for _, ad := range adds {
			for _, d := range *descs {
				if d.Address == ad.Address {
					return &ConfigurationError{family, fmt.Sprintf("addition collides with %s register %d from base %q",
						class, ad.Address, base.family)}
				}
			}
			*descs = append(*descs, ad)
		}
		return nil
	}

	if err := apply(Holding, &holding, o.HoldingOverrides, o.HoldingAdds); err != nil {
		return nil, err
	}
	if err := apply(Input, &input, o.InputOverrides, o.InputAdds); err != nil {
		return nil, err
	}
	return New(family, base.protocol, holding, input)
}
