// Package decode turns raw register words into typed physical quantities
// using a register map. Decoding is pure and total: missing registers become
// gaps in the snapshot, never errors, and one register's absence cannot
// prevent any other register from decoding.
package decode

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/sundial-energy/go-sunwatch/internal/register"
)

// Value is one decoded logical quantity.
type Value struct {
	Name    string
	Class   register.Class
	Address uint16
	Raw     int64   // sign-extended raw integer, 16 or 32 bit wide
	Value   float64 // physical quantity after scaling
	Unit    string
	Label   string // enum label for status/mode registers, empty otherwise
	Valid   bool   // within the descriptor's declared range, true if unbounded

	// Decimals is the display precision the scale implies: a 0.1 scale
	// yields tenths, a 0.01 scale hundredths. Rendering with exactly this
	// many digits avoids binary-float noise like 230.10000000000002.
	Decimals int
}

// decimals derives the digit count from a scale factor.
func decimals(scale float64) int {
	if scale < 0 {
		scale = -scale
	}
	n := 0
	for scale > 0 && scale < 0.999999999 && n < 9 {
		scale *= 10
		n++
	}
	return n
}

// Snapshot is the complete set of quantities decoded from one read cycle.
// It is immutable once produced; a new cycle replaces it wholesale.
type Snapshot struct {
	Taken  time.Time
	values map[string]Value
}

// Get returns the decoded value for a logical name. A missing name means the
// quantity could not be produced this cycle (or the map does not define it).
func (s *Snapshot) Get(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Len returns the number of decoded quantities.
func (s *Snapshot) Len() int { return len(s.values) }

// Values returns all decoded quantities ordered by name.
func (s *Snapshot) Values() []Value {
	out := make([]Value, 0, len(s.values))
	for _, v := range s.values {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type jsonValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Label string  `json:"label,omitempty"`
	Valid bool    `json:"valid"`
}

// MarshalJSON renders the snapshot as a name-keyed object for publishing.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := struct {
		Taken  time.Time            `json:"timestamp"`
		Values map[string]jsonValue `json:"values"`
	}{
		Taken:  s.Taken,
		Values: make(map[string]jsonValue, len(s.values)),
	}
	for name, v := range s.values {
		out.Values[name] = jsonValue{Value: v.Value, Unit: v.Unit, Label: v.Label, Valid: v.Valid}
	}
	return json.Marshal(out)
}

// Decode produces a snapshot from raw words of one register class. Words are
// sparse: a descriptor decodes only when its register (and, for pairs, the
// sibling register) is present in raw.
func Decode(raw map[uint16]uint16, m *register.Map, class register.Class) *Snapshot {
	s := &Snapshot{Taken: time.Now(), values: make(map[string]Value, len(raw))}
	for _, d := range m.Descriptors(class) {
		if !d.Primary() {
			continue
		}
		word, ok := raw[d.Address]
		if !ok {
			continue
		}

		var rawInt int64
		if d.HasPair {
			sibling, ok := raw[d.Paired]
			if !ok {
				// Half a pair is missing telemetry, not an error.
				continue
			}
			hi, lo := sibling, word
			if d.Hi {
				hi, lo = word, sibling
			}
			combined := uint32(hi)<<16 | uint32(lo)
			if d.Signed {
				rawInt = int64(int32(combined))
			} else {
				rawInt = int64(combined)
			}
		} else {
			if d.Signed {
				rawInt = int64(int16(word))
			} else {
				rawInt = int64(word)
			}
		}

		v := Value{
			Name:     d.Name,
			Class:    class,
			Address:  d.Address,
			Raw:      rawInt,
			Value:    float64(rawInt) * d.EffectiveScale(),
			Unit:     d.EffectiveUnit(),
			Valid:    true,
			Decimals: decimals(d.EffectiveScale()),
		}
		if d.Enum != nil {
			v.Label = d.Enum[word]
		}
		if d.Valid != nil {
			v.Valid = d.Valid.Contains(v.Value)
		}
		s.values[d.Name] = v
	}
	return s
}

// Union merges per-class snapshots from one read cycle into a single
// snapshot. Later arguments win on name collisions; the merged timestamp is
// the latest of the inputs.
func Union(snaps ...*Snapshot) *Snapshot {
	out := &Snapshot{values: make(map[string]Value)}
	for _, s := range snaps {
		if s == nil {
			continue
		}
		if s.Taken.After(out.Taken) {
			out.Taken = s.Taken
		}
		for name, v := range s.values {
			out.values[name] = v
		}
	}
	return out
}
