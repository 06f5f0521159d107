// Package detect identifies which register map applies to an unknown device
// on a live link. Strategies run in a fixed order, each only when the
// previous one failed or does not apply: device-type-code lookup, shared-code
// refinement, model-name matching, and legacy fingerprint probing. A failed
// probe means "register not present", never a fatal detection error, so the
// engine is idempotent and safe to re-run after any interruption.
package detect

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sundial-energy/go-sunwatch/internal/register"
)

// ErrInconclusive reports that no automated strategy identified a family.
// The application must supply an explicit family choice; nothing is retried
// automatically.
var ErrInconclusive = errors.New("detection inconclusive: manual family selection required")

// Confidence rates how much an identification result should be trusted.
type Confidence int

const (
	None Confidence = iota
	Low
	Medium
	High
)

// String returns the string representation of the confidence level.
func (c Confidence) String() string {
	switch c {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return "none"
	}
}

// Identity is the result of one detection run, held for the session's
// lifetime and re-derived only on manual override or a new physical device.
type Identity struct {
	Family         string            `json:"family"`
	Protocol       register.Protocol `json:"-"`
	DeviceTypeCode *uint16           `json:"device_type_code,omitempty"`
	Confidence     Confidence        `json:"-"`
	Method         string            `json:"method"`
}

// Reader is the read access detection needs; *resilience.Conn satisfies it.
type Reader interface {
	ReadRegisters(ctx context.Context, class register.Class, address, count uint16) ([]uint16, error)
}

// refinement disambiguates a device-type code shared by two families with
// one targeted read. The predicate decides on plausibility of the returned
// value, not mere readability: a register that answers with garbage (say, an
// echoed device code) counts as not present.
type refinement struct {
	class     register.Class
	address   uint16
	plausible func(word uint16) bool
	onMatch   string // family when the probe reads plausible
	onMiss    string // family when unreadable or implausible
}

type codeEntry struct {
	family string // unique mapping; empty when refine is set
	refine *refinement
}

// deviceTypeCodes maps the vendor's DTC register values to families.
var deviceTypeCodes = map[uint16]codeEntry{
	0x0002: {family: register.FamilySG04LP3},
	0x0003: {family: register.FamilySG0XHP3},
	0x0004: {family: register.FamilySG0XLP1},
	// 5400 ships on both the grid-tied and the single-phase hybrid build of
	// the same platform. A plausible state-of-charge reading is what tells
	// them apart.
	5400: {refine: &refinement{
		class:     register.Holding,
		address:   588,
		plausible: func(word uint16) bool { return word >= 1 && word <= 100 },
		onMatch:   register.FamilySG0XLP1,
		onMiss:    register.FamilySunG4,
	}},
}

// nameFragments matches decoded model-name strings to families. Matching
// prefers the longest fragment so a short family name never shadows a longer
// one containing it.
var nameFragments = map[string]string{
	"SG04LP3": register.FamilySG04LP3,
	"HP3":     register.FamilySG0XHP3,
	"LP1":     register.FamilySG0XLP1,
	"SUN-":    register.FamilySunG4,
}

// fingerprints probes registers only particular legacy families implement,
// in priority order. A probe matches when the read succeeds and the scaled
// value falls inside the register's declared valid range.
var fingerprints = []struct {
	family  string
	class   register.Class
	address uint16
}{
	{register.FamilySunG3, register.Input, 76},  // third PV string voltage
	{register.FamilySunMG, register.Input, 112}, // fourth module input voltage
}

// Engine runs the detection sequence against a catalog of candidate maps.
type Engine struct {
	catalog register.Catalog
	logger  zerolog.Logger
}

// NewEngine validates that the static detection tables only reference
// families the catalog actually provides.
func NewEngine(catalog register.Catalog) (*Engine, error) {
	check := func(family string) error {
		if _, ok := catalog.Get(family); !ok {
			return &register.ConfigurationError{Family: family, Reason: "detection table references unknown family"}
		}
		return nil
	}
	for _, entry := range deviceTypeCodes {
		if entry.refine != nil {
			if err := check(entry.refine.onMatch); err != nil {
				return nil, err
			}
			if err := check(entry.refine.onMiss); err != nil {
				return nil, err
			}
			continue
		}
		if err := check(entry.family); err != nil {
			return nil, err
		}
	}
	for _, family := range nameFragments {
		if err := check(family); err != nil {
			return nil, err
		}
	}
	for _, fp := range fingerprints {
		if err := check(fp.family); err != nil {
			return nil, err
		}
	}
	return &Engine{
		catalog: catalog,
		logger:  log.With().Str("component", "detect").Logger(),
	}, nil
}

// Map returns the register map for an identified family.
func (e *Engine) Map(id Identity) (*register.Map, bool) {
	return e.catalog.Get(id.Family)
}

// Detect runs the strategy sequence once. On success the identity names a
// catalog family; otherwise it carries Confidence None and ErrInconclusive.
func (e *Engine) Detect(ctx context.Context, r Reader) (Identity, error) {
	if id, ok := e.byDeviceTypeCode(ctx, r); ok {
		return e.resolved(id), nil
	}
	if id, ok := e.byModelName(ctx, r); ok {
		return e.resolved(id), nil
	}
	if id, ok := e.byFingerprint(ctx, r); ok {
		return e.resolved(id), nil
	}
	e.logger.Warn().Msg("All detection strategies exhausted")
	return Identity{Confidence: None}, ErrInconclusive
}

func (e *Engine) resolved(id Identity) Identity {
	if m, ok := e.catalog.Get(id.Family); ok {
		id.Protocol = m.Protocol()
	}
	e.logger.Info().
		Str("family", id.Family).
		Str("confidence", id.Confidence.String()).
		Str("method", id.Method).
		Msg("Device identified")
	return id
}

// ModelName reads and decodes the ASCII model-name register range. An empty
// string means the device exposes no readable model name.
func ModelName(ctx context.Context, r Reader) string {
	words, err := r.ReadRegisters(ctx, register.Holding, register.ModelNameAddr, register.ModelNameRegisters)
	if err != nil {
		return ""
	}
	return decodeName(words)
}

// byDeviceTypeCode reads the well-known DTC register and looks the value up
// in the static code table, refining shared codes with one extra read.
func (e *Engine) byDeviceTypeCode(ctx context.Context, r Reader) (Identity, bool) {
	words, err := r.ReadRegisters(ctx, register.Holding, register.DeviceTypeCodeAddr, 1)
	if err != nil || len(words) == 0 || words[0] == 0 {
		e.logger.Debug().Err(err).Msg("Device type code not readable")
		return Identity{}, false
	}

	code := words[0]
	entry, known := deviceTypeCodes[code]
	if !known {
		e.logger.Debug().Uint16("code", code).Msg("Unknown device type code")
		return Identity{}, false
	}

	if entry.refine == nil {
		return Identity{
			Family:         entry.family,
			DeviceTypeCode: &code,
			Confidence:     High,
			Method:         "device_type_code",
		}, true
	}

	ref := entry.refine
	family := ref.onMiss
	probe, err := r.ReadRegisters(ctx, ref.class, ref.address, 1)
	if err == nil && len(probe) == 1 && ref.plausible(probe[0]) {
		family = ref.onMatch
	}
	e.logger.Debug().
		Uint16("code", code).
		Str("family", family).
		Msg("Shared device type code refined")
	return Identity{
		Family:         family,
		DeviceTypeCode: &code,
		Confidence:     High,
		Method:         "refinement",
	}, true
}

// byModelName reads the fixed-length ASCII model-name range and matches it
// against known family fragments, longest first.
func (e *Engine) byModelName(ctx context.Context, r Reader) (Identity, bool) {
	words, err := r.ReadRegisters(ctx, register.Holding, register.ModelNameAddr, register.ModelNameRegisters)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Model name not readable")
		return Identity{}, false
	}

	name := decodeName(words)
	if name == "" {
		return Identity{}, false
	}

	var bestFamily, bestFragment string
	for fragment, family := range nameFragments {
		if strings.Contains(name, fragment) && len(fragment) > len(bestFragment) {
			bestFragment, bestFamily = fragment, family
		}
	}
	if bestFamily == "" {
		e.logger.Debug().Str("name", name).Msg("Model name matched no family")
		return Identity{}, false
	}
	e.logger.Debug().Str("name", name).Str("fragment", bestFragment).Msg("Model name matched")
	return Identity{Family: bestFamily, Confidence: Medium, Method: "model_name"}, true
}

// byFingerprint probes registers characteristic of each legacy family. The
// first probe that reads a value inside its declared range wins; confidence
// drops to Low when earlier probes had to be ruled out first.
func (e *Engine) byFingerprint(ctx context.Context, r Reader) (Identity, bool) {
	for i, fp := range fingerprints {
		m, ok := e.catalog.Get(fp.family)
		if !ok {
			continue
		}
		desc, ok := m.Lookup(fp.class, fp.address)
		if !ok {
			continue
		}

		words, err := r.ReadRegisters(ctx, fp.class, fp.address, 1)
		if err != nil || len(words) != 1 {
			// Equivalent to "not present"; move on.
			continue
		}
		value := float64(int64(words[0])) * desc.EffectiveScale()
		if desc.Valid != nil && !desc.Valid.Contains(value) {
			continue
		}

		confidence := Medium
		if i > 0 {
			confidence = Low
		}
		e.logger.Debug().
			Str("family", fp.family).
			Uint16("address", fp.address).
			Float64("value", value).
			Msg("Fingerprint probe matched")
		return Identity{Family: fp.family, Confidence: confidence, Method: "fingerprint"}, true
	}
	return Identity{}, false
}

// decodeName turns register words into the ASCII model string: two
// big-endian characters per word, trimmed of padding.
func decodeName(words []uint16) string {
	buf := make([]byte, 0, len(words)*2)
	for _, w := range words {
		buf = append(buf, byte(w>>8), byte(w))
	}
	cleaned := strings.Map(func(r rune) rune {
		if r < 32 || r > 126 {
			return -1
		}
		return r
	}, string(buf))
	return strings.ToUpper(strings.TrimSpace(cleaned))
}
