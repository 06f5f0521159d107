// Package poller turns a register map plus a resilient connection into the
// two operations the application consumes: a decoded snapshot of every known
// quantity, and a write addressed by logical name instead of raw register.
package poller

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sundial-energy/go-sunwatch/internal/decode"
	"github.com/sundial-energy/go-sunwatch/internal/register"
	"github.com/sundial-energy/go-sunwatch/internal/resilience"
	"github.com/sundial-energy/go-sunwatch/internal/transport"
)

// Conn is the access the poller needs; *resilience.Conn satisfies it.
type Conn interface {
	ReadRegisters(ctx context.Context, class register.Class, address, count uint16) ([]uint16, error)
	WriteRegister(ctx context.Context, class register.Class, address, value uint16) (resilience.WriteReceipt, error)
}

// Options tunes how map addresses are grouped into read requests.
type Options struct {
	// MaxBatch caps registers per request; the Modbus PDU limit is 125.
	MaxBatch uint16
	// MaxGap is the largest run of unmapped addresses still read through
	// rather than split into a second request. Round trips cost seconds on
	// these links, so reading a few dead words beats an extra request.
	MaxGap uint16
}

// DefaultOptions matches the vendor dataloggers' request limits.
func DefaultOptions() Options {
	return Options{MaxBatch: 100, MaxGap: 8}
}

// Span is one contiguous read request of the plan.
type Span struct {
	Class register.Class
	Start uint16
	Count uint16
}

// BuildPlan computes the fewest read spans covering every mapped address of
// one class, honoring the batch and gap limits.
func BuildPlan(m *register.Map, class register.Class, opts Options) []Span {
	descs := m.Descriptors(class)
	if len(descs) == 0 {
		return nil
	}
	if opts.MaxBatch == 0 {
		opts.MaxBatch = DefaultOptions().MaxBatch
	}

	var spans []Span
	cur := Span{Class: class, Start: descs[0].Address, Count: 1}
	last := descs[0].Address
	for _, d := range descs[1:] {
		gap := d.Address - last - 1
		newCount := d.Address - cur.Start + 1
		if gap > opts.MaxGap || newCount > opts.MaxBatch {
			spans = append(spans, cur)
			cur = Span{Class: class, Start: d.Address, Count: 1}
		} else {
			cur.Count = newCount
		}
		last = d.Address
	}
	return append(spans, cur)
}

// Poller binds one device's connection to its selected register map.
type Poller struct {
	conn   Conn
	m      *register.Map
	opts   Options
	plans  map[register.Class][]Span
	logger zerolog.Logger
}

// New builds a poller with precomputed read plans for both register classes.
func New(conn Conn, m *register.Map, opts Options) *Poller {
	return &Poller{
		conn: conn,
		m:    m,
		opts: opts,
		plans: map[register.Class][]Span{
			register.Holding: BuildPlan(m, register.Holding, opts),
			register.Input:   BuildPlan(m, register.Input, opts),
		},
		logger: log.With().Str("component", "poller").Str("family", m.Family()).Logger(),
	}
}

// Map returns the register map the poller decodes with.
func (p *Poller) Map() *register.Map { return p.m }

// ReadSnapshot executes the read plan and decodes one snapshot. A device
// exception on a span narrows the request to the span's mapped registers and
// retries; only registers the device itself refuses stay absent from the
// snapshot. A link failure fails the whole cycle.
func (p *Poller) ReadSnapshot(ctx context.Context) (*decode.Snapshot, error) {
	var parts []*decode.Snapshot
	for class, spans := range p.plans {
		if len(spans) == 0 {
			continue
		}
		raw := make(map[uint16]uint16)
		for _, span := range spans {
			if err := p.readSpan(ctx, span, raw); err != nil {
				return nil, err
			}
		}
		parts = append(parts, decode.Decode(raw, p.m, class))
	}
	return decode.Union(parts...), nil
}

// readSpan reads one plan span into raw. Devices disagree on gap-merged
// requests: some serve the dead words in between, others answer any request
// touching an unmapped address with an exception. A rejected span is
// therefore split into its contiguous mapped runs and each run requested on
// its own, so one strict device cannot blank a whole span's quantities.
func (p *Poller) readSpan(ctx context.Context, span Span, raw map[uint16]uint16) error {
	err := p.readInto(ctx, span, raw)
	if err == nil || !transport.IsProtocolError(err) {
		return err
	}

	runs := p.mappedRuns(span)
	if len(runs) == 1 && runs[0] == span {
		// No dead words to blame: the device does not implement this
		// range, and the quantities stay absent from the snapshot.
		p.logger.Debug().
			Err(err).
			Uint16("start", span.Start).
			Uint16("count", span.Count).
			Msg("Span rejected by device")
		return nil
	}

	p.logger.Debug().
		Uint16("start", span.Start).
		Uint16("count", span.Count).
		Int("runs", len(runs)).
		Msg("Merged span rejected, re-reading mapped runs")
	for _, run := range runs {
		switch err := p.readInto(ctx, run, raw); {
		case err == nil:
		case transport.IsProtocolError(err):
			p.logger.Debug().
				Err(err).
				Uint16("start", run.Start).
				Uint16("count", run.Count).
				Msg("Run rejected by device")
		default:
			return err
		}
	}
	return nil
}

func (p *Poller) readInto(ctx context.Context, span Span, raw map[uint16]uint16) error {
	words, err := p.conn.ReadRegisters(ctx, span.Class, span.Start, span.Count)
	if err != nil {
		return err
	}
	for i, w := range words {
		raw[span.Start+uint16(i)] = w
	}
	return nil
}

// mappedRuns splits a span into the contiguous runs of mapped addresses
// inside it, dropping the gap words the plan merged over.
func (p *Poller) mappedRuns(span Span) []Span {
	var runs []Span
	end := span.Start + span.Count
	for _, d := range p.m.Descriptors(span.Class) {
		if d.Address < span.Start || d.Address >= end {
			continue
		}
		if n := len(runs); n > 0 && d.Address == runs[n-1].Start+runs[n-1].Count {
			runs[n-1].Count++
			continue
		}
		runs = append(runs, Span{Class: span.Class, Start: d.Address, Count: 1})
	}
	return runs
}

// WriteLogical resolves a logical name, applies the inverse scale and writes
// the raw word through the resilient connection.
func (p *Poller) WriteLogical(ctx context.Context, name string, value float64) (resilience.WriteReceipt, error) {
	d, class, ok := p.m.LookupName(name)
	if !ok {
		return resilience.WriteReceipt{}, &resilience.WriteRejectedError{
			Reason: fmt.Sprintf("map %q defines no register %q", p.m.Family(), name),
		}
	}
	if d.Access == register.ReadOnly {
		return resilience.WriteReceipt{}, &resilience.WriteRejectedError{
			Reason: fmt.Sprintf("register %q is read-only", name),
		}
	}
	if d.HasPair {
		return resilience.WriteReceipt{}, &resilience.WriteRejectedError{
			Reason: fmt.Sprintf("register %q is a 32-bit pair and not writable", name),
		}
	}
	if d.Valid != nil && !d.Valid.Contains(value) {
		return resilience.WriteReceipt{}, &resilience.WriteRejectedError{
			Reason: fmt.Sprintf("value %g outside valid range [%g, %g]", value, d.Valid.Min, d.Valid.Max),
		}
	}

	scaled := math.Round(value / d.EffectiveScale())
	var word uint16
	if d.Signed {
		if scaled < math.MinInt16 || scaled > math.MaxInt16 {
			return resilience.WriteReceipt{}, &resilience.WriteRejectedError{
				Reason: fmt.Sprintf("value %g does not fit a signed register", value),
			}
		}
		word = uint16(int16(scaled))
	} else {
		if scaled < 0 || scaled > math.MaxUint16 {
			return resilience.WriteReceipt{}, &resilience.WriteRejectedError{
				Reason: fmt.Sprintf("value %g does not fit a register", value),
			}
		}
		word = uint16(scaled)
	}

	receipt, err := p.conn.WriteRegister(ctx, class, d.Address, word)
	if err != nil {
		return resilience.WriteReceipt{}, err
	}
	p.logger.Info().
		Str("name", name).
		Uint16("address", d.Address).
		Uint16("raw", word).
		Float64("value", value).
		Msg("Register written")
	return receipt, nil
}
