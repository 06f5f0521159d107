// Package resilience wraps a transport session with the field-survival
// policy: reconnect before use, retry transport failures with backoff and an
// explicit disconnect between attempts, serialize all access to the
// half-duplex link, and rate-limit writes to control registers. The external
// polling cadence disconnects after every cycle, so "currently disconnected"
// is the normal pre-condition for every operation here, not an error state.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sundial-energy/go-sunwatch/internal/register"
	"github.com/sundial-energy/go-sunwatch/internal/transport"
)

// ErrNotConnected reports that the session was closed and the single
// permitted reconnect attempt failed. The operation did not run.
var ErrNotConnected = errors.New("not connected")

// WriteRejectedError reports a write refused without a transport fault:
// either the device answered with a protocol-level error or the rate limiter
// blocked the write. No retry is implied.
type WriteRejectedError struct {
	Reason     string
	RetryAfter time.Duration // non-zero when the rate limiter rejected
	Err        error
}

func (e *WriteRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("write rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("write rejected: %s", e.Reason)
}

func (e *WriteRejectedError) Unwrap() error { return e.Err }

// Policy bounds the retry behavior for transport-level failures.
type Policy struct {
	Retries int           // additional attempts after the first failure
	Backoff time.Duration // first retry delay, doubled per attempt
}

// DefaultPolicy matches a slow RS-485 device behind a LAN stick.
func DefaultPolicy() Policy {
	return Policy{Retries: 2, Backoff: 500 * time.Millisecond}
}

// Addr identifies one register for rate-limiting purposes.
type Addr struct {
	Class   register.Class
	Address uint16
}

// WriteGroup rate-limits writes to a set of control registers: a write is
// rejected outright if the group's minimum interval has not elapsed since
// the group's last accepted write. Rapid repeated writes to these registers
// provoke oscillating device behavior, so rejected means rejected, not
// queued or delayed.
type WriteGroup struct {
	Name     string
	Interval time.Duration
	addrs    map[Addr]struct{}
	last     time.Time
}

// NewWriteGroup builds a rate-limit group over the given registers.
func NewWriteGroup(name string, interval time.Duration, addrs []Addr) *WriteGroup {
	g := &WriteGroup{Name: name, Interval: interval, addrs: make(map[Addr]struct{}, len(addrs))}
	for _, a := range addrs {
		g.addrs[a] = struct{}{}
	}
	return g
}

// WriteReceipt reports an accepted write. Previous carries the last value
// this connection accepted for the same register, if any; it is the only
// channel that state is exposed through.
type WriteReceipt struct {
	Class      register.Class
	Address    uint16
	Value      uint16
	Previous   *uint16
	AcceptedAt time.Time
}

// Stats counts connection activity for observability.
type Stats struct {
	Reads      int64 `json:"reads"`
	Writes     int64 `json:"writes"`
	Retries    int64 `json:"retries"`
	Reconnects int64 `json:"reconnects"`
	LinkErrors int64 `json:"link_errors"`
}

// Conn is the serialization point for one device: every read and write locks
// the connection for its full duration, including retries.
type Conn struct {
	mu      sync.Mutex
	session transport.Session
	policy  Policy
	groups  []*WriteGroup

	lastAccepted map[Addr]uint16
	stats        Stats
	logger       zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wraps a session with the given retry policy and write-limit groups.
func New(session transport.Session, policy Policy, groups ...*WriteGroup) *Conn {
	return &Conn{
		session:      session,
		policy:       policy,
		groups:       groups,
		lastAccepted: make(map[Addr]uint16),
		logger:       log.With().Str("component", "resilience").Logger(),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReadRegisters reads through the session, reconnecting and retrying per the
// policy.
func (c *Conn) ReadRegisters(ctx context.Context, class register.Class, address, count uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var words []uint16
	err := c.do(ctx, "read", func() error {
		var opErr error
		words, opErr = c.session.ReadRegisters(ctx, class, address, count)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	c.stats.Reads++
	return words, nil
}

// WriteRegister writes through the session. Rate limiting is checked before
// any link activity; a limited write consumes no transport resources.
func (c *Conn) WriteRegister(ctx context.Context, class register.Class, address, value uint16) (WriteReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := Addr{Class: class, Address: address}
	group := c.groupFor(a)
	if group != nil && !group.last.IsZero() {
		if wait := group.Interval - c.now().Sub(group.last); wait > 0 {
			c.logger.Warn().
				Str("group", group.Name).
				Uint16("address", address).
				Dur("retry_after", wait).
				Msg("Write rejected by rate limiter")
			return WriteReceipt{}, &WriteRejectedError{
				Reason:     fmt.Sprintf("rate limit for group %q not elapsed", group.Name),
				RetryAfter: wait,
			}
		}
	}

	err := c.do(ctx, "write", func() error {
		return c.session.WriteRegister(ctx, class, address, value)
	})
	if err != nil {
		var pe *transport.ProtocolError
		if errors.As(err, &pe) {
			return WriteReceipt{}, &WriteRejectedError{Reason: "device rejected write", Err: err}
		}
		return WriteReceipt{}, err
	}

	receipt := WriteReceipt{Class: class, Address: address, Value: value, AcceptedAt: c.now()}
	if group != nil {
		group.last = receipt.AcceptedAt
		if prev, ok := c.lastAccepted[a]; ok {
			p := prev
			receipt.Previous = &p
		}
		c.lastAccepted[a] = value
	}
	c.stats.Writes++
	return receipt, nil
}

// Stats returns a copy of the connection counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close releases the underlying link.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLink()
}

// Disconnect closes the link between poll cycles, freeing it for other
// traffic. The next operation reconnects transparently.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.IsOpen() {
		_ = c.dropLink()
	}
}

func (c *Conn) groupFor(a Addr) *WriteGroup {
	for _, g := range c.groups {
		if _, ok := g.addrs[a]; ok {
			return g
		}
	}
	return nil
}

// do runs one operation under the resilience contract. Callers hold c.mu.
func (c *Conn) do(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := c.ensureOpen(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !transport.IsLinkError(err) {
			// Protocol-level rejection: the link is fine, retrying the
			// same request cannot help.
			return err
		}

		c.stats.LinkErrors++
		c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("Link error")

		// Never connect over a possibly-open link: drop it first.
		// dropLink observes its own failure.
		_ = c.dropLink()

		if attempt >= c.policy.Retries {
			return err
		}
		c.stats.Retries++
		if sleepErr := c.sleep(ctx, c.policy.Backoff<<attempt); sleepErr != nil {
			return &transport.LinkError{Op: op, Err: sleepErr}
		}
	}
}

// ensureOpen makes the session usable, performing at most one reconnect. A
// session already open is used as-is.
func (c *Conn) ensureOpen(ctx context.Context) error {
	if c.session.IsOpen() {
		return nil
	}
	if err := c.session.Connect(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("Reconnect failed")
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.stats.Reconnects++
	return nil
}

// dropLink closes the session and reports the outcome. Swallowing close
// failures is how long retry sessions exhaust file handles, so the caller
// always gets to see the error.
func (c *Conn) dropLink() error {
	err := c.session.Close()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Close failed")
	}
	return err
}
