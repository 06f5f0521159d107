package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundial-energy/go-sunwatch/internal/register"
	"github.com/sundial-energy/go-sunwatch/internal/transport"
)

// fakeSession records the call sequence and plays back scripted results.
type fakeSession struct {
	open        bool
	calls       []string
	connectErrs []error
	readErrs    []error
	writeErrs   []error
	closeErr    error
	words       []uint16
}

func (f *fakeSession) pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeSession) Connect(_ context.Context) error {
	f.calls = append(f.calls, "connect")
	if err := f.pop(&f.connectErrs); err != nil {
		return err
	}
	f.open = true
	return nil
}

func (f *fakeSession) Close() error {
	f.calls = append(f.calls, "close")
	f.open = false
	return f.closeErr
}

func (f *fakeSession) IsOpen() bool { return f.open }

func (f *fakeSession) ReadRegisters(_ context.Context, _ register.Class, _, count uint16) ([]uint16, error) {
	f.calls = append(f.calls, "read")
	if err := f.pop(&f.readErrs); err != nil {
		return nil, err
	}
	if f.words != nil {
		return f.words, nil
	}
	return make([]uint16, count), nil
}

func (f *fakeSession) WriteRegister(_ context.Context, _ register.Class, _, _ uint16) error {
	f.calls = append(f.calls, "write")
	return f.pop(&f.writeErrs)
}

func newTestConn(s *fakeSession, policy Policy, groups ...*WriteGroup) *Conn {
	c := New(s, policy, groups...)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func linkErr() error { return &transport.LinkError{Op: "read", Err: errors.New("timeout")} }

func TestReadConnectsClosedSessionOnce(t *testing.T) {
	s := &fakeSession{}
	c := newTestConn(s, DefaultPolicy())

	_, err := c.ReadRegisters(context.Background(), register.Holding, 500, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"connect", "read"}, s.calls)
}

func TestReadOnOpenSessionSkipsConnect(t *testing.T) {
	s := &fakeSession{open: true}
	c := newTestConn(s, DefaultPolicy())

	_, err := c.ReadRegisters(context.Background(), register.Holding, 500, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, s.calls, "no redundant double-open")
}

func TestReconnectFailureIsNotConnected(t *testing.T) {
	s := &fakeSession{connectErrs: []error{errors.New("refused")}}
	c := newTestConn(s, DefaultPolicy())

	_, err := c.ReadRegisters(context.Background(), register.Holding, 500, 4)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, []string{"connect"}, s.calls, "operation must not silently no-op")
}

func TestRetryDisconnectsBeforeReconnect(t *testing.T) {
	s := &fakeSession{readErrs: []error{linkErr()}}
	c := newTestConn(s, Policy{Retries: 2, Backoff: time.Millisecond})

	_, err := c.ReadRegisters(context.Background(), register.Holding, 500, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"connect", "read", "close", "connect", "read"}, s.calls)
	assert.Equal(t, int64(1), c.Stats().Retries)
}

func TestRetriesAreBounded(t *testing.T) {
	s := &fakeSession{readErrs: []error{linkErr(), linkErr(), linkErr()}}
	c := newTestConn(s, Policy{Retries: 2, Backoff: time.Millisecond})

	_, err := c.ReadRegisters(context.Background(), register.Holding, 500, 4)
	require.Error(t, err)
	assert.True(t, transport.IsLinkError(err))
	// Three attempts, each followed by an explicit disconnect.
	assert.Equal(t, []string{
		"connect", "read", "close",
		"connect", "read", "close",
		"connect", "read", "close",
	}, s.calls)
}

func TestCloseFailureDoesNotAbortRetry(t *testing.T) {
	s := &fakeSession{readErrs: []error{linkErr()}, closeErr: errors.New("already closed")}
	c := newTestConn(s, Policy{Retries: 1, Backoff: time.Millisecond})

	_, err := c.ReadRegisters(context.Background(), register.Holding, 500, 4)
	require.NoError(t, err)
	assert.Contains(t, s.calls, "close")
}

func TestProtocolErrorIsNotRetried(t *testing.T) {
	s := &fakeSession{readErrs: []error{&transport.ProtocolError{ExceptionCode: 2, Err: errors.New("illegal data address")}}}
	c := newTestConn(s, Policy{Retries: 3, Backoff: time.Millisecond})

	_, err := c.ReadRegisters(context.Background(), register.Holding, 500, 4)
	require.Error(t, err)
	assert.True(t, transport.IsProtocolError(err))
	assert.Equal(t, []string{"connect", "read"}, s.calls)
}

func TestWriteRejectedOnDeviceException(t *testing.T) {
	s := &fakeSession{open: true, writeErrs: []error{&transport.ProtocolError{ExceptionCode: 3, Err: errors.New("illegal data value")}}}
	c := newTestConn(s, DefaultPolicy())

	_, err := c.WriteRegister(context.Background(), register.Holding, 141, 1)
	var rejected *WriteRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Zero(t, rejected.RetryAfter)
	assert.Equal(t, []string{"write"}, s.calls, "no retry on protocol rejection")
}

func TestWriteRateLimiting(t *testing.T) {
	s := &fakeSession{open: true}
	group := NewWriteGroup("control", 30*time.Second, []Addr{
		{Class: register.Holding, Address: 141},
		{Class: register.Holding, Address: 142},
	})
	c := newTestConn(s, DefaultPolicy(), group)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	receipt, err := c.WriteRegister(context.Background(), register.Holding, 141, 1)
	require.NoError(t, err)
	assert.Nil(t, receipt.Previous)

	// Second write inside the interval, to any register of the group.
	now = now.Add(10 * time.Second)
	_, err = c.WriteRegister(context.Background(), register.Holding, 142, 5)
	var rejected *WriteRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 20*time.Second, rejected.RetryAfter)
	assert.Equal(t, []string{"write"}, s.calls, "rejected write touches no transport")

	// After the interval the group accepts again and reports the last
	// accepted value for the same register.
	now = now.Add(25 * time.Second)
	receipt, err = c.WriteRegister(context.Background(), register.Holding, 141, 2)
	require.NoError(t, err)
	require.NotNil(t, receipt.Previous)
	assert.Equal(t, uint16(1), *receipt.Previous)
}

func TestUnlimitedRegisterIgnoresGroups(t *testing.T) {
	s := &fakeSession{open: true}
	group := NewWriteGroup("control", time.Hour, []Addr{{Class: register.Holding, Address: 141}})
	c := newTestConn(s, DefaultPolicy(), group)

	for i := 0; i < 3; i++ {
		_, err := c.WriteRegister(context.Background(), register.Holding, 999, uint16(i))
		require.NoError(t, err)
	}
}

func TestDisconnectBetweenCycles(t *testing.T) {
	s := &fakeSession{open: true}
	c := newTestConn(s, DefaultPolicy())

	c.Disconnect()
	assert.Equal(t, []string{"close"}, s.calls)

	// Idempotent on an already-closed session.
	c.Disconnect()
	assert.Equal(t, []string{"close"}, s.calls)
}
