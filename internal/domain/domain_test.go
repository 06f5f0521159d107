package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundial-energy/go-sunwatch/internal/decode"
	"github.com/sundial-energy/go-sunwatch/internal/detect"
	"github.com/sundial-energy/go-sunwatch/internal/register"
	"github.com/sundial-energy/go-sunwatch/internal/resilience"
)

func testSnap(t *testing.T) *decode.Snapshot {
	t.Helper()
	m, err := register.New("t", register.Modern, []register.Descriptor{
		{Address: 588, Name: "battery_soc", Scale: 1, Unit: "%"},
	}, nil)
	require.NoError(t, err)
	return decode.Decode(map[uint16]uint16{588: 76}, m, register.Holding)
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewDeviceRegistry()
	r.Register("garage", "10.0.0.5:8899")

	status, ok := r.Status("garage")
	require.True(t, ok)
	assert.Equal(t, "garage", status.ID)
	assert.Equal(t, "10.0.0.5:8899", status.Addr)
	assert.Equal(t, "none", status.Confidence)
	assert.Zero(t, status.Cycles)

	_, ok = r.Snapshot("garage")
	require.True(t, ok)

	id := detect.Identity{Family: register.FamilySG04LP3, Confidence: detect.High, Method: "device_type_code"}
	r.SetIdentity("garage", id, "SUN-12K-SG04LP3")

	status, _ = r.Status("garage")
	assert.Equal(t, register.FamilySG04LP3, status.Family)
	assert.Equal(t, "high", status.Confidence)
	assert.Equal(t, "SUN-12K-SG04LP3", status.Model)

	got, ok := r.Identity("garage")
	require.True(t, ok)
	assert.Equal(t, id.Family, got.Family)
}

func TestRegistryRecordCycleAndError(t *testing.T) {
	r := NewDeviceRegistry()
	r.Register("garage", "10.0.0.5:8899")

	snap := testSnap(t)
	r.RecordCycle("garage", snap, resilience.Stats{Reads: 3})

	status, _ := r.Status("garage")
	assert.Equal(t, int64(1), status.Cycles)
	assert.Empty(t, status.LastError)
	assert.False(t, status.LastCycle.IsZero())
	assert.Equal(t, int64(3), status.Link.Reads)

	stored, ok := r.Snapshot("garage")
	require.True(t, ok)
	require.NotNil(t, stored)
	v, ok := stored.Get("battery_soc")
	require.True(t, ok)
	assert.Equal(t, 76.0, v.Value)

	// A failed cycle keeps the last good snapshot around.
	r.RecordError("garage", errors.New("link down"), resilience.Stats{Reads: 3, LinkErrors: 1})
	status, _ = r.Status("garage")
	assert.Equal(t, "link down", status.LastError)
	assert.Equal(t, int64(1), status.Cycles)
	stored, _ = r.Snapshot("garage")
	assert.NotNil(t, stored)
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewDeviceRegistry()
	r.Register("roof", "10.0.0.6:8899")
	r.Register("garage", "10.0.0.5:8899")

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "garage", all[0].ID)
	assert.Equal(t, "roof", all[1].ID)
	assert.Equal(t, 2, r.Count())
}

func TestRegistryUnknownDevice(t *testing.T) {
	r := NewDeviceRegistry()

	_, ok := r.Status("nope")
	assert.False(t, ok)
	_, ok = r.Snapshot("nope")
	assert.False(t, ok)

	// Updates for unknown devices are dropped, not panics.
	assert.NotPanics(t, func() {
		r.SetIdentity("nope", detect.Identity{}, "")
		r.RecordCycle("nope", nil, resilience.Stats{})
		r.RecordError("nope", errors.New("x"), resilience.Stats{})
	})
}
