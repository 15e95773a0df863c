package sharedcfg

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvaspix/internal/events"
)

func TestUpdateAppliesNewerVersionsOnly(t *testing.T) {
	bus := events.NewLocal(zerolog.Nop())
	s := New(bus, Values{CooldownFactor: 1}, nil, zerolog.Nop())

	require.NoError(t, s.Update(func(v *Values) { v.CooldownFactor = 2 }))
	assert.Equal(t, 2.0, s.CooldownFactor())
	v1 := s.Values().Version

	require.NoError(t, bus.Emit(events.SharedConfig, Values{Version: v1 - 1, CooldownFactor: 9, VerificationRequired: true}))
	assert.Equal(t, 2.0, s.CooldownFactor(), "older version ignored")
	assert.False(t, s.VerificationRequired())

	require.NoError(t, s.Update(func(v *Values) { v.VerificationRequired = true }))
	assert.True(t, s.VerificationRequired())
	assert.Equal(t, 2.0, s.CooldownFactor())
	assert.Greater(t, s.Values().Version, v1)
}

func TestAnnounceConvergesLateJoiner(t *testing.T) {
	bus := events.NewLocal(zerolog.Nop())
	leader := New(bus, Values{CooldownFactor: 1}, nil, zerolog.Nop())
	require.NoError(t, leader.Update(func(v *Values) { v.CooldownFactor = 3 }))

	var seen Values
	bus.On(events.SharedConfig, func(p json.RawMessage) { require.NoError(t, json.Unmarshal(p, &seen)) })
	require.NoError(t, leader.Announce())
	assert.Equal(t, leader.Values(), seen)
}

func TestSnapshotPersistsOnLeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	snap, err := OpenSnapshot(path)
	require.NoError(t, err)

	_, ok, err := snap.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	bus := events.NewLocal(zerolog.Nop())
	s := New(bus, Values{CooldownFactor: 1}, snap, zerolog.Nop())
	require.NoError(t, s.Update(func(v *Values) { v.CooldownFactor = 0.5 }))
	require.NoError(t, snap.Close())

	snap, err = OpenSnapshot(path)
	require.NoError(t, err)
	defer snap.Close()
	restored := New(events.NewLocal(zerolog.Nop()), Values{CooldownFactor: 1}, snap, zerolog.Nop())
	require.NoError(t, restored.Restore())
	assert.Equal(t, 0.5, restored.CooldownFactor())
	assert.Equal(t, s.Values(), restored.Values())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Values{CooldownFactor: 0}.Validate())
	assert.Error(t, Values{CooldownFactor: -1}.Validate())
}

func TestInvalidValuesAreRejected(t *testing.T) {
	bus := events.NewLocal(zerolog.Nop())
	s := New(bus, Values{Version: 1, CooldownFactor: 1}, nil, zerolog.Nop())

	assert.Error(t, s.Update(func(v *Values) { v.CooldownFactor = -2 }))
	assert.Equal(t, Values{Version: 1, CooldownFactor: 1}, s.Values())

	require.NoError(t, bus.Emit(events.SharedConfig, Values{Version: 99, CooldownFactor: -1}))
	assert.Equal(t, Values{Version: 1, CooldownFactor: 1}, s.Values(), "a peer's invalid event is dropped")
}
