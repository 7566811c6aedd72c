package rga_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speters/rgad/rga"
	"github.com/speters/rgad/rga/rgatest"
)

func TestTurnOnFilament(t *testing.T) {
	sim := rgatest.New()
	sim.WarmupPolls = 2
	s := openSession(t, sim)
	ctx := context.Background()

	require.NoError(t, s.TurnOnFilament(ctx))
	assert.Equal(t, rga.FilamentOn, s.Filament())
	assert.Equal(t, []string{"FL1", "FL?", "FL?", "FL?"}, sim.Writes())
	assert.Equal(t, 1.0, sim.Emission())
}

func TestTurnOnFilamentIdempotent(t *testing.T) {
	sim := rgatest.New()
	sim.WarmupPolls = 1
	s := openSession(t, sim)
	ctx := context.Background()

	require.NoError(t, s.TurnOnFilament(ctx))
	sim.ClearWrites()

	require.NoError(t, s.TurnOnFilament(ctx))
	assert.Equal(t, []string{"FL?"}, sim.Writes())
	assert.Equal(t, rga.FilamentOn, s.Filament())
}

func TestTurnOffFilamentIdempotent(t *testing.T) {
	sim := rgatest.New()
	s := openSession(t, sim)

	require.NoError(t, s.TurnOffFilament(context.Background()))
	assert.Equal(t, []string{"FL?"}, sim.Writes())
	assert.Equal(t, rga.FilamentOff, s.Filament())
}

func TestFilamentEmissionSetpoint(t *testing.T) {
	sim := rgatest.New()
	s := openSession(t, sim)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "emission_current", 0.5))
	assert.Empty(t, sim.Writes())

	require.NoError(t, s.TurnOnFilament(ctx))
	assert.Equal(t, "FL0.5", sim.Writes()[0])

	require.NoError(t, s.TurnOffFilament(ctx))
	assert.Equal(t, rga.FilamentOff, s.Filament())
	assert.Equal(t, 0.0, sim.Emission())
	assert.Equal(t, 1, sim.Count("FL0"))
}

func TestFilamentZeroSetpoint(t *testing.T) {
	sim := rgatest.New()
	s := openSession(t, sim)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "emission_current", 0))
	assert.ErrorIs(t, s.TurnOnFilament(ctx), rga.ErrInvalidParameter)
	assert.Empty(t, sim.Writes())
}

func TestFilamentTimeout(t *testing.T) {
	sim := rgatest.New()
	sim.WarmupPolls = 100
	s := openSession(t, sim)

	err := s.TurnOnFilament(context.Background())
	assert.ErrorIs(t, err, rga.ErrFilamentTimeout)
	assert.Equal(t, rga.FilamentOff, s.Filament())
	assert.Equal(t, rga.StateReady, s.State())
	// action plus the configured number of polls
	assert.Len(t, sim.Writes(), 1+5)
}

func TestFilamentTurnOffTimeoutKeepsState(t *testing.T) {
	sim := rgatest.New()
	sim.SetEmission(1)
	s := openSession(t, sim)
	require.Equal(t, rga.FilamentOn, s.Filament())

	sim.Ignore["FL"] = true
	err := s.TurnOffFilament(context.Background())
	assert.ErrorIs(t, err, rga.ErrFilamentTimeout)
	assert.Equal(t, rga.FilamentOn, s.Filament())
}

func TestFilamentFault(t *testing.T) {
	sim := rgatest.New()
	s := openSession(t, sim)

	sim.Status = 1 << 1
	err := s.TurnOnFilament(context.Background())
	assert.ErrorIs(t, err, rga.ErrDeviceFault)
	assert.Equal(t, rga.FilamentOff, s.Filament())
}

func TestFilamentReverifiesStaleState(t *testing.T) {
	sim := rgatest.New()
	s := openSession(t, sim)
	ctx := context.Background()
	require.NoError(t, s.TurnOnFilament(ctx))

	// the filament tripped behind our back
	sim.SetEmission(0)
	sim.ClearWrites()

	require.NoError(t, s.TurnOnFilament(ctx))
	assert.Equal(t, []string{"FL?", "FL1", "FL?"}, sim.Writes())
}
