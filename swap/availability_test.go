package swap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/swap-engine/swap"
)

func TestAvailability_CountsPerModel(t *testing.T) {
	// GIVEN: B101 full, B102 charging (LFP 48V), B103 full (NMC 60V); B101 then reserved
	// WHEN: Resolving station availability
	// THEN: Counts reflect the reservation; in-vehicle batteries are not counted

	env := newTestEnv(t)
	env.holdWallet(t, "bk-1", "bat-101", 1000)

	avail, err := swap.AvailabilityResolver{}.Resolve(env.ctx, env.store, station)
	require.NoError(t, err)

	require.Len(t, avail.Models, 2)
	lfp := avail.Model("lfp 48v")
	assert.Equal(t, swap.ModelAvailability{Model: "LFP 48V", Available: 0, Charging: 1, Reserved: 1, Total: 2}, lfp)
	nmc := avail.Model("NMC 60V")
	assert.Equal(t, 1, nmc.Available)
	assert.Equal(t, 1, nmc.Total)
}

func TestAvailability_UnknownStation(t *testing.T) {
	env := newTestEnv(t)

	avail, err := swap.AvailabilityResolver{}.Resolve(env.ctx, env.store, "nowhere")
	require.NoError(t, err)

	assert.Empty(t, avail.Models)
	assert.Equal(t, 0, avail.Model("LFP 48V").Total)
}

func TestDecodeEvent_UnknownKind(t *testing.T) {
	_, err := swap.DecodeEvent("mystery", []byte(`{}`))
	assert.Error(t, err)
}
