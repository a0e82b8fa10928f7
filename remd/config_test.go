package remd

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devices(ids ...string) []DeviceID {
	out := make([]DeviceID, len(ids))
	for i, id := range ids {
		out[i] = DeviceID(id)
	}
	return out
}

func TestResolve_ExplicitRanksAboveCapacity_CapacityExceeded(t *testing.T) {
	// GIVEN two devices, one rank per device, and an explicit request for 5 ranks
	in := ResolveInput{Devices: devices("0", "1"), RanksPerDevice: 1, ExplicitRanks: 5}

	// WHEN the configuration is resolved without oversubscription
	_, err := Resolve(in)

	// THEN resolution fails with CapacityExceededError before any rank is assigned
	var capErr *CapacityExceededError
	require.True(t, errors.As(err, &capErr), "expected CapacityExceededError, got %v", err)
	assert.Equal(t, 5, capErr.Requested)
	assert.Equal(t, 2, capErr.Capacity)
	assert.Equal(t, ExitCapacityExceeded, ExitCode(err))
}

func TestResolve_ExplicitRanksAboveCapacity_OversubscribeAllowed(t *testing.T) {
	in := ResolveInput{Devices: devices("0", "1"), RanksPerDevice: 1, ExplicitRanks: 5, AllowOversubscribe: true}

	cfg, err := Resolve(in)

	require.NoError(t, err)
	assert.Equal(t, 5, cfg.TotalRanks)
	assert.True(t, cfg.AllowOversubscribe)
}

func TestResolve_CapacityProperty_AllOverCapacityRequestsRejected(t *testing.T) {
	// For every (devices, perDevice, requested) with requested > capacity,
	// resolution must fail unless oversubscription is allowed.
	for nDev := 1; nDev <= 4; nDev++ {
		ids := make([]string, nDev)
		for i := range ids {
			ids[i] = string(rune('a' + i))
		}
		for per := 1; per <= 3; per++ {
			capacity := nDev * per
			for req := capacity + 1; req <= capacity+3; req++ {
				_, err := Resolve(ResolveInput{Devices: devices(ids...), RanksPerDevice: per, ExplicitRanks: req})
				var capErr *CapacityExceededError
				assert.True(t, errors.As(err, &capErr), "devices=%d per=%d req=%d", nDev, per, req)
			}
		}
	}
}

func TestResolve_NoOverride_TakesMinOfDefaultAndCapacity(t *testing.T) {
	tests := []struct {
		name         string
		defaultRanks int
		want         int
	}{
		{"default below capacity", 3, 3},
		{"default above capacity is clamped", 30, 4},
		{"no default fills capacity", 0, 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Resolve(ResolveInput{Devices: devices("0", "1"), RanksPerDevice: 2, DefaultRanks: tc.defaultRanks})
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.TotalRanks)
		})
	}
}

func TestResolve_InvalidInputs_ConfigurationError(t *testing.T) {
	tests := []struct {
		name string
		in   ResolveInput
	}{
		{"empty device list", ResolveInput{RanksPerDevice: 1}},
		{"blank device id", ResolveInput{Devices: devices("0", " "), RanksPerDevice: 1}},
		{"duplicate device", ResolveInput{Devices: devices("0", "0"), RanksPerDevice: 1}},
		{"zero ranks per device", ResolveInput{Devices: devices("0")}},
		{"negative ranks", ResolveInput{Devices: devices("0"), RanksPerDevice: 1, ExplicitRanks: -1}},
		{"unknown merge policy", ResolveInput{Devices: devices("0"), RanksPerDevice: 1, MergePolicy: "clobber"}},
		{"unknown rotation owner", ResolveInput{Devices: devices("0"), RanksPerDevice: 1, RotationOwner: "all"}},
		{"unknown barrier", ResolveInput{Devices: devices("0"), RanksPerDevice: 1, Barrier: "redis"}},
		{"negative rotation", ResolveInput{Devices: devices("0"), RanksPerDevice: 1, RotationIntervalSeconds: -5}},
		{"reinit and clean", ResolveInput{Devices: devices("0"), RanksPerDevice: 1, ForceReinit: true, CleanData: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(tc.in)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
			assert.Equal(t, ExitConfiguration, ExitCode(err))
		})
	}
}

func TestResolve_Defaults(t *testing.T) {
	cfg, err := Resolve(ResolveInput{Devices: devices("0"), RanksPerDevice: 1})
	require.NoError(t, err)

	assert.Equal(t, DefaultRunTag, cfg.RunTag)
	assert.Equal(t, MergeSkip, cfg.MergePolicy)
	assert.Equal(t, RotateGlobalLeader, cfg.RotationOwner)
	assert.Equal(t, BarrierFile, cfg.Barrier)
	assert.Equal(t, 600, cfg.RotationIntervalSeconds)
	assert.Equal(t, 10*time.Minute, cfg.RotationInterval())
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 180*time.Second, cfg.BootstrapTimeout)
	assert.Equal(t, 3, cfg.CheckpointKeep)
	assert.Equal(t, 1, cfg.Capacity())
}

func TestResolve_TrimsDeviceIDs(t *testing.T) {
	cfg, err := Resolve(ResolveInput{Devices: devices(" 2", "3 "), RanksPerDevice: 1})
	require.NoError(t, err)
	assert.Equal(t, devices("2", "3"), cfg.Devices)
}

func TestIsValidPolicies(t *testing.T) {
	assert.True(t, IsValidMergePolicy("skip"))
	assert.True(t, IsValidMergePolicy("overwrite"))
	assert.True(t, IsValidMergePolicy("fail"))
	assert.False(t, IsValidMergePolicy("merge"))
	assert.True(t, IsValidRotationOwner("device"))
	assert.False(t, IsValidRotationOwner(""))
	assert.True(t, IsValidBarrierBackend("watch"))
	assert.False(t, IsValidBarrierBackend("lock"))
}
