package agent

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/stealthpay/gatewayerr"
)

func TestCreateReturnsPlaintextOnceAndHashesAtRest(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	require.NoError(t, err)
	defer reg.Close()

	rec, plaintext, err := reg.Create("agent-1", "owner-1", 1000, 5000, nil)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)
	require.NotEqual(t, plaintext, rec.APIKeyHash)

	found, ok := reg.Authenticate(plaintext)
	require.True(t, ok)
	require.Equal(t, "agent-1", found.AgentID)
}

func TestPausedAgentDeniedBeforeLiquidity(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	require.NoError(t, err)
	defer reg.Close()

	_, _, err = reg.Create("agent-1", "owner-1", 1000, 5000, nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus("agent-1", StatusPaused))

	err = reg.Check("agent-1", "pay", 100)
	require.ErrorIs(t, err, gatewayerr.ErrAgentPolicyDenied)
}

func TestMaxPerTxEnforced(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	require.NoError(t, err)
	defer reg.Close()

	_, _, err = reg.Create("agent-1", "owner-1", 1000, 5000, nil)
	require.NoError(t, err)

	require.NoError(t, reg.Check("agent-1", "pay", 1000))
	err = reg.Check("agent-1", "pay", 1001)
	require.ErrorIs(t, err, gatewayerr.ErrAgentPolicyDenied)
}

func TestDailyLimitEnforcedAcrossSpends(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	require.NoError(t, err)
	defer reg.Close()

	_, _, err = reg.Create("agent-1", "owner-1", 1000, 1500, nil)
	require.NoError(t, err)

	require.NoError(t, reg.Check("agent-1", "pay", 1000))
	require.NoError(t, reg.RecordSpend("agent-1", 1000))

	err = reg.Check("agent-1", "pay", 600)
	require.ErrorIs(t, err, gatewayerr.ErrAgentPolicyDenied)
}

func TestRegenerateInvalidatesPriorKey(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	require.NoError(t, err)
	defer reg.Close()

	_, oldKey, err := reg.Create("agent-1", "owner-1", 1000, 5000, nil)
	require.NoError(t, err)

	newKey, err := reg.Regenerate("agent-1")
	require.NoError(t, err)

	_, ok := reg.Authenticate(oldKey)
	require.False(t, ok)

	_, ok = reg.Authenticate(newKey)
	require.True(t, ok)
}
