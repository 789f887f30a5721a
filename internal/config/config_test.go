package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	require.False(t, cfg.PeerRemoteHost)
	require.True(t, cfg.CooperativeLogout)
	require.Equal(t, time.Second, cfg.CheckAliveThreshold)
	require.Equal(t, 20*time.Second, cfg.CleaningInterval)
	require.Equal(t, 100*time.Millisecond, cfg.PeerPenalty)
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	require.Equal(t, time.Minute, cfg.IOTimeout)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PEERSHARE_CHECK_ALIVE_THRESHOLD", "250")
	t.Setenv("PEERSHARE_PEER_REMOTE_HOST", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.CheckAliveThreshold)
	require.True(t, cfg.PeerRemoteHost)
}
