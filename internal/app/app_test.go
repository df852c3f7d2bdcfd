package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rankpulse/rankpulse/internal/config"
)

func TestNewWithMemoryBackends(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Store())
	require.NotNil(t, a.Driver())
	require.NotNil(t, a.Server())
	require.Equal(t, "memory", a.Config().Storage.Backend)
}

func TestNewRejectsUnknownStorageBackend(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "cassandra"

	_, err = New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewRejectsUnknownNotifyBackend(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Notify.Backend = "smoke-signals"

	_, err = New(context.Background(), cfg)
	require.Error(t, err)
}
