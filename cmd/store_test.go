package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-converter/internal/config"
)

func TestInitStore_None(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "none"}}
	t.Cleanup(func() { cfg = nil })

	st, err := initStore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = requireStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run history is disabled")
}

func TestInitStore_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "runs.db")
	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: dsn}}
	t.Cleanup(func() { cfg = nil })

	ctx := context.Background()
	st, err := requireStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	run, err := st.CreateRun(ctx, "leads.csv", "pixel-1")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mongo"}}
	t.Cleanup(func() { cfg = nil })

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver: mongo")
}
