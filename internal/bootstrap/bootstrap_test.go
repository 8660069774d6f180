package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-task-platform/internal/config"
	"ai-task-platform/internal/store"
	"ai-task-platform/internal/store/memory"
	"ai-task-platform/internal/store/redisstore"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	b, err := OpenBackend(ctx, config.Config{StorageBackend: config.BackendMemory}, true)
	require.NoError(t, err)
	assert.IsType(t, &memory.Backend{}, b)

	mr := miniredis.RunT(t)
	b, err = OpenBackend(ctx, config.Config{StorageBackend: config.BackendRedis, RedisAddr: mr.Addr()}, true)
	require.NoError(t, err)
	assert.IsType(t, &redisstore.Backend{}, b)
	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Close())

	_, err = OpenBackend(ctx, config.Config{StorageBackend: "cassandra"}, true)
	assert.ErrorContains(t, err, "cassandra")
}

func TestOpenManager(t *testing.T) {
	m, err := OpenManager(context.Background(), config.Config{StorageBackend: config.BackendMemory}, discard())
	require.NoError(t, err)
	require.NoError(t, m.Close())
}

func TestSeedAgents(t *testing.T) {
	ctx := context.Background()
	m := store.NewManager(memory.New(), discard())

	n, err := SeedAgents(ctx, m, "", discard())
	require.NoError(t, err)
	assert.Zero(t, n)

	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - name: Vision Worker
    type: vision
    capabilities: [image_preprocess]
  - id: writer
    name: Writer
    type: llm
    status: idle
`), 0o644))

	n, err = SeedAgents(ctx, m, path, discard())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	agent, found, err := m.GetAgent(ctx, "vision-worker")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"image_preprocess"}, agent.Capabilities)

	n, err = SeedAgents(ctx, m, path, discard())
	require.NoError(t, err)
	assert.Zero(t, n, "existing agents are not re-created")

	_, err = SeedAgents(ctx, m, filepath.Join(t.TempDir(), "missing.yaml"), discard())
	assert.Error(t, err)
}
