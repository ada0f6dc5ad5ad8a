package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/ranya-runtime/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, configPath string, rec session.Record) {
	t.Helper()

	store, err := session.NewStore(filepath.Join(filepath.Dir(configPath), "data", "sessions"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Save(rec))
}

func TestSessionsList(t *testing.T) {
	path := writeTestConfig(t)

	out, err := runCLI(t, "", "--config", path, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions.")

	now := time.Now()
	seedSession(t, path, session.Record{
		ID: "sess-1", CWD: "/work", Label: "research",
		StartedAt: now, UpdatedAt: now, Status: session.StatusBackground,
	})

	out, err = runCLI(t, "", "--config", path, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "id: sess-1")
	assert.Contains(t, out, "label: research")
	assert.Contains(t, out, "status: background")
}

func TestSessionsPrune(t *testing.T) {
	path := writeTestConfig(t)

	longAgo := time.Now().Add(-365 * 24 * time.Hour)
	seedSession(t, path, session.Record{
		ID: "old-closed", StartedAt: longAgo, UpdatedAt: longAgo, Status: session.StatusClosed,
	})
	seedSession(t, path, session.Record{
		ID: "old-open", StartedAt: longAgo, UpdatedAt: longAgo, Status: session.StatusBackground,
	})

	out, err := runCLI(t, "", "--config", path, "sessions", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 1 session record(s)")

	out, err = runCLI(t, "", "--config", path, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "old-open")
	assert.NotContains(t, out, "old-closed")
}
