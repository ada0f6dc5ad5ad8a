package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "ranya.json")

	loader := NewLoader(configPath)
	cfg := validConfig()
	cfg.DataDir = tmpDir
	require.NoError(t, loader.Save(cfg))

	var mu sync.Mutex
	var reloaded []*Config
	w, err := NewWatcher(loader, 20*time.Millisecond, func(c *Config) {
		mu.Lock()
		defer mu.Unlock()
		reloaded = append(reloaded, c)
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	cfg.Jobs.Connectors = []ConnectorConfig{{Name: "py", Command: []string{"python3", "-c"}, TimeoutMs: 100}}
	require.NoError(t, loader.Save(cfg))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(reloaded) == 0 {
			return false
		}
		last := reloaded[len(reloaded)-1]
		return len(last.Jobs.Connectors) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "ranya.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0600))

	calls := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(configPath), 10*time.Millisecond, func(c *Config) { calls <- c }, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "loud"}}`), 0600))

	select {
	case <-calls:
		t.Fatal("invalid config was applied")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(NewLoader(filepath.Join(t.TempDir(), "ranya.json")), 0, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	assert.NotPanics(t, func() { _ = w.Stop() })
}
