package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	d := createTestDaemon(t, Options{})

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(d.config.DataDir, "ranya.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d := createTestDaemon(t, Options{})
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())

	info, err := os.Stat(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestLifecycleManagerStart_StalePIDIsReplaced(t *testing.T) {
	d := createTestDaemon(t, Options{})
	lm := NewLifecycleManager(d)

	// PIDs this large are never handed out on Linux.
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("99999999"), 0600))
	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := ReadPID(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("abc"), 0600))
	_, err = ReadPID(bad)
	assert.ErrorContains(t, err, "invalid PID file")

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600))
	pid, err := ReadPID(good)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(99999999))
}
