package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxCapturedOutput bounds how much stdout/stderr a job keeps
const maxCapturedOutput = 1 << 20

// SpawnOptions configures a spawned process
type SpawnOptions struct {
	Dir   string
	Env   map[string]string
	Stdin []byte
}

// ExitStatus is what a process reports when it ends
type ExitStatus struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Process is a running external command
type Process interface {
	// Wait blocks until the process exits
	Wait() (ExitStatus, error)

	// Kill signals the process to stop. It does not wait for exit.
	Kill() error
}

// Spawner starts external processes
type Spawner interface {
	Spawn(ctx context.Context, argv []string, opts SpawnOptions) (Process, error)
}

// ExecSpawner spawns host processes with os/exec
type ExecSpawner struct {
	// WaitDelay bounds how long Wait keeps reading output after a kill
	WaitDelay time.Duration
	logger    zerolog.Logger
}

// NewExecSpawner creates a spawner for host processes
func NewExecSpawner(logger zerolog.Logger) *ExecSpawner {
	return &ExecSpawner{
		WaitDelay: 2 * time.Second,
		logger:    logger.With().Str("component", "exec-spawner").Logger(),
	}
}

// Spawn starts argv. The process is not bound to ctx; callers stop it with Kill.
func (s *ExecSpawner) Spawn(ctx context.Context, argv []string, opts SpawnOptions) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnvironment(opts.Env)
	cmd.WaitDelay = s.WaitDelay
	setProcessGroup(cmd)

	p := &execProcess{
		cmd:    cmd,
		stdout: &limitedBuffer{limit: maxCapturedOutput},
		stderr: &limitedBuffer{limit: maxCapturedOutput},
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	if len(opts.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	s.logger.Debug().
		Strs("argv", argv).
		Int("pid", cmd.Process.Pid).
		Msg("Process spawned")

	return p, nil
}

// buildEnvironment keeps PATH and HOME from the host and adds env on top
func buildEnvironment(env map[string]string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = os.TempDir()
	}

	result := []string{
		"PATH=" + path,
		"HOME=" + home,
	}
	for key, value := range env {
		result = append(result, fmt.Sprintf("%s=%s", key, value))
	}
	return result
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *limitedBuffer
	stderr *limitedBuffer
}

func (p *execProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()

	status := ExitStatus{
		Stdout: p.stdout.String(),
		Stderr: p.stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.ExitCode = exitErr.ExitCode()
			return status, nil
		}
		status.ExitCode = -1
		return status, err
	}

	return status, nil
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return killProcessGroup(p.cmd)
}

// limitedBuffer keeps the first limit bytes written to it
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
