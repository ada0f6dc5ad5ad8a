package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/ranya-runtime/internal/daemon"
	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/harun/ranya-runtime/pkg/jobs"
	"github.com/harun/ranya-runtime/pkg/session"
	"github.com/spf13/cobra"
)

const chatHelp = `Start an interactive chat. Plain lines go to the active session.
Commands:
  /new [label]      create a session in the background
  /switch <id>      make a session active and replay what it buffered
  /close [id]       close a session (the active one by default)
  /list             list live sessions
  /jobs             list this session's background jobs
  /cancel <job-id>  cancel a background job
  /interrupt        stop the active turn (also Ctrl-C)
  /quit             exit`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive multi-session chat",
	Long:  chatHelp,
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// chatSessions is the multiplexer surface the REPL drives
type chatSessions interface {
	OnChunk(handler func(engine.StreamEvent))
	OnError(handler func(session.SessionError))
	CreateSession(ctx context.Context, opts session.CreateOptions) (session.Session, error)
	SwitchSession(ctx context.Context, id string) error
	CloseSession(ctx context.Context, id string) error
	ListSessions() []session.Session
	Active() (session.Session, bool)
	Send(ctx context.Context, id, message string) error
	InterruptSession(id string) error
}

// chatJobs is the job manager surface the REPL drives
type chatJobs interface {
	ListJobs(sessionID string) ([]*jobs.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration (run 'ranya configure'): %w", err)
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{ConfigPath: configPathFor(cfgFile)})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = d.Stop(stopCtx)
	}()

	cwd, _ := os.Getwd()
	r := newREPL(d.Sessions(), d.Jobs(), cmd.OutOrStdout(), cwd)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			r.interrupt()
		}
	}()

	return r.run(ctx, cmd.InOrStdin())
}

// repl reads lines and renders the active session's events
type repl struct {
	sessions chatSessions
	jobs     chatJobs
	cwd      string

	outMu sync.Mutex
	out   io.Writer

	// turnDone is signalled when the active session finishes a turn
	turnDone chan struct{}
}

func newREPL(sessions chatSessions, jobs chatJobs, out io.Writer, cwd string) *repl {
	r := &repl{
		sessions: sessions,
		jobs:     jobs,
		cwd:      cwd,
		out:      out,
		turnDone: make(chan struct{}, 1),
	}
	sessions.OnChunk(r.render)
	sessions.OnError(func(serr session.SessionError) {
		r.printf("\n[error] %v\n", serr)
		r.signalTurnDone()
	})
	return r
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) signalTurnDone() {
	select {
	case r.turnDone <- struct{}{}:
	default:
	}
}

func (r *repl) render(ev engine.StreamEvent) {
	switch ev.Kind {
	case engine.EventText:
		r.printf("%s", ev.Text)
	case engine.EventToolUse:
		r.printf("\n[tool] %s\n", ev.ToolName)
	case engine.EventToolResult:
		marker := "result"
		if ev.IsError {
			marker = "tool error"
		}
		r.printf("[%s] %s\n", marker, truncateLine(ev.Text, 200))
	case engine.EventError:
		r.printf("\n[error] %s\n", ev.Error)
	case engine.EventExit:
		r.printf("\n[session %s exited]\n", shortID(ev.SessionID))
	}
	if ev.Kind.IsTerminal() {
		if ev.Kind == engine.EventDone {
			r.printf("\n")
		}
		r.signalTurnDone()
	}
}

func (r *repl) interrupt() {
	active, ok := r.sessions.Active()
	if !ok {
		return
	}
	if err := r.sessions.InterruptSession(active.ID); err != nil {
		r.printf("\n[interrupt failed] %v\n", err)
	}
}

// run reads input until EOF or /quit
func (r *repl) run(ctx context.Context, in io.Reader) error {
	if _, ok := r.sessions.Active(); !ok {
		if _, err := r.sessions.CreateSession(ctx, session.CreateOptions{CWD: r.cwd}); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		r.prompt()
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := r.handle(ctx, line)
		if err != nil {
			r.printf("[error] %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (r *repl) prompt() {
	name := "no session"
	if active, ok := r.sessions.Active(); ok {
		name = active.DisplayName()
	}
	r.printf("%s> ", name)
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, r.send(ctx, line)
	}

	fields := strings.Fields(line)
	arg := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		s, err := r.sessions.CreateSession(ctx, session.CreateOptions{CWD: r.cwd, Label: arg})
		if err != nil {
			return false, err
		}
		r.printf("created session %s\n", s.DisplayName())
	case "/switch":
		id, err := r.resolve(arg)
		if err != nil {
			return false, err
		}
		if err := r.sessions.SwitchSession(ctx, id); err != nil {
			return false, err
		}
	case "/close":
		id, err := r.resolveOrActive(arg)
		if err != nil {
			return false, err
		}
		if err := r.sessions.CloseSession(ctx, id); err != nil {
			return false, err
		}
		r.printf("closed session %s\n", shortID(id))
	case "/list":
		r.list()
	case "/jobs":
		return false, r.listJobs()
	case "/cancel":
		if arg == "" {
			return false, errors.New("usage: /cancel <job-id>")
		}
		cancelled, err := r.jobs.CancelJob(ctx, arg)
		if err != nil {
			return false, err
		}
		if cancelled {
			r.printf("job %s cancelled\n", arg)
		} else {
			r.printf("job %s already finished\n", arg)
		}
	case "/interrupt":
		r.interrupt()
	case "/help":
		r.printf("%s\n", chatHelp)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}

// send queues line on the active session and waits for its turn to end
func (r *repl) send(ctx context.Context, line string) error {
	active, ok := r.sessions.Active()
	if !ok {
		return errors.New("no active session; use /new")
	}

	// Drop a stale signal left by a turn that ended while idle.
	select {
	case <-r.turnDone:
	default:
	}

	if err := r.sessions.Send(ctx, active.ID, line); err != nil {
		return err
	}

	select {
	case <-r.turnDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (r *repl) list() {
	for _, s := range r.sessions.ListSessions() {
		marker := " "
		if s.Active {
			marker = "*"
		}
		state := "idle"
		if s.IsProcessing {
			state = "busy"
		}
		r.printf("%s %s  %-12s %s  buffered=%d\n", marker, shortID(s.ID), s.DisplayName(), state, s.Buffered)
	}
}

func (r *repl) listJobs() error {
	active, ok := r.sessions.Active()
	if !ok {
		return errors.New("no active session")
	}
	list, err := r.jobs.ListJobs(active.ID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		r.printf("no jobs\n")
		return nil
	}
	for _, j := range list {
		r.printf("%s  %-9s %s\n", j.ID, j.Status, truncateLine(j.Command, 60))
	}
	return nil
}

// resolve matches arg against session ids, id prefixes and labels
func (r *repl) resolve(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("session id or label required")
	}
	var matches []string
	for _, s := range r.sessions.ListSessions() {
		if s.ID == arg || s.Label == arg {
			return s.ID, nil
		}
		if strings.HasPrefix(s.ID, arg) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", session.ErrSessionNotFound, arg)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("session prefix %q is ambiguous", arg)
}

func (r *repl) resolveOrActive(arg string) (string, error) {
	if arg != "" {
		return r.resolve(arg)
	}
	active, ok := r.sessions.Active()
	if !ok {
		return "", errors.New("no active session")
	}
	return active.ID, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateLine(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
