package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/connection"
	"github.com/MegaGrindStone/go-mcp-hub/observable"
)

// Stdio starts local server processes and talks to them over stdin/stdout.
// Create instances with NewStdio.
type Stdio struct {
	env         Environment
	logger      *slog.Logger
	stopTimeout time.Duration
	logBuffer   int
}

// StdioOption configures a Stdio delegate.
type StdioOption func(*Stdio)

var defaultStopTimeout = 5 * time.Second

// WithStdioLogger sets the logger of the delegate.
func WithStdioLogger(logger *slog.Logger) StdioOption {
	return func(s *Stdio) {
		s.logger = logger
	}
}

// WithStopTimeout sets how long a stopping process may take to exit after
// its stdin is closed before it is killed.
func WithStopTimeout(timeout time.Duration) StdioOption {
	return func(s *Stdio) {
		s.stopTimeout = timeout
	}
}

// WithStdioEnvironment replaces the environment used for built-in
// substitutions.
func WithStdioEnvironment(env Environment) StdioOption {
	return func(s *Stdio) {
		s.env = env
	}
}

// NewStdio creates a delegate for stdio launches.
func NewStdio(options ...StdioOption) *Stdio {
	s := &Stdio{
		env:         DefaultEnvironment(),
		logger:      slog.Default(),
		stopTimeout: defaultStopTimeout,
		logBuffer:   256,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Priority implements registry.Delegate.
func (s *Stdio) Priority() int { return 0 }

// CanStart implements registry.Delegate.
func (s *Stdio) CanStart(_ mcp.CollectionDefinition, def mcp.ServerDefinition) bool {
	return def.Launch.Type == mcp.LaunchStdio
}

// SubstituteVariables implements registry.Delegate.
func (s *Stdio) SubstituteVariables(ctx context.Context, def mcp.ServerDefinition, launch mcp.Launch) (mcp.Launch, error) {
	return s.env.Substitute(ctx, def, launch)
}

// Start implements registry.Delegate. The process is not bound to ctx; it
// lives until the handle is stopped or disposed.
func (s *Stdio) Start(
	ctx context.Context,
	_ mcp.CollectionDefinition,
	def mcp.ServerDefinition,
	launch mcp.Launch,
	opts connection.StartOptions,
) (mcp.LaunchHandle, error) {
	if launch.Command == "" {
		return nil, errors.Newf("server %s has no command", def.ID)
	}
	logger := s.logger.With(slog.String("server", def.ID))
	if opts.Debug {
		logger.Info("debug mode is not supported for stdio servers, starting normally")
	}

	cmd := exec.Command(launch.Command, launch.Args...)
	cmd.Dir = launch.Cwd
	cmd.Env = mergeEnv(os.Environ(), launch.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}
	// Plain os pipes keep cmd.Wait from closing the readers under the session.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, errors.Wrap(err, "failed to create stderr pipe")
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	p := &process{
		cmd:         cmd,
		stdout:      stdoutR,
		state:       observable.New(mcp.Starting()),
		logs:        newLogStream(s.logBuffer),
		logger:      logger,
		stopTimeout: s.stopTimeout,
		exited:      make(chan struct{}),
	}
	p.logs.push(fmt.Sprintf("Starting server %s: %s", def.Label, commandLine(launch)))

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		_ = stdin.Close()
		return nil, errors.Wrapf(err, "failed to start %s", launch.Command)
	}
	closeAll(stdoutW, stderrW)

	session, err := mcp.NewStdIO(stdoutR, stdin, mcp.WithStdIOLogger(logger)).StartSession(ctx)
	if err != nil {
		_ = cmd.Process.Kill()
		closeAll(stdoutR, stderrR)
		return nil, errors.Wrap(err, "failed to start stdio session")
	}
	p.session = session

	logger.Info("started server process", slog.Int("pid", cmd.Process.Pid))
	p.state.Set(mcp.Running())

	go p.readStderr(stderrR)
	go p.wait()
	return p, nil
}

type process struct {
	cmd     *exec.Cmd
	session mcp.Session
	stdout  *os.File
	state   *observable.Value[mcp.ConnectionState]
	logs    *logStream
	logger  *slog.Logger

	stopTimeout time.Duration
	exited      chan struct{}

	mu       sync.Mutex
	stopping bool
	stopOnce sync.Once
	dispOnce sync.Once
}

func (p *process) State() *observable.Value[mcp.ConnectionState] { return p.state }

func (p *process) Session() mcp.Session { return p.session }

func (p *process) Logs() iter.Seq[string] { return p.logs.seq() }

// Stop closes the process stdin and kills it if it has not exited within
// the stop timeout.
func (p *process) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.mu.Unlock()

		p.session.Stop()
		go func() {
			timer := time.NewTimer(p.stopTimeout)
			defer timer.Stop()
			select {
			case <-p.exited:
			case <-timer.C:
				p.logger.Warn("server did not exit after stdin closed, killing it")
				_ = p.cmd.Process.Kill()
			}
		}()
	})
}

func (p *process) Dispose() {
	p.dispOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.mu.Unlock()

		select {
		case <-p.exited:
		default:
			_ = p.cmd.Process.Kill()
		}
		p.session.Stop()
		_ = p.stdout.Close()
		p.logs.close()
	})
}

func (p *process) readStderr(r io.ReadCloser) {
	defer r.Close()

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			p.logs.push(line)
		}
		if err != nil {
			return
		}
	}
}

func (p *process) wait() {
	err := p.cmd.Wait()
	close(p.exited)

	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()

	next := exitState(err, stopping)
	if next.Kind == mcp.StateError {
		p.logger.Warn("server process exited", slog.String("message", next.Message))
	} else {
		p.logger.Info("server process exited")
	}
	p.logs.push(fmt.Sprintf("Process exited: %s", next))
	p.state.Set(next)
}

func exitState(err error, stopping bool) mcp.ConnectionState {
	if err == nil || stopping {
		return mcp.Stopped("")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return mcp.Errored(fmt.Sprintf("Process exited with code %d", exitErr.ExitCode()), false)
	}
	return mcp.Errored(fmt.Sprintf("Process exited: %v", err), false)
}

// mergeEnv overlays extra on base, dropping the base entries it replaces.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[name]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func commandLine(launch mcp.Launch) string {
	return strings.TrimSpace(launch.Command + " " + strings.Join(launch.Args, " "))
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
