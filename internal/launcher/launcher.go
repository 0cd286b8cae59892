// Package launcher spawns and reaps the CLI child processes behind primary
// sessions. It owns process lifecycle only; all protocol handling stays in
// the bridge, which reaches the launcher exclusively through registered
// callbacks.
package launcher

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/companion-dev/companion/internal/bridge"
	"github.com/companion-dev/companion/internal/logging"
)

// healthyRunThreshold is how long a process must stay up before its
// session's relaunch backoff resets.
const healthyRunThreshold = 30 * time.Second

// Config holds launcher configuration.
type Config struct {
	// Command is the CLI invocation, argv style. A known CLI-internal
	// session id is appended as "--resume <id>" on relaunch.
	Command []string
	// Dir is the default working directory for spawned processes.
	Dir string
}

// Launcher spawns CLI processes and feeds their stdio through the bridge.
type Launcher struct {
	cfg Config
	reg *bridge.Registry
	log zerolog.Logger

	mu     sync.Mutex
	procs  map[string]*proc
	cliIDs map[string]string
	retry  map[string]*backoff.ExponentialBackOff
}

type proc struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started time.Time
}

// New creates a launcher and registers its callbacks with the registry.
func New(cfg Config, reg *bridge.Registry) *Launcher {
	l := &Launcher{
		cfg:    cfg,
		reg:    reg,
		log:    logging.With().Str("component", "launcher").Logger(),
		procs:  make(map[string]*proc),
		cliIDs: make(map[string]string),
		retry:  make(map[string]*backoff.ExponentialBackOff),
	}
	hooks := reg.Hooks()
	hooks.RegisterCLISessionID(l.rememberCLISessionID)
	hooks.RegisterRelaunch(l.Relaunch)
	return l
}

func (l *Launcher) rememberCLISessionID(sessionID, cliSessionID string) {
	l.mu.Lock()
	l.cliIDs[sessionID] = cliSessionID
	l.mu.Unlock()
}

// Launch starts the CLI process for a session. A process already running
// for the session is left alone.
func (l *Launcher) Launch(sessionID string) error {
	l.mu.Lock()
	if _, running := l.procs[sessionID]; running {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.spawn(sessionID)
}

// Relaunch restarts the CLI under the session's backoff policy. Invoked by
// the bridge when a session with attached browsers loses its upstream.
func (l *Launcher) Relaunch(sessionID string) {
	l.mu.Lock()
	if _, running := l.procs[sessionID]; running {
		l.mu.Unlock()
		return
	}
	bo, ok := l.retry[sessionID]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0
		l.retry[sessionID] = bo
	}
	delay := bo.NextBackOff()
	l.mu.Unlock()

	l.log.Info().Str("session_id", sessionID).Dur("delay", delay).Msg("scheduling relaunch")
	time.AfterFunc(delay, func() {
		if err := l.Launch(sessionID); err != nil {
			l.log.Error().Str("session_id", sessionID).Err(err).Msg("relaunch failed")
		}
	})
}

func (l *Launcher) spawn(sessionID string) error {
	sess, ok := l.reg.Get(sessionID)
	if !ok {
		return bridge.ErrSessionNotFound
	}

	argv := append([]string(nil), l.cfg.Command...)
	l.mu.Lock()
	if cliID := l.cliIDs[sessionID]; cliID != "" {
		argv = append(argv, "--resume", cliID)
	}
	l.mu.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	if cwd := sess.State().Cwd; cwd != "" {
		cmd.Dir = cwd
	} else if l.cfg.Dir != "" {
		cmd.Dir = l.cfg.Dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	p := &proc{cmd: cmd, stdin: stdin, started: time.Now()}
	l.mu.Lock()
	l.procs[sessionID] = p
	l.mu.Unlock()

	l.log.Info().Str("session_id", sessionID).Int("pid", cmd.Process.Pid).Msg("CLI process started")
	sess.HandleCLIOpen(&pipeSocket{stdin: stdin})

	go l.pump(sessionID, sess, stdout)
	go l.reap(sessionID, sess, p)
	return nil
}

// pump feeds stdout chunks into the session's ingress until EOF.
func (l *Launcher) pump(sessionID string, sess *bridge.Session, stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			sess.HandleCLIData(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				l.log.Warn().Str("session_id", sessionID).Err(err).Msg("stdout read failed")
			}
			return
		}
	}
}

// reap waits for exit, resets backoff after a healthy run, and tells the
// bridge the upstream is gone.
func (l *Launcher) reap(sessionID string, sess *bridge.Session, p *proc) {
	err := p.cmd.Wait()

	l.mu.Lock()
	delete(l.procs, sessionID)
	if time.Since(p.started) >= healthyRunThreshold {
		delete(l.retry, sessionID)
	}
	l.mu.Unlock()

	if err != nil {
		l.log.Warn().Str("session_id", sessionID).Err(err).Msg("CLI process exited")
	} else {
		l.log.Info().Str("session_id", sessionID).Msg("CLI process exited")
	}
	sess.HandleCLIClose()
}

// Stop kills the process for a session, if any.
func (l *Launcher) Stop(sessionID string) {
	l.mu.Lock()
	p, ok := l.procs[sessionID]
	delete(l.procs, sessionID)
	l.mu.Unlock()
	if !ok {
		return
	}
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// StopAll kills every running process. Used at shutdown.
func (l *Launcher) StopAll() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		l.Stop(id)
	}
}

// pipeSocket adapts the child's stdin to the bridge Socket interface.
type pipeSocket struct {
	mu    sync.Mutex
	stdin io.WriteCloser
}

func (p *pipeSocket) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.stdin.Write(data)
	return err
}

func (p *pipeSocket) Close() error {
	return p.stdin.Close()
}
