// Package agentproc spawns and supervises the per-session agent child
// process: one process per session at most, owned exclusively by that
// session, with output streamed back as session-tagged events.
package agentproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/halden/quarterdeck/internal/config"
	"github.com/halden/quarterdeck/internal/observability"
	"github.com/rs/zerolog/log"
)

// State represents the lifecycle state of a session's agent process
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// ProcessInfo describes a running agent process
type ProcessInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Model     string    `json:"model"`
}

// Options carries per-start overrides
type Options struct {
	Model      string
	Credential string
}

type process struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	info      ProcessInfo
	buffer    *ringBuffer
	scanner   *toolScanner
	state     State
	exited    chan struct{}
	pumpWG    sync.WaitGroup
}

// Supervisor manages agent processes keyed by session id. The registry
// is mutated only here; callers go through the public operations, which
// serialize conflicting start/stop work per session.
type Supervisor struct {
	binary       string
	baseArgs     []string
	defaultModel string
	gracePeriod  time.Duration
	bufferSize   int

	mu      sync.Mutex
	procs   map[string]*process
	keyMu   map[string]*sync.Mutex
	events  chan Event
	closed  bool
	closeMu sync.Mutex
}

// NewSupervisor creates an agent process supervisor
func NewSupervisor(cfg config.AgentConfig) *Supervisor {
	bufferSize := cfg.OutputBufferKiB * 1024
	if bufferSize <= 0 {
		bufferSize = 256 * 1024
	}

	return &Supervisor{
		binary:       cfg.Binary,
		baseArgs:     append([]string(nil), cfg.Args...),
		defaultModel: cfg.DefaultModel,
		gracePeriod:  cfg.StopGracePeriod(),
		bufferSize:   bufferSize,
		procs:        make(map[string]*process),
		keyMu:        make(map[string]*sync.Mutex),
		events:       make(chan Event, 256),
	}
}

// Events returns the session-tagged event stream
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

func (s *Supervisor) keyLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.keyMu[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.keyMu[sessionID] = lock
	return lock
}

// Start spawns a fresh agent process for the session, fully stopping
// any prior process first so two processes never race on one session's
// input stream. On spawn failure nothing is left registered.
func (s *Supervisor) Start(ctx context.Context, sessionID, workingDir string, opts Options) (ProcessInfo, error) {
	lock := s.keyLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.stopLocked(ctx, sessionID)

	model := opts.Model
	if model == "" {
		model = s.defaultModel
	}

	cmd := exec.Command(s.binary, s.baseArgs...)
	cmd.Dir = workingDir
	cmd.Env = os.Environ()
	if model != "" {
		cmd.Env = append(cmd.Env, "AGENT_MODEL="+model)
	}
	if opts.Credential != "" {
		cmd.Env = append(cmd.Env, "AGENT_API_KEY="+opts.Credential)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return ProcessInfo{}, fmt.Errorf("failed to spawn agent: %w", err)
	}

	p := &process{
		sessionID: sessionID,
		cmd:       cmd,
		stdin:     stdin,
		info: ProcessInfo{
			PID:       cmd.Process.Pid,
			StartedAt: time.Now(),
			Model:     model,
		},
		buffer:  newRingBuffer(s.bufferSize),
		scanner: newToolScanner(0),
		state:   StateRunning,
		exited:  make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[sessionID] = p
	s.mu.Unlock()

	p.pumpWG.Add(2)
	go s.pumpOutput(p, stdout, false)
	go s.pumpOutput(p, stderr, true)
	go s.waitExit(p)

	observability.RecordAgentStart()
	log.Info().
		Str("sessionId", sessionID).
		Int("pid", p.info.PID).
		Str("model", model).
		Str("workingDir", workingDir).
		Msg("Agent process started")

	return p.info, nil
}

// SendInput writes one line of input to the session's agent process;
// returns false when no process is running
func (s *Supervisor) SendInput(sessionID, text string) bool {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	running := ok && p.state == StateRunning
	s.mu.Unlock()
	if !running {
		return false
	}

	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to write agent input")
		return false
	}
	return true
}

// Stop terminates the session's agent process: graceful first, forced
// after the grace period. It returns only once the process is gone and
// deregistered; stopping an absent process is a successful no-op.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) bool {
	lock := s.keyLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.stopLocked(ctx, sessionID)
	return true
}

func (s *Supervisor) stopLocked(ctx context.Context, sessionID string) {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	if ok {
		p.state = StateStopping
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	start := time.Now()

	// Graceful path: close stdin and interrupt.
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGINT)
	}

	// Force-kill timer racing the natural exit; cancelled the instant
	// the exit event is observed so both paths converge once.
	killTimer := time.AfterFunc(s.gracePeriod, func() {
		if p.cmd.Process != nil {
			log.Warn().Str("sessionId", sessionID).Msg("Agent did not exit in time, killing")
			_ = p.cmd.Process.Kill()
		}
	})

	select {
	case <-p.exited:
	case <-ctx.Done():
		// Caller gave up waiting; make sure the process dies anyway.
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.exited
	}
	killTimer.Stop()

	observability.RecordAgentStop(time.Since(start))
	log.Info().Str("sessionId", sessionID).Dur("took", time.Since(start)).Msg("Agent process stopped")
}

// StopAll stops every registered agent process, awaiting each
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(ctx, id)
	}
}

// Info returns process details for a session
func (s *Supervisor) Info(sessionID string) (ProcessInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[sessionID]
	if !ok {
		return ProcessInfo{}, false
	}
	return p.info, true
}

// State returns the lifecycle state for a session's process
func (s *Supervisor) State(sessionID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[sessionID]
	if !ok {
		return StateAbsent
	}
	return p.state
}

// Buffer returns the retained output of a session's process
func (s *Supervisor) Buffer(sessionID string) []byte {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return p.buffer.Snapshot()
}

func (s *Supervisor) pumpOutput(p *process, r io.Reader, isError bool) {
	defer p.pumpWG.Done()

	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			p.buffer.Write(chunk)
			s.emit(Event{
				SessionID: p.sessionID,
				Kind:      EventOutput,
				Content:   string(chunk),
				IsError:   isError,
			})

			if !isError {
				for _, req := range p.scanner.feed(chunk) {
					s.emit(Event{
						SessionID: p.sessionID,
						Kind:      EventToolRequest,
						Tool:      req,
					})
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) waitExit(p *process) {
	p.pumpWG.Wait()
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	// Deregister before signaling so no caller can observe a stale
	// handle after the stop completes.
	s.mu.Lock()
	if current, ok := s.procs[p.sessionID]; ok && current == p {
		delete(s.procs, p.sessionID)
	}
	wasStopping := p.state == StateStopping
	s.mu.Unlock()

	reason := "exited"
	if wasStopping {
		reason = "stopped"
	}
	observability.RecordAgentExit(reason)

	s.emit(Event{
		SessionID: p.sessionID,
		Kind:      EventExit,
		ExitCode:  exitCode,
	})
	close(p.exited)

	log.Info().
		Str("sessionId", p.sessionID).
		Int("exitCode", exitCode).
		Str("reason", reason).
		Msg("Agent process exited")
}

func (s *Supervisor) emit(event Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}

	if event.Kind == EventExit {
		// Exit notifications must reach the subscriber even under
		// backpressure; shed the oldest queued event instead.
		for {
			select {
			case s.events <- event:
				return
			default:
			}
			select {
			case dropped := <-s.events:
				log.Warn().Str("sessionId", dropped.SessionID).Str("kind", string(dropped.Kind)).Msg("Event queue full, dropping event")
			default:
			}
		}
	}

	select {
	case s.events <- event:
	default:
		log.Warn().Str("sessionId", event.SessionID).Str("kind", string(event.Kind)).Msg("Event queue full, dropping event")
	}
}

// Close stops all processes and closes the event stream
func (s *Supervisor) Close(ctx context.Context) {
	s.StopAll(ctx)

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
