package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/wingterm/termd/internal/clock"
	"github.com/wingterm/termd/internal/ctrlseq"
	"github.com/wingterm/termd/internal/osctitle"
	"github.com/wingterm/termd/internal/sandbox"
	"github.com/wingterm/termd/internal/sessionerr"
)

// dsrCPR is the Device Status Report "cursor position" query. The supervisor
// answers it itself when no client is attached, so a process that blocks on
// the reply (many line editors probe this at startup) doesn't hang forever
// with nobody at the other end to answer — grounded in egg.Session's
// cursor-probe handling, generalized from a fixed row to the last reported
// render-marker line.
const dsrCPR = "\x1b[6n"

// Hooks lets callers (the Fan-out Engine, the Deferral Manager) observe a
// session without session importing them, avoiding the cyclic
// session<->manager reference the teacher's egg package had.
type Hooks struct {
	OnOutput         func(s *Supervisor, seq int64, chunk []byte)
	OnActivityChange func(s *Supervisor, state ActivityState)
	OnTitleChange    func(s *Supervisor, title string)
	OnInactive       func(s *Supervisor)
	OnExit           func(s *Supervisor, exitCode int)
}

// Supervisor owns one PTY-backed process for its entire lifetime: spawn,
// output classification, activity/title tracking, resize, and termination.
// All mutable state is behind mu, so callers never race each other. Title
// state is written only by the PTY read loop; activity state is also written
// by the inactivity timer's callback, and history by RecordInputMarker.
//
// Grounded in internal/egg/server.go's Session, generalized from a
// gRPC-per-session-process design to a single in-process goroutine.
type Supervisor struct {
	mu sync.Mutex

	ID          string
	OwnerID     string
	Visibility  Visibility
	Interactive bool

	cmd         *exec.Cmd
	ptmx        *os.File
	sb          sandbox.Sandbox
	domainProxy *sandbox.DomainProxy
	isolation   WorkspaceIsolation

	history *History
	audit   *AuditTrail

	size      TerminalSize
	createdAt time.Time
	endedAt   time.Time
	exitCode  int
	exited    bool

	activityState ActivityState
	pending       *PendingActiveTransition
	suppressUntil time.Time

	inputMarkers  []InputMarker
	renderMarkers []RenderMarker
	title         string

	stopInputs               []StopInput
	stopInputsEnabled        bool
	stopInputsRearmRemaining int
	stopInputSeq             int
	lastUserInputAt          time.Time

	clientCount int

	clk clock.Clock
	th  Thresholds

	inactivityTimer clock.Timer

	ctrlCarry []byte
	oscCarry  []byte

	terminating bool
	terminated  chan struct{}

	hooks  Hooks
	logger *slog.Logger
}

// New spawns the session's PTY process and starts its read/finalize loops.
func New(id string, opts CreateOptions, th Thresholds, clk clock.Clock, logger *slog.Logger, hooks Hooks, auditPath string) (*Supervisor, error) {
	if err := validateCreate(opts); err != nil {
		return nil, err
	}
	opts, err := applyConfigYAML(opts)
	if err != nil {
		return nil, err
	}
	size := opts.Size.Clamp()

	sb, domainProxy, proxyEnv, err := resolveSandbox(id, opts.Isolation)
	if err != nil {
		return nil, sessionerr.Wrap(sessionerr.Fatal, err, "resolving workspace isolation for session %s", id)
	}

	ctx := context.Background()
	var cmd *exec.Cmd
	if sb != nil {
		cmd, err = sb.Exec(ctx, opts.Command, opts.Args)
	} else {
		cmd = exec.CommandContext(ctx, opts.Command, opts.Args...)
	}
	if err != nil {
		if domainProxy != nil {
			domainProxy.Close()
		}
		return nil, sessionerr.Wrap(sessionerr.Fatal, err, "preparing command for session %s", id)
	}
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	}
	env := opts.Env
	if len(proxyEnv) > 0 {
		env = make(map[string]string, len(opts.Env)+len(proxyEnv))
		for k, v := range opts.Env {
			env[k] = v
		}
		for k, v := range proxyEnv {
			env[k] = v
		}
	}
	cmd.Env = buildEnv(env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)})
	if err != nil {
		return nil, sessionerr.Wrap(sessionerr.Fatal, err, "starting pty for session %s", id)
	}
	if sb != nil {
		if err := sb.PostStart(cmd.Process.Pid); err != nil {
			logger.Warn("sandbox post-start failed", "error", err)
		}
	}

	var audit *AuditTrail
	if opts.Audit && auditPath != "" {
		a, err := NewAuditTrail(auditPath)
		if err != nil {
			logger.Warn("audit trail disabled", "error", err)
		} else {
			audit = a
		}
	}

	s := &Supervisor{
		ID:            id,
		OwnerID:       opts.OwnerID,
		Visibility:    opts.Visibility,
		Interactive:   opts.Interactive,
		cmd:           cmd,
		ptmx:          ptmx,
		sb:            sb,
		domainProxy:   domainProxy,
		isolation:     opts.Isolation,
		history:       &History{},
		audit:         audit,
		size:          size,
		createdAt:     clk.Now(),
		activityState: ActivityActive,
		clk:           clk,
		th:            th,
		hooks:         hooks,
		logger:        logger,
		terminated:    make(chan struct{}),
	}
	s.inactivityTimer = clk.AfterFunc(th.InactiveAfter, s.onInactivityFired)

	go s.readLoop()
	go s.finalize()

	return s, nil
}

func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// readLoop appends every PTY chunk to history and updates activity/title
// state from it. It runs until the PTY returns EOF (child exited or was killed), then records
// the exit and closes s.terminated so Terminate() and finalize() can proceed.
func (s *Supervisor) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.processChunk(chunk)
		}
		if err != nil {
			break
		}
	}

	waitErr := s.cmd.Wait()
	s.mu.Lock()
	s.exited = true
	s.endedAt = s.clk.Now()
	if s.cmd.ProcessState != nil {
		s.exitCode = s.cmd.ProcessState.ExitCode()
	} else if waitErr != nil {
		s.exitCode = -1
	}
	s.ptmx.Close()
	s.mu.Unlock()
	close(s.terminated)
}

// finalize runs exactly once, after the PTY process has fully exited,
// whether that happened on its own or via Terminate(). It tears down the
// workspace sandbox and notifies the registry so metadata can be persisted.
func (s *Supervisor) finalize() {
	<-s.terminated
	s.mu.Lock()
	sb := s.sb
	domainProxy := s.domainProxy
	iso := s.isolation
	exitCode := s.exitCode
	s.mu.Unlock()

	if err := teardownWorkspace(sb, domainProxy, iso); err != nil {
		s.logger.Warn("workspace teardown failed", "error", err)
	}
	if s.audit != nil {
		s.audit.Close()
	}
	if s.hooks.OnExit != nil {
		s.hooks.OnExit(s, exitCode)
	}
}

// processChunk classifies one PTY read and updates activity/title state. The
// heavy lifting happens under mu; hooks fire afterward so a slow subscriber
// never blocks the read loop from draining the PTY.
func (s *Supervisor) processChunk(data []byte) {
	s.mu.Lock()

	seq, _ := s.history.AppendChunk(data)
	if s.audit != nil {
		s.audit.RecordOutput(data)
	}

	now := s.clk.Now()
	suppressed := now.Before(s.suppressUntil)

	res := ctrlseq.Classify(s.ctrlCarry, data)
	s.ctrlCarry = res.Carry

	titleRes := osctitle.Scan(s.oscCarry, data)
	s.oscCarry = titleRes.Carry

	s.resetInactivityTimerLocked()

	activityChanged := false
	newActivity := s.activityState
	if !suppressed && !res.IsControlOnly && s.activityState == ActivityInactive {
		if s.pending == nil {
			s.pending = &PendingActiveTransition{}
		}
		s.pending.Bytes += len(res.Residue)
		if s.pending.Bytes >= s.th.MinBytesForActiveMark {
			s.activityState = ActivityActive
			s.pending = nil
			s.appendInputMarkerLocked(MarkerActive, now)
			activityChanged = true
			newActivity = ActivityActive
		}
	}

	titleChanged := titleRes.Found && titleRes.Title != s.title
	if titleChanged {
		s.title = titleRes.Title
	}

	hasCPR := bytes.Contains(data, []byte(dsrCPR))
	clients := s.clientCount
	cprLine := s.lastRenderLineLocked()

	s.mu.Unlock()

	if s.hooks.OnOutput != nil {
		s.hooks.OnOutput(s, seq, data)
	}
	if activityChanged && s.hooks.OnActivityChange != nil {
		s.hooks.OnActivityChange(s, newActivity)
	}
	if titleChanged && s.hooks.OnTitleChange != nil {
		s.hooks.OnTitleChange(s, titleRes.Title)
	}
	if hasCPR && clients == 0 {
		s.replyCPR(cprLine)
	}
}

func (s *Supervisor) replyCPR(line int) {
	if line <= 0 {
		line = 1
	}
	reply := fmt.Sprintf("\x1b[%d;1R", line)
	s.ptmx.Write([]byte(reply))
}

func (s *Supervisor) resetInactivityTimerLocked() {
	if s.inactivityTimer != nil {
		s.inactivityTimer.Reset(s.th.InactiveAfter)
	}
}

// onInactivityFired runs on the clock's own goroutine when no PTY output has
// arrived for InactiveAfter. A fresh burst of output after this point starts
// a new PendingActiveTransition rather than reviving the old one.
func (s *Supervisor) onInactivityFired() {
	s.mu.Lock()
	if s.terminating || s.exited || s.activityState == ActivityInactive {
		s.pending = nil
		s.mu.Unlock()
		return
	}
	s.activityState = ActivityInactive
	s.pending = nil
	t := s.clk.Now()
	s.appendInputMarkerLocked(MarkerInactive, t)
	s.mu.Unlock()

	if s.hooks.OnActivityChange != nil {
		s.hooks.OnActivityChange(s, ActivityInactive)
	}
	if s.hooks.OnInactive != nil {
		s.hooks.OnInactive(s)
	}
}

func (s *Supervisor) appendInputMarkerLocked(kind InputMarkerKind, t time.Time) {
	s.history.AppendMarker(kind, t)
	s.inputMarkers = append(s.inputMarkers, InputMarker{Idx: len(s.inputMarkers), T: t, Kind: kind})
	if s.th.MaxActivityMarkers > 0 && len(s.inputMarkers) > s.th.MaxActivityMarkers {
		excess := len(s.inputMarkers) - s.th.MaxActivityMarkers
		s.inputMarkers = append([]InputMarker(nil), s.inputMarkers[excess:]...)
	}
}

// RecordInputMarker is called by the Input Pipeline and Deferral Manager
// whenever they write bytes into the session, so the marker trail reflects
// every source of input, not just what the supervisor itself observes.
func (s *Supervisor) RecordInputMarker(kind InputMarkerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendInputMarkerLocked(kind, s.clk.Now())
}

// RecordRenderMarker stores a client-reported cursor line, ignoring lines
// <= 0 and evicting the oldest entries once MaxRenderMarkers is exceeded
// (§4.D).
func (s *Supervisor) RecordRenderMarker(line int) {
	if line <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderMarkers = append(s.renderMarkers, RenderMarker{T: s.clk.Now(), Line: line})
	if len(s.renderMarkers) > s.th.MaxRenderMarkers {
		excess := len(s.renderMarkers) - s.th.MaxRenderMarkers
		s.renderMarkers = append([]RenderMarker(nil), s.renderMarkers[excess:]...)
	}
}

func (s *Supervisor) lastRenderLineLocked() int {
	if len(s.renderMarkers) == 0 {
		return 1
	}
	return s.renderMarkers[len(s.renderMarkers)-1].Line
}

// Write sends bytes to the PTY's stdin side. Callers (Input Pipeline,
// Deferral Manager) are responsible for calling RecordInputMarker with the
// appropriate kind; Write itself only moves bytes.
func (s *Supervisor) Write(data []byte) (int, error) {
	s.mu.Lock()
	if s.terminating || s.exited {
		s.mu.Unlock()
		return 0, sessionerr.New(sessionerr.Conflict, "session %s is not running", s.ID)
	}
	ptmx := s.ptmx
	s.mu.Unlock()
	return ptmx.Write(data)
}

// Resize changes the PTY window size and opens a brief suppression window:
// the resulting redraw burst from the child's SIGWINCH handler never counts
// toward an inactive->active transition (§4.D).
func (s *Supervisor) Resize(size TerminalSize) error {
	size = size.Clamp()
	s.mu.Lock()
	if s.terminating || s.exited {
		s.mu.Unlock()
		return sessionerr.New(sessionerr.Conflict, "session %s is not running", s.ID)
	}
	s.size = size
	s.suppressUntil = s.clk.Now().Add(s.th.SuppressAfterResize)
	ptmx := s.ptmx
	s.mu.Unlock()

	if s.audit != nil {
		s.audit.RecordResize(size.Cols, size.Rows)
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)})
}

// AttachClient and DetachClient track how many clients are currently
// watching this session's output, consulted when deciding whether to
// auto-answer a DSR cursor-position query.
func (s *Supervisor) AttachClient() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientCount++
	return s.clientCount
}

func (s *Supervisor) DetachClient() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientCount > 0 {
		s.clientCount--
	}
	return s.clientCount
}

// Terminate is idempotent: repeated calls block on the same exit. It sends
// SIGTERM, waits up to a second for the PTY read loop and child Wait() to
// finish draining history, then escalates to SIGKILL.
func (s *Supervisor) Terminate() error {
	s.mu.Lock()
	if s.terminating {
		s.mu.Unlock()
		<-s.terminated
		return nil
	}
	s.terminating = true
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	exited := s.exited
	proc := s.cmd.Process
	s.mu.Unlock()

	if exited || proc == nil {
		<-s.terminated
		return nil
	}

	proc.Signal(syscall.SIGTERM)
	select {
	case <-s.terminated:
	case <-time.After(time.Second):
		proc.Kill()
		<-s.terminated
	}
	return nil
}

// History exposes the append-only output buffer for fan-out/history reads.
func (s *Supervisor) History() *History { return s.history }

// CurrentActivity reports the session's current activity label, consulted
// by the Input Pipeline when deciding whether to suppress or defer an
// injection.
func (s *Supervisor) CurrentActivity() ActivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activityState
}

// CreatedAt reports when the session's PTY was spawned, consulted by the
// Deferral Manager's stop-inputs session-start grace window (§4.H step 2).
func (s *Supervisor) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// RecordUserInput implements inject.Target: the pipeline calls this for
// every user-originated injection so stop-inputs grace windows (§4.H step 2)
// never race a user who just typed.
func (s *Supervisor) RecordUserInput(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUserInputAt = t
}

func (s *Supervisor) LastUserInputAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUserInputAt
}

// RearmStopInputs implements inject.Target's post-write rearm hook (§4.F):
// called after a successful source=stop-inputs injection. It decrements the
// rearm counter, or disables stop-inputs once it is exhausted.
func (s *Supervisor) RearmStopInputs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopInputsRearmRemaining > 0 {
		s.stopInputsRearmRemaining--
	} else {
		s.stopInputsEnabled = false
		s.stopInputsRearmRemaining = 0
	}
	return true
}

// AddStopInput appends a new armed stop-input prompt.
func (s *Supervisor) AddStopInput(prompt, source string) StopInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopInputSeq++
	si := StopInput{
		ID:     s.ID + "-stopinput-" + strconv.Itoa(s.stopInputSeq),
		Prompt: prompt,
		Armed:  true,
		Source: source,
	}
	s.stopInputs = append(s.stopInputs, si)
	return si
}

// ListStopInputs returns a snapshot of every configured stop-input prompt.
func (s *Supervisor) ListStopInputs() []StopInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StopInput(nil), s.stopInputs...)
}

// RemoveStopInput deletes one stop-input prompt by id.
func (s *Supervisor) RemoveStopInput(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, si := range s.stopInputs {
		if si.ID == id {
			s.stopInputs = append(s.stopInputs[:i], s.stopInputs[i+1:]...)
			return nil
		}
	}
	return sessionerr.New(sessionerr.NotFound, "stop input %s not found", id)
}

// SetStopInputsEnabled arms or disarms stop-input injection. Enabling resets
// the rearm counter to rearmMax (§3's `stop_inputs_rearm_remaining`).
func (s *Supervisor) SetStopInputsEnabled(enabled bool, rearmMax int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopInputsEnabled = enabled
	if enabled {
		s.stopInputsRearmRemaining = rearmMax
	} else {
		s.stopInputsRearmRemaining = 0
	}
}

func (s *Supervisor) StopInputsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopInputsEnabled
}

func (s *Supervisor) StopInputsRearmRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopInputsRearmRemaining
}

// ArmedStopInputsPayload joins every armed prompt (template-interpolated,
// unknown variables rendering as empty string, grounded in
// internal/agent/commands.go's text/template command bodies) with "\n", for
// §4.H step 2's stop-inputs injection. ok is false when stop-inputs are
// disabled or nothing is armed.
func (s *Supervisor) ArmedStopInputsPayload() (payload string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopInputsEnabled {
		return "", false
	}
	vars := map[string]string{
		"session_id": s.ID,
		"title":      s.title,
		"command":    s.cmd.Path,
	}
	var lines []string
	for _, si := range s.stopInputs {
		if !si.Armed {
			continue
		}
		lines = append(lines, renderStopInputPrompt(si.Prompt, vars))
	}
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

// Snapshot is the immutable-at-a-point-in-time view persisted as session
// metadata (§6's "Persisted terminated-session metadata format").
type Snapshot struct {
	ID            string
	OwnerID       string
	Visibility    Visibility
	CreatedAt     time.Time
	EndedAt       time.Time
	ExitCode      int
	Exited        bool
	Title         string
	ActivityState ActivityState
	Size          TerminalSize
	HistoryLen    int64
	InputMarkers  []InputMarker
	RenderMarkers []RenderMarker
	Isolation     WorkspaceIsolation

	StopInputs               []StopInput
	StopInputsEnabled        bool
	StopInputsRearmRemaining int
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.ID,
		OwnerID:       s.OwnerID,
		Visibility:    s.Visibility,
		CreatedAt:     s.createdAt,
		EndedAt:       s.endedAt,
		ExitCode:      s.exitCode,
		Exited:        s.exited,
		Title:         s.title,
		ActivityState: s.activityState,
		Size:          s.size,
		Isolation:     s.isolation,
		HistoryLen:    s.history.Len(),
		InputMarkers:  append([]InputMarker(nil), s.inputMarkers...),
		RenderMarkers: append([]RenderMarker(nil), s.renderMarkers...),

		StopInputs:               append([]StopInput(nil), s.stopInputs...),
		StopInputsEnabled:        s.stopInputsEnabled,
		StopInputsRearmRemaining: s.stopInputsRearmRemaining,
	}
}
