// Package registry implements the Session Registry (component I): the
// top-level orchestrator that owns every live session's Supervisor,
// Fan-out Engine, and per-session wiring into the shared Input Pipeline,
// Scheduler, and Deferral Manager, and persists terminated-session
// metadata.
//
// Grounded in internal/egg/server.go's sessions map, generalized from a
// single global map with ad-hoc locking into a registry that owns the
// session and hands out narrow views of it to the components in §4, per
// the spec's "registry owns the session" design note (§9) — nothing below
// the registry holds a cyclic reference back up to it.
package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wingterm/termd/internal/clock"
	"github.com/wingterm/termd/internal/config"
	"github.com/wingterm/termd/internal/deferral"
	"github.com/wingterm/termd/internal/fanout"
	"github.com/wingterm/termd/internal/inject"
	"github.com/wingterm/termd/internal/logger"
	"github.com/wingterm/termd/internal/scheduler"
	"github.com/wingterm/termd/internal/session"
	"github.com/wingterm/termd/internal/sessionerr"
	"github.com/wingterm/termd/internal/store"
)

// Broadcaster is the narrow view of the transport layer (internal/wsrelay)
// the registry needs. A nil Broadcaster is valid; every call becomes a
// no-op, which is convenient for tests.
type Broadcaster interface {
	// StdoutTo delivers one live output chunk to exactly one attached
	// client, not the whole session's audience — the fan-out Engine tracks
	// per-client delivery state and decides who is eligible for which chunk.
	StdoutTo(sessionID, clientID string, data []byte)
	StdoutDropped(sessionID string, droppedBytes int)
	ActivityChanged(sessionID string, state session.ActivityState)
	TitleChanged(sessionID string, title string)
	StdinInjected(sessionID string, source inject.Source, n int)
	ScheduledRuleUpdated(sessionID string, rule scheduler.Rule)
	DeferredQueueUpdated(sessionID string)
	// SessionUpdated broadcasts a generic metadata-changed notification
	// (e.g. updateType "stop_inputs" after a rearm) for clients that only
	// care that something changed, not the full new state.
	SessionUpdated(sessionID, updateType string)
	SessionEnded(sessionID string, exitCode int)
}

type sessionEntry struct {
	sup    *session.Supervisor
	engine *fanout.Engine
	alias  string
}

// Registry is the single point where every session-scoped component is
// wired together.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	aliases  map[string]string

	clk    clock.Clock
	logger *slog.Logger
	cfg    *config.Config

	sessionsDir string
	store       *store.Store

	pipeline    *inject.Pipeline
	scheduler   *scheduler.Scheduler
	deferralMgr *deferral.Manager
	broadcaster Broadcaster
}

func New(cfg *config.Config, clk clock.Clock, logger *slog.Logger, st *store.Store, sessionsDir string) *Registry {
	r := &Registry{
		sessions:    make(map[string]*sessionEntry),
		aliases:     make(map[string]string),
		clk:         clk,
		logger:      logger,
		cfg:         cfg,
		sessionsDir: sessionsDir,
		store:       st,
	}

	r.pipeline = inject.New(inject.Config{
		APIStdinMaxPerSession:       cfg.APIStdinMaxMessagesPerSession,
		ScheduledInputMaxPerSession: cfg.ScheduledInputMaxMessagesPerSession,
		DefaultDelayMS:              cfg.APIStdinDefaultDelayMS,
		DefaultSimulateTyping:       cfg.APIStdinDefaultSimulateTyping,
		DefaultTypingDelayMS:        cfg.APIStdinDefaultTypingDelayMS,
		SendFocusInOut:              cfg.APIStdinSendFocusInOut,
	}, clk, nil, r.onInjectEvent)

	r.deferralMgr = deferral.New(clk, r.pipeline, deferral.Config{
		MaxEntriesPerSession: 500,
		GraceAfterInactive:   time.Duration(cfg.StopInputsGraceMS) * time.Millisecond,
		SessionStartGrace:    time.Duration(cfg.StopInputsSessionStartGraceMS) * time.Millisecond,
	}, r.onDeferralGraceElapsed)

	// The pipeline was constructed before the deferral manager existed;
	// wire the deferrer back in now that both exist. inject.Pipeline keeps
	// this as a plain field set once at startup, never mutated afterward,
	// so no synchronization is needed here.
	r.pipeline.SetDeferrer(r.deferralMgr)

	r.scheduler = scheduler.New(clk, r.pipeline, scheduler.Config{
		MaxRulesPerSession: cfg.ScheduledInputMaxRulesPerSession,
	}, r.onRuleUpdated)

	return r
}

func (r *Registry) SetBroadcaster(b Broadcaster) { r.broadcaster = b }

func (r *Registry) thresholds() session.Thresholds {
	return session.Thresholds{
		InactiveAfter:         time.Duration(r.cfg.InactiveAfterMS) * time.Millisecond,
		SuppressAfterResize:   time.Duration(r.cfg.SuppressAfterResizeMS) * time.Millisecond,
		MinBytesForActiveMark: r.cfg.MinBytesForActiveMarker,
		MaxRenderMarkers:      r.cfg.MaxRenderMarkers,
		MaxActivityMarkers:    r.cfg.MaxActivityTransitions,
	}
}

func (r *Registry) fanoutConfig() fanout.Config {
	return fanout.Config{
		MaxFlushBytesPerTick: r.cfg.MaxFlushBytesPerTick,
		MaxBacklogBytes:      r.cfg.MaxBacklogBytes,
		FlushInterval:        20 * time.Millisecond,
	}
}

// Create spawns a new session and wires it into every shared component.
func (r *Registry) Create(opts session.CreateOptions) (*session.Supervisor, error) {
	id := uuid.New().String()

	var auditPath string
	if opts.Audit {
		auditPath = filepath.Join(r.sessionsDir, id+".audit.gz")
	}

	hooks := session.Hooks{
		OnOutput: func(s *session.Supervisor, seq int64, chunk []byte) {
			r.mu.RLock()
			e, ok := r.sessions[id]
			r.mu.RUnlock()
			if !ok {
				return
			}
			e.engine.Enqueue(seq, chunk)
		},
		OnActivityChange: func(s *session.Supervisor, state session.ActivityState) {
			if r.broadcaster != nil {
				r.broadcaster.ActivityChanged(id, state)
			}
			if state == session.ActivityInactive {
				r.deferralMgr.OnSessionInactive(id)
			}
		},
		OnTitleChange: func(s *session.Supervisor, title string) {
			if r.broadcaster != nil {
				r.broadcaster.TitleChanged(id, title)
			}
		},
		OnExit: func(s *session.Supervisor, exitCode int) {
			r.onSessionExit(id, exitCode)
		},
	}

	sup, err := session.New(id, opts, r.thresholds(), r.clk, logger.ForSession(r.logger, id), hooks, auditPath)
	if err != nil {
		return nil, err
	}

	engine := fanout.New(r.fanoutConfig(), r.clk, fanout.Hooks{
		OnFlush: func(clientID string, data []byte) {
			if r.broadcaster != nil {
				r.broadcaster.StdoutTo(id, clientID, data)
			}
		},
		OnDropped: func(n int) {
			if r.broadcaster != nil {
				r.broadcaster.StdoutDropped(id, n)
			}
		},
	})

	now := r.clk.Now()
	r.scheduler.RegisterSession(id, sup, now)
	r.deferralMgr.RegisterSession(id, sup, now)

	r.mu.Lock()
	r.sessions[id] = &sessionEntry{sup: sup, engine: engine}
	r.mu.Unlock()

	r.logger.Info("session created", "session", id, "command", opts.Command)
	return sup, nil
}

func (r *Registry) onInjectEvent(ev inject.Event) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.StdinInjected(ev.SessionID, ev.Source, ev.Bytes)
	if ev.StopInputsRearmed {
		r.broadcaster.SessionUpdated(ev.SessionID, "stop_inputs")
	}
}

func (r *Registry) onRuleUpdated(rule scheduler.Rule) {
	if r.broadcaster != nil {
		r.broadcaster.ScheduledRuleUpdated(rule.SessionID, rule)
	}
}

// onDeferralGraceElapsed implements §4.H step 2: fired by the Deferral
// Manager once the grace window after an inactive transition with an empty
// queue has passed. It re-checks every guard against the current clock,
// since time keeps moving during the grace wait itself, then injects the
// armed stop-input payload if everything still allows it.
func (r *Registry) onDeferralGraceElapsed(sessionID string) {
	sup, err := r.Get(sessionID)
	if err != nil {
		return
	}
	if !sup.StopInputsEnabled() {
		return
	}
	now := r.clk.Now()
	if now.Sub(sup.LastUserInputAt()) < time.Duration(r.cfg.StopInputsGraceMS)*time.Millisecond {
		return
	}
	if now.Sub(sup.CreatedAt()) < time.Duration(r.cfg.StopInputsSessionStartGraceMS)*time.Millisecond {
		return
	}
	payload, ok := sup.ArmedStopInputsPayload()
	if !ok {
		return
	}
	_ = r.pipeline.Inject(sup, inject.Opts{
		SessionID:       sessionID,
		Source:          inject.SourceStopInput,
		Text:            payload,
		ActivityPolicy:  inject.PolicyImmediate,
		SubmitWithEnter: true,
		EnterStyle:      inject.EnterCR,
	})
}

// onSessionExit tears down per-session wiring and persists terminated
// metadata once the PTY process itself has exited (whether the child quit
// on its own or Terminate() killed it).
func (r *Registry) onSessionExit(id string, exitCode int) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		if e.alias != "" {
			delete(r.aliases, e.alias)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e.engine.Close()
	r.pipeline.ForgetSession(id)
	r.scheduler.UnregisterSession(id)
	r.deferralMgr.UnregisterSession(id)

	if err := r.persist(e); err != nil {
		r.logger.Error("failed to persist terminated session", "session", id, "error", err)
	}
	if r.broadcaster != nil {
		r.broadcaster.SessionEnded(id, exitCode)
	}
}

// Get looks a session up by ID, among currently live sessions only.
func (r *Registry) Get(id string) (*session.Supervisor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, sessionerr.New(sessionerr.NotFound, "session %s not found", id)
	}
	return e.sup, nil
}

func (r *Registry) GetByAlias(alias string) (*session.Supervisor, error) {
	r.mu.RLock()
	id, ok := r.aliases[alias]
	r.mu.RUnlock()
	if !ok {
		return nil, sessionerr.New(sessionerr.NotFound, "alias %q not found", alias)
	}
	return r.Get(id)
}

func (r *Registry) RegisterAlias(id, alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return sessionerr.New(sessionerr.NotFound, "session %s not found", id)
	}
	if existing, taken := r.aliases[alias]; taken && existing != id {
		// The alias moves: its previous session no longer holds it.
		if prev, ok := r.sessions[existing]; ok {
			prev.alias = ""
		}
	}
	if e.alias != "" {
		delete(r.aliases, e.alias)
	}
	e.alias = alias
	r.aliases[alias] = id
	return nil
}

// Resolve maps an alias to its session id; an unregistered key resolves to
// itself, so callers can pass either a session id or an alias through the
// same lookup path (§8's alias round-trip testable property).
func (r *Registry) Resolve(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.aliases[key]; ok {
		return id
	}
	return key
}

func (r *Registry) UnregisterAlias(alias string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.aliases[alias]
	if !ok {
		return
	}
	delete(r.aliases, alias)
	if e, ok := r.sessions[id]; ok && e.alias == alias {
		e.alias = ""
	}
}

// AttachFanout attaches a client to a session's live output stream. It
// returns the History seq/byte-offset pair the client should anchor its
// `attached` message against (§4.E): the transport layer sends these
// straight to the client instead of pushing catch-up bytes itself, since the
// client fetches [0, byteOffset) via the history HTTP endpoint and only
// needs live delivery to pick up from marker onward.
func (r *Registry) AttachFanout(sessionID, clientID string) (marker, byteOffset int64, err error) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return 0, 0, sessionerr.New(sessionerr.NotFound, "session %s not found", sessionID)
	}
	marker, byteOffset = e.sup.History().SeqLen()
	e.engine.AttachClient(clientID, marker, byteOffset)
	e.sup.AttachClient()
	return marker, byteOffset, nil
}

// MarkHistoryLoaded ends a client's history-loading window (the
// client→server `history_loaded` message) and returns everything queued for
// it live in the meantime, for the transport layer to flush before
// switching the client over to direct delivery.
func (r *Registry) MarkHistoryLoaded(sessionID, clientID string) ([][]byte, error) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, sessionerr.New(sessionerr.NotFound, "session %s not found", sessionID)
	}
	return e.engine.MarkHistoryLoaded(clientID), nil
}

func (r *Registry) DetachFanout(sessionID, clientID string) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.engine.DetachClient(clientID)
	e.sup.DetachClient()
}

// InjectUserInput writes interactive keystrokes from an attached client
// through the shared Input Pipeline.
func (r *Registry) InjectUserInput(sessionID, text string) error {
	sup, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return r.pipeline.Inject(sup, inject.Opts{
		SessionID:      sessionID,
		Source:         inject.SourceUserInput,
		Text:           text,
		ActivityPolicy: inject.PolicyImmediate,
	})
}

// Resize forwards a client-reported terminal size to the session.
func (r *Registry) Resize(sessionID string, size session.TerminalSize) error {
	sup, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return sup.Resize(size)
}

// RecordRenderMarker forwards a client-reported cursor line to the session.
func (r *Registry) RecordRenderMarker(sessionID string, line int) error {
	sup, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	sup.RecordRenderMarker(line)
	return nil
}

// Terminate stops a live session and waits for onSessionExit's cleanup to
// have run before returning.
func (r *Registry) Terminate(id string) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return sessionerr.New(sessionerr.NotFound, "session %s not found", id)
	}
	if err := e.sup.Terminate(); err != nil {
		return err
	}
	// Supervisor.Terminate returns once the process has exited; onSessionExit
	// runs right after on the supervisor's finalize goroutine.
	for {
		r.mu.RLock()
		cur, live := r.sessions[id]
		r.mu.RUnlock()
		if !live || cur != e {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// List returns a snapshot of every currently live session.
func (r *Registry) List() []session.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.Snapshot, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.sup.Snapshot())
	}
	return out
}

// ListTerminated returns past sessions from the sqlite secondary index.
func (r *Registry) ListTerminated(ownerID string, limit int) ([]store.SessionRecord, error) {
	if r.store == nil {
		return nil, fmt.Errorf("no index store configured")
	}
	return r.store.ListSessions(ownerID, limit)
}

// requireLive fails with NotFound for sessions that never existed or have
// already exited, the same check every scheduler/deferral passthrough below
// needs before touching per-session state owned by those components.
func (r *Registry) requireLive(sessionID string) error {
	r.mu.RLock()
	_, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return sessionerr.New(sessionerr.NotFound, "session %s not found", sessionID)
	}
	return nil
}

// AddRule, UpdateRule, DeleteRule, ListRules, and TriggerRule expose the
// Scheduler's public contract (§4.G) through the registry, the same
// capability-interface shape the spec's design notes (§9) call for instead
// of dynamic dispatch.
func (r *Registry) AddRule(sessionID string, rule scheduler.Rule) (scheduler.Rule, error) {
	if err := r.requireLive(sessionID); err != nil {
		return scheduler.Rule{}, err
	}
	return r.scheduler.AddRule(sessionID, rule)
}

func (r *Registry) UpdateRule(sessionID string, rule scheduler.Rule) (scheduler.Rule, error) {
	if err := r.requireLive(sessionID); err != nil {
		return scheduler.Rule{}, err
	}
	return r.scheduler.UpdateRule(sessionID, rule)
}

func (r *Registry) DeleteRule(sessionID, ruleID string) error {
	if err := r.requireLive(sessionID); err != nil {
		return err
	}
	return r.scheduler.DeleteRule(sessionID, ruleID)
}

func (r *Registry) ListRules(sessionID string) ([]scheduler.Rule, error) {
	if err := r.requireLive(sessionID); err != nil {
		return nil, err
	}
	return r.scheduler.ListRules(sessionID), nil
}

func (r *Registry) TriggerRule(sessionID, ruleID string) error {
	if err := r.requireLive(sessionID); err != nil {
		return err
	}
	return r.scheduler.TriggerRule(sessionID, ruleID)
}

// DeferInput, ListDeferred, DeleteDeferred, and ClearDeferred expose the
// Deferral Manager's public contract (§4.H).
//
// DeferInput takes the full set of delivery options the caller asked for
// (submit/raw/enter_style), not just the text, so a later drain through
// OnSessionInactive replays with the same options (§3's DeferredEntry).
func (r *Registry) DeferInput(sessionID, key, content string, submit, raw bool, enterStyle string) error {
	if err := r.requireLive(sessionID); err != nil {
		return err
	}
	if err := r.deferralMgr.Register(sessionID, key, inject.Opts{
		SessionID:       sessionID,
		Source:          inject.SourceAPI,
		Text:            content,
		SubmitWithEnter: submit,
		Raw:             raw,
		EnterStyle:      enterStyle,
	}); err != nil {
		return err
	}
	if r.broadcaster != nil {
		r.broadcaster.DeferredQueueUpdated(sessionID)
	}
	return nil
}

func (r *Registry) ListDeferred(sessionID string) ([]deferral.Entry, error) {
	if err := r.requireLive(sessionID); err != nil {
		return nil, err
	}
	return r.deferralMgr.List(sessionID), nil
}

func (r *Registry) DeleteDeferred(sessionID, entryID string) error {
	if err := r.requireLive(sessionID); err != nil {
		return err
	}
	if err := r.deferralMgr.Delete(sessionID, entryID); err != nil {
		return err
	}
	if r.broadcaster != nil {
		r.broadcaster.DeferredQueueUpdated(sessionID)
	}
	return nil
}

func (r *Registry) ClearDeferred(sessionID string) error {
	if err := r.requireLive(sessionID); err != nil {
		return err
	}
	r.deferralMgr.Clear(sessionID)
	if r.broadcaster != nil {
		r.broadcaster.DeferredQueueUpdated(sessionID)
	}
	return nil
}

// AddStopInput, ListStopInputs, RemoveStopInput, and SetStopInputsEnabled
// expose the Supervisor's stop-input prompt list (§3, §4.H step 2) through
// the registry, broadcasting a session-updated event on every mutation so
// attached clients can refresh without polling.
func (r *Registry) AddStopInput(sessionID, prompt, source string) (session.StopInput, error) {
	sup, err := r.Get(sessionID)
	if err != nil {
		return session.StopInput{}, err
	}
	si := sup.AddStopInput(prompt, source)
	if r.broadcaster != nil {
		r.broadcaster.SessionUpdated(sessionID, "stop_inputs")
	}
	return si, nil
}

func (r *Registry) ListStopInputs(sessionID string) ([]session.StopInput, error) {
	sup, err := r.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sup.ListStopInputs(), nil
}

func (r *Registry) RemoveStopInput(sessionID, id string) error {
	sup, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	if err := sup.RemoveStopInput(id); err != nil {
		return err
	}
	if r.broadcaster != nil {
		r.broadcaster.SessionUpdated(sessionID, "stop_inputs")
	}
	return nil
}

func (r *Registry) SetStopInputsEnabled(sessionID string, enabled bool) error {
	sup, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	sup.SetStopInputsEnabled(enabled, r.cfg.StopInputsRearmMax)
	if r.broadcaster != nil {
		r.broadcaster.SessionUpdated(sessionID, "stop_inputs")
	}
	return nil
}
