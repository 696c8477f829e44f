// Package deferral implements the Deferral Manager (component H): a
// per-session FIFO of messages registered while the session was busy,
// drained through the Input Pipeline the moment the session goes inactive.
//
// Grounded in internal/egg/server.go's queued-notification handling,
// generalized from a single pending slot into a deduplicated queue keyed by
// (key, content hash) so a scheduler rule or API caller can register the
// same logical message more than once without double-delivery.
package deferral

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/wingterm/termd/internal/clock"
	"github.com/wingterm/termd/internal/inject"
	"github.com/wingterm/termd/internal/sessionerr"
)

// Entry is one queued-but-not-yet-delivered message. It carries the full
// injection options the caller originally asked for, so a drain replays the
// same submit/raw/enter_style behavior rather than a fixed default (§3's
// DeferredEntry.options).
type Entry struct {
	ID              string
	SessionID       string
	Key             string
	ContentHash     [32]byte
	Content         string
	Source          inject.Source
	SubmitWithEnter bool
	Raw             bool
	EnterStyle      string
	CreatedAt       time.Time
}

// dedupKey hashes the content together with the submit/raw/enter_style
// options, per §3: two registrations with identical text but different
// delivery options are distinct entries, not duplicates.
func dedupKey(key, content string, submit, raw bool, enterStyle string) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(boolByte(submit)))
	h.Write([]byte{'|'})
	h.Write([]byte(boolByte(raw)))
	h.Write([]byte{'|'})
	h.Write([]byte(enterStyle))
	return key + ":" + string(h.Sum(nil))
}

func boolByte(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Config holds queue limits and the grace windows around an inactive
// transition, sourced from config.Config's stop_inputs_* keys.
type Config struct {
	MaxEntriesPerSession    int
	GraceAfterInactive      time.Duration
	SessionStartGrace       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxEntriesPerSession: 500,
		GraceAfterInactive:   2 * time.Second,
		SessionStartGrace:    15 * time.Second,
	}
}

type sessionQueue struct {
	target    inject.Target
	startedAt time.Time
	entries   []Entry
	seen      map[string]bool
	nextID    int
}

// Manager owns every session's deferred-message queue and drains it through
// the shared Input Pipeline.
type Manager struct {
	mu       sync.Mutex
	clk      clock.Clock
	pipeline *inject.Pipeline
	cfg      Config

	// onGraceElapsed fires GraceAfterInactive after an inactive transition
	// that found the queue empty, unless the session is still inside its
	// start grace window; a transition that drained entries never schedules
	// it. It lets the registry decide
	// whether any armed stop-input prompts should now fire, without this
	// package needing to know about session.StopInput.
	onGraceElapsed func(sessionID string)

	sessions map[string]*sessionQueue
}

func New(clk clock.Clock, pipeline *inject.Pipeline, cfg Config, onGraceElapsed func(sessionID string)) *Manager {
	return &Manager{
		clk:            clk,
		pipeline:       pipeline,
		cfg:            cfg,
		onGraceElapsed: onGraceElapsed,
		sessions:       make(map[string]*sessionQueue),
	}
}

func (m *Manager) RegisterSession(sessionID string, target inject.Target, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &sessionQueue{target: target, startedAt: startedAt, seen: make(map[string]bool)}
}

func (m *Manager) UnregisterSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Register implements inject.Deferrer: it is called by the Input Pipeline
// when an injection's activity policy defers it.
func (m *Manager) Register(sessionID, key string, opts inject.Opts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.sessions[sessionID]
	if !ok {
		return sessionerr.New(sessionerr.NotFound, "session %s has no deferral queue", sessionID)
	}
	dk := dedupKey(key, opts.Text, opts.SubmitWithEnter, opts.Raw, opts.EnterStyle)
	if q.seen[dk] {
		return nil // identical (key, content, options) already queued; drop silently
	}
	if len(q.entries) >= m.cfg.MaxEntriesPerSession {
		return sessionerr.Limit(sessionerr.ScopeSession, "session %s deferred-input queue is full", sessionID)
	}
	q.nextID++
	var sum [32]byte
	copy(sum[:], dk[len(key)+1:])
	q.entries = append(q.entries, Entry{
		ID:              entryID(sessionID, q.nextID),
		SessionID:       sessionID,
		Key:             key,
		ContentHash:     sum,
		Content:         opts.Text,
		Source:          opts.Source,
		SubmitWithEnter: opts.SubmitWithEnter,
		Raw:             opts.Raw,
		EnterStyle:      opts.EnterStyle,
		CreatedAt:       m.clk.Now(),
	})
	q.seen[dk] = true
	return nil
}

func entryID(sessionID string, n int) string {
	return sessionID + "-deferred-" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// List returns a snapshot of a session's queued entries.
func (m *Manager) List(sessionID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]Entry(nil), q.entries...)
}

// Delete removes one queued entry by ID.
func (m *Manager) Delete(sessionID, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.sessions[sessionID]
	if !ok {
		return sessionerr.New(sessionerr.NotFound, "session %s has no deferral queue", sessionID)
	}
	for i, e := range q.entries {
		if e.ID == entryID {
			delete(q.seen, dedupKey(e.Key, e.Content, e.SubmitWithEnter, e.Raw, e.EnterStyle))
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return sessionerr.New(sessionerr.NotFound, "deferred entry %s not found", entryID)
}

// Clear empties a session's queue without delivering it.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.sessions[sessionID]; ok {
		q.entries = nil
		q.seen = make(map[string]bool)
	}
}

// OnSessionInactive drains the queue: every entry is concatenated and
// injected as a single write (not one injection per entry, to avoid
// replaying N separate Enter-submits into whatever prompt is now idle), then
// the queue is cleared. A non-empty drain returns immediately without
// scheduling the grace-elapsed callback (§4.H step 1): the drained input is
// itself about to make the session active again, so this transition must
// never also arm a stop-input prompt. Only when the queue was already empty
// do we schedule onGraceElapsed after the grace window, unless the session
// is still inside its startup grace window, when a momentary inactive blip
// right after spawn should never count.
func (m *Manager) OnSessionInactive(sessionID string) {
	m.mu.Lock()
	q, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entries := q.entries
	q.entries = nil
	q.seen = make(map[string]bool)
	target := q.target
	startedAt := q.startedAt
	m.mu.Unlock()

	if len(entries) > 0 {
		first := entries[0]
		content := first.Content
		for _, e := range entries[1:] {
			content += "\n" + e.Content
		}
		_ = m.pipeline.Inject(target, inject.Opts{
			SessionID:       sessionID,
			Source:          first.Source,
			Text:            content,
			ActivityPolicy:  inject.PolicyImmediate,
			SubmitWithEnter: first.SubmitWithEnter,
			Raw:             first.Raw,
			EnterStyle:      first.EnterStyle,
		})
		return
	}

	if m.onGraceElapsed == nil {
		return
	}
	inStartGrace := m.clk.Now().Sub(startedAt) < m.cfg.SessionStartGrace
	if inStartGrace {
		return
	}
	m.clk.AfterFunc(m.cfg.GraceAfterInactive, func() { m.onGraceElapsed(sessionID) })
}
