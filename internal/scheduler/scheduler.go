// Package scheduler implements the Scheduler (component G): per-session
// timed input rules, each firing through the Input Pipeline rather than
// writing to the PTY directly.
//
// Grounded in the teacher's internal/cron package for calendar-based
// firing, generalized here to also cover the spec's offset/interval rule
// types, all three unified under one armed-timer-per-rule model.
package scheduler

import (
	"time"

	"github.com/wingterm/termd/internal/clock"
	"github.com/wingterm/termd/internal/cron"
	"github.com/wingterm/termd/internal/inject"
	"github.com/wingterm/termd/internal/sessionerr"
)

// Type is the rule's firing strategy.
type Type string

const (
	TypeOffset   Type = "offset"   // fires once, OffsetMS after session start
	TypeInterval Type = "interval" // fires every IntervalMS, drift-corrected against BaseTimeMS
	TypeCron     Type = "cron"     // fires per a standard 5-field cron expression
)

// Rule is one scheduled-input rule attached to a session.
type Rule struct {
	ID              string
	SessionID       string
	Type            Type
	OffsetMS        int64
	IntervalMS      int64
	CronExpr        string
	Text            string
	SimulateTyping  bool
	TypingDelayMS   int
	SubmitWithEnter bool
	ActivityPolicy  inject.ActivityPolicy
	StopAfter       int // 0 = unbounded
	FireCount       int
	Enabled         bool
	BaseTimeMS      int64 // anchor time.Unix milli the rule was armed against
	CreatedAt       time.Time
}

// Config holds the rule-count ceiling, sourced from
// config.Config.ScheduledInputMaxRulesPerSession.
type Config struct {
	MaxRulesPerSession int
}

func DefaultConfig() Config {
	return Config{MaxRulesPerSession: 100}
}

// PreviewCron parses expr and returns its next n fire times after from,
// letting API callers validate a cron expression before attaching it to a
// rule (§4.G's cron rule type).
func PreviewCron(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := cron.Parse(expr)
	if err != nil {
		return nil, err
	}
	return sched.PreviewN(from, n), nil
}

type armedRule struct {
	rule      Rule
	timer     clock.Timer
	cronSched *cron.Schedule
}

type sessionState struct {
	target    inject.Target
	startedAt time.Time
	rules     map[string]*armedRule
}

// Scheduler owns every session's rule set. It never writes to a PTY itself;
// every fire goes through the shared Input Pipeline so quotas and activity
// policy are enforced in exactly one place.
type Scheduler struct {
	clk      clock.Clock
	pipeline *inject.Pipeline
	cfg      Config
	onUpdate func(Rule)

	sessions map[string]*sessionState
	mu       chan struct{} // binary semaphore; see lock()/unlock()
}

func New(clk clock.Clock, pipeline *inject.Pipeline, cfg Config, onUpdate func(Rule)) *Scheduler {
	s := &Scheduler{
		clk:      clk,
		pipeline: pipeline,
		cfg:      cfg,
		onUpdate: onUpdate,
		sessions: make(map[string]*sessionState),
		mu:       make(chan struct{}, 1),
	}
	s.mu <- struct{}{}
	return s
}

func (s *Scheduler) lock()   { <-s.mu }
func (s *Scheduler) unlock() { s.mu <- struct{}{} }

// RegisterSession makes a session schedulable. target is the same narrow
// interface the Input Pipeline writes through.
func (s *Scheduler) RegisterSession(sessionID string, target inject.Target, startedAt time.Time) {
	s.lock()
	defer s.unlock()
	s.sessions[sessionID] = &sessionState{target: target, startedAt: startedAt, rules: make(map[string]*armedRule)}
}

// UnregisterSession stops every armed timer for the session. Call once on
// termination.
func (s *Scheduler) UnregisterSession(sessionID string) {
	s.lock()
	defer s.unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	for _, ar := range st.rules {
		if ar.timer != nil {
			ar.timer.Stop()
		}
	}
	delete(s.sessions, sessionID)
}

// AddRule validates and arms a new rule, returning the stored copy (with
// Enabled/BaseTimeMS/CreatedAt populated).
func (s *Scheduler) AddRule(sessionID string, rule Rule) (Rule, error) {
	s.lock()
	defer s.unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return Rule{}, sessionerr.New(sessionerr.NotFound, "session %s is not schedulable", sessionID)
	}
	if len(st.rules) >= s.cfg.MaxRulesPerSession {
		return Rule{}, sessionerr.Limit(sessionerr.ScopeSession, "session %s already has the maximum %d scheduled rules", sessionID, s.cfg.MaxRulesPerSession)
	}

	var cronSched *cron.Schedule
	if rule.Type == TypeCron {
		sched, err := cron.Parse(rule.CronExpr)
		if err != nil {
			return Rule{}, sessionerr.Wrap(sessionerr.BadRequest, err, "invalid cron expression %q", rule.CronExpr)
		}
		cronSched = sched
	}

	rule.SessionID = sessionID
	rule.Enabled = true
	rule.CreatedAt = s.clk.Now()
	rule.BaseTimeMS = st.startedAt.UnixMilli()

	ar := &armedRule{rule: rule, cronSched: cronSched}
	st.rules[rule.ID] = ar
	s.armLocked(sessionID, ar)
	return ar.rule, nil
}

// armLocked computes the next fire delay for ar and schedules it. Callers
// must hold s.mu.
func (s *Scheduler) armLocked(sessionID string, ar *armedRule) {
	if !ar.rule.Enabled {
		return
	}
	delay := s.nextDelayLocked(ar)
	if delay < 0 {
		ar.rule.Enabled = false
		return
	}
	ruleID := ar.rule.ID
	ar.timer = s.clk.AfterFunc(delay, func() { s.fire(sessionID, ruleID) })
}

// nextDelayLocked returns how long until ar should next fire, or a negative
// duration if the rule has exhausted StopAfter or is a one-shot that has
// already fired.
func (s *Scheduler) nextDelayLocked(ar *armedRule) time.Duration {
	now := s.clk.Now()
	if ar.rule.StopAfter > 0 && ar.rule.FireCount >= ar.rule.StopAfter {
		return -1
	}
	switch ar.rule.Type {
	case TypeOffset:
		if ar.rule.FireCount > 0 {
			return -1
		}
		fireAt := time.UnixMilli(ar.rule.BaseTimeMS).Add(time.Duration(ar.rule.OffsetMS) * time.Millisecond)
		return fireAt.Sub(now)
	case TypeInterval:
		// Anchor against BaseTimeMS + (FireCount+1)*IntervalMS, not "now + interval",
		// so a slow fire handler never drifts the schedule forward.
		next := ar.rule.BaseTimeMS + int64(ar.rule.FireCount+1)*ar.rule.IntervalMS
		fireAt := time.UnixMilli(next)
		d := fireAt.Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	case TypeCron:
		next := ar.cronSched.Next(now)
		return next.Sub(now)
	default:
		return -1
	}
}

func (s *Scheduler) fire(sessionID, ruleID string) {
	s.lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.unlock()
		return
	}
	ar, ok := st.rules[ruleID]
	if !ok || !ar.rule.Enabled {
		s.unlock()
		return
	}
	rule := ar.rule
	target := st.target
	s.unlock()

	_ = s.pipeline.Inject(target, inject.Opts{
		SessionID:       sessionID,
		Source:          inject.SourceScheduled,
		Text:            rule.Text,
		ActivityPolicy:  rule.ActivityPolicy,
		SimulateTyping:  rule.SimulateTyping,
		TypingDelayMS:   rule.TypingDelayMS,
		SubmitWithEnter: rule.SubmitWithEnter,
		DeferKey:        "rule:" + rule.ID,
	})

	s.lock()
	ar, ok = st.rules[ruleID]
	if ok {
		ar.rule.FireCount++
		s.armLocked(sessionID, ar)
	}
	updated := ar.rule
	s.unlock()

	if s.onUpdate != nil {
		s.onUpdate(updated)
	}
}

// UpdateRule replaces a rule's configuration and rearms its timer from the
// current time.
func (s *Scheduler) UpdateRule(sessionID string, rule Rule) (Rule, error) {
	s.lock()
	defer s.unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return Rule{}, sessionerr.New(sessionerr.NotFound, "session %s is not schedulable", sessionID)
	}
	ar, ok := st.rules[rule.ID]
	if !ok {
		return Rule{}, sessionerr.New(sessionerr.NotFound, "rule %s not found", rule.ID)
	}
	if ar.timer != nil {
		ar.timer.Stop()
	}
	var cronSched *cron.Schedule
	if rule.Type == TypeCron {
		sched, err := cron.Parse(rule.CronExpr)
		if err != nil {
			return Rule{}, sessionerr.Wrap(sessionerr.BadRequest, err, "invalid cron expression %q", rule.CronExpr)
		}
		cronSched = sched
	}
	rule.SessionID = sessionID
	rule.BaseTimeMS = s.clk.Now().UnixMilli()
	rule.FireCount = 0
	rule.Enabled = true
	ar.rule = rule
	ar.cronSched = cronSched
	s.armLocked(sessionID, ar)
	return ar.rule, nil
}

// DeleteRule disarms and removes a rule.
func (s *Scheduler) DeleteRule(sessionID, ruleID string) error {
	s.lock()
	defer s.unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return sessionerr.New(sessionerr.NotFound, "session %s is not schedulable", sessionID)
	}
	ar, ok := st.rules[ruleID]
	if !ok {
		return sessionerr.New(sessionerr.NotFound, "rule %s not found", ruleID)
	}
	if ar.timer != nil {
		ar.timer.Stop()
	}
	delete(st.rules, ruleID)
	return nil
}

// ListRules returns a snapshot of every rule for a session.
func (s *Scheduler) ListRules(sessionID string) []Rule {
	s.lock()
	defer s.unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Rule, 0, len(st.rules))
	for _, ar := range st.rules {
		out = append(out, ar.rule)
	}
	return out
}

// TriggerRule fires a rule immediately, outside its normal schedule,
// without disturbing its next scheduled fire time. Supplemental operation
// not present in the distilled spec but natural for a "run this rule now"
// debug affordance.
func (s *Scheduler) TriggerRule(sessionID, ruleID string) error {
	s.lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.unlock()
		return sessionerr.New(sessionerr.NotFound, "session %s is not schedulable", sessionID)
	}
	ar, ok := st.rules[ruleID]
	if !ok {
		s.unlock()
		return sessionerr.New(sessionerr.NotFound, "rule %s not found", ruleID)
	}
	rule := ar.rule
	target := st.target
	s.unlock()

	return s.pipeline.Inject(target, inject.Opts{
		SessionID:       sessionID,
		Source:          inject.SourceScheduled,
		Text:            rule.Text,
		ActivityPolicy:  rule.ActivityPolicy,
		SimulateTyping:  rule.SimulateTyping,
		TypingDelayMS:   rule.TypingDelayMS,
		SubmitWithEnter: rule.SubmitWithEnter,
		DeferKey:        "rule:" + rule.ID + ":manual",
	})
}
