// Package inject implements the Input Pipeline (component F): the single
// entry point every source of keystrokes goes through before reaching a
// session's PTY, whether a human typing, a scheduled rule firing, an API
// call, or the Deferral Manager draining a queued message.
//
// Grounded in internal/relay/pty_relay.go's stdin handling, generalized from
// a single "pipe bytes through" call into one that enforces per-session
// quotas and activity policy uniformly for every caller.
package inject

import (
	"time"
	"unicode/utf8"

	"github.com/wingterm/termd/internal/clock"
	"github.com/wingterm/termd/internal/sessionerr"
	"github.com/wingterm/termd/internal/session"
)

// Source identifies who is asking for bytes to be injected, which both
// selects the input-marker kind recorded and which quota (if any) applies.
type Source string

const (
	SourceUserInput Source = "user_input"
	SourceScheduled Source = "scheduled"
	SourceAPI       Source = "api"
	SourceStopInput Source = "stop_inputs"
)

func (s Source) markerKind() session.InputMarkerKind {
	switch s {
	case SourceScheduled:
		return session.MarkerScheduled
	case SourceAPI:
		return session.MarkerAPI
	case SourceStopInput:
		return session.MarkerStopInput
	default:
		return session.MarkerUserInput
	}
}

// ActivityPolicy controls how an injection interacts with a currently-active
// session, per §4.F.
type ActivityPolicy string

const (
	PolicyImmediate ActivityPolicy = "immediate"
	PolicySuppress  ActivityPolicy = "suppress"
	PolicyDefer     ActivityPolicy = "defer"
)

// Target is the narrow slice of Supervisor the pipeline needs, so inject
// depends on session without session depending back on inject.
type Target interface {
	Write(data []byte) (int, error)
	RecordInputMarker(kind session.InputMarkerKind)
	CurrentActivity() session.ActivityState

	// RecordUserInput timestamps the last user-originated injection, so the
	// Deferral Manager's stop-inputs grace window never races a user who
	// just typed (§4.H step 2).
	RecordUserInput(t time.Time)

	// RearmStopInputs applies §4.F's post-write rearm semantics after a
	// successful source=stop-inputs injection.
	RearmStopInputs() bool
}

// EnterStyle values for Opts.EnterStyle, per §4.F.
const (
	EnterCR   = "cr"
	EnterLF   = "lf"
	EnterCRLF = "crlf"
)

// Opts configures one injection request.
type Opts struct {
	SessionID string
	Source    Source
	Text      string

	// Raw, when true, writes Text exactly as given and ignores
	// SubmitWithEnter entirely (§4.F's `raw` option).
	Raw bool

	ActivityPolicy  ActivityPolicy
	SimulateTyping  bool
	TypingDelayMS   int
	SubmitWithEnter bool
	EnterStyle      string // cr|lf|crlf, default cr
	EnterDelayMS    int    // delay before a second Enter, for apps that swallow the first
	FocusInOut      bool
	DeferKey        string // dedup key, required when ActivityPolicy == PolicyDefer
}

// Deferrer is the narrow view of the Deferral Manager the pipeline needs
// when an injection's activity policy defers it. It takes the full Opts so
// the deferred entry can later replay with the same submit/raw/enter_style
// the caller originally asked for (§3's DeferredEntry.options).
type Deferrer interface {
	Register(sessionID, key string, opts Opts) error
}

// Config holds the injection quotas and default typing behavior, sourced
// from config.Config's api_stdin_*/scheduled_input_* keys.
type Config struct {
	APIStdinMaxPerSession       int
	ScheduledInputMaxPerSession int
	DefaultDelayMS              int
	DefaultSimulateTyping       bool
	DefaultTypingDelayMS        int
	SendFocusInOut              bool
}

func DefaultConfig() Config {
	return Config{
		APIStdinMaxPerSession:       1000,
		ScheduledInputMaxPerSession: 1000,
		DefaultDelayMS:              0,
		DefaultSimulateTyping:       false,
		DefaultTypingDelayMS:        30,
		SendFocusInOut:              false,
	}
}

type sessionCounts struct {
	apiStdin       int
	scheduledInput int
}

// Event is broadcast after a successful injection so the transport layer
// can notify attached clients (the "stdin_injected" message in §6).
type Event struct {
	SessionID string
	Source    Source
	Bytes     int

	// StopInputsRearmed is true when this injection applied §4.F's
	// stop-inputs rearm semantics, so the caller knows to also broadcast a
	// session-updated event.
	StopInputsRearmed bool
}

// Pipeline is shared across all sessions; per-session quota counters are
// keyed by session ID.
type Pipeline struct {
	cfg      Config
	clk      clock.Clock
	deferrer Deferrer
	onEvent  func(Event)

	counts map[string]*sessionCounts
}

func New(cfg Config, clk clock.Clock, deferrer Deferrer, onEvent func(Event)) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		clk:      clk,
		deferrer: deferrer,
		onEvent:  onEvent,
		counts:   make(map[string]*sessionCounts),
	}
}

// SetDeferrer wires the Deferral Manager in after construction, since the
// registry builds the Pipeline before the Manager exists and the Manager
// needs the Pipeline to drain through.
func (p *Pipeline) SetDeferrer(d Deferrer) { p.deferrer = d }

func (p *Pipeline) countsFor(sessionID string) *sessionCounts {
	c, ok := p.counts[sessionID]
	if !ok {
		c = &sessionCounts{}
		p.counts[sessionID] = c
	}
	return c
}

// ForgetSession drops quota counters once a session is terminated.
func (p *Pipeline) ForgetSession(sessionID string) {
	delete(p.counts, sessionID)
}

const (
	focusIn  = "\x1b[I"
	focusOut = "\x1b[O"
)

// Inject is the single entry point every input source calls through. It
// enforces quotas and activity policy, then (if not deferred or suppressed)
// writes the text to the target, optionally simulating keystroke-by-keystroke
// typing and an Enter-submit sequence.
func (p *Pipeline) Inject(target Target, opts Opts) error {
	if opts.Source == SourceAPI || opts.Source == SourceScheduled {
		counts := p.countsFor(opts.SessionID)
		if opts.Source == SourceAPI && counts.apiStdin >= p.cfg.APIStdinMaxPerSession {
			return sessionerr.Limit(sessionerr.ScopeSession, "api stdin quota exceeded for session %s", opts.SessionID)
		}
		if opts.Source == SourceScheduled && counts.scheduledInput >= p.cfg.ScheduledInputMaxPerSession {
			return sessionerr.Limit(sessionerr.ScopeSession, "scheduled input quota exceeded for session %s", opts.SessionID)
		}
	}

	switch opts.ActivityPolicy {
	case PolicySuppress:
		if target.CurrentActivity() == session.ActivityActive {
			return nil // silently dropped, by design: the session is busy
		}
	case PolicyDefer:
		if target.CurrentActivity() == session.ActivityActive {
			if p.deferrer == nil {
				return sessionerr.New(sessionerr.Fatal, "defer policy requested but no deferral manager is wired")
			}
			return p.deferrer.Register(opts.SessionID, opts.DeferKey, opts)
		}
	}

	if err := p.write(target, opts); err != nil {
		return err
	}

	target.RecordInputMarker(opts.Source.markerKind())
	p.bumpQuota(opts)

	// §4.F step 6: only user-originated sources reset the stop-inputs grace
	// clock — scheduled rules and stop-inputs' own re-injection must not.
	if opts.Source != SourceScheduled && opts.Source != SourceStopInput {
		target.RecordUserInput(p.clk.Now())
	}

	var rearmed bool
	if opts.Source == SourceStopInput {
		rearmed = target.RearmStopInputs()
	}

	if p.onEvent != nil {
		p.onEvent(Event{SessionID: opts.SessionID, Source: opts.Source, Bytes: len(opts.Text), StopInputsRearmed: rearmed})
	}
	return nil
}

func (p *Pipeline) bumpQuota(opts Opts) {
	switch opts.Source {
	case SourceAPI:
		p.countsFor(opts.SessionID).apiStdin++
	case SourceScheduled:
		p.countsFor(opts.SessionID).scheduledInput++
	}
}

// enterDelay is the fixed pause before the first Enter after writing text
// (§4.F write step 3), giving line editors and bracketed-paste handlers time
// to settle before the submit keystroke arrives.
const enterDelay = 200 * time.Millisecond

// enterBytes maps an enter_style option to its wire bytes, defaulting to cr
// for an empty or unrecognized style.
func enterBytes(style string) []byte {
	switch style {
	case EnterLF:
		return []byte("\n")
	case EnterCRLF:
		return []byte("\r\n")
	default:
		return []byte("\r")
	}
}

func (p *Pipeline) write(target Target, opts Opts) error {
	if opts.FocusInOut && p.cfg.SendFocusInOut {
		if _, err := target.Write([]byte(focusIn)); err != nil {
			return err
		}
	}

	if opts.Raw {
		if opts.Text != "" {
			if _, err := target.Write([]byte(opts.Text)); err != nil {
				return err
			}
		}
	} else {
		simulate := opts.SimulateTyping || (!opts.SimulateTyping && opts.Text != "" && p.cfg.DefaultSimulateTyping)
		if simulate {
			if err := p.writeTyped(target, opts.Text, opts.TypingDelayMS); err != nil {
				return err
			}
		} else if opts.Text != "" {
			if _, err := target.Write([]byte(opts.Text)); err != nil {
				return err
			}
		}

		if opts.SubmitWithEnter {
			<-p.clk.After(enterDelay)
			enter := enterBytes(opts.EnterStyle)
			if _, err := target.Write(enter); err != nil {
				return err
			}
			if opts.EnterDelayMS > 0 {
				<-p.clk.After(time.Duration(opts.EnterDelayMS) * time.Millisecond)
				if _, err := target.Write(enter); err != nil {
					return err
				}
			}
		}
	}

	if opts.FocusInOut && p.cfg.SendFocusInOut {
		if _, err := target.Write([]byte(focusOut)); err != nil {
			return err
		}
	}
	return nil
}

// writeTyped sends one rune at a time with a delay between each, simulating
// a human typing rather than a paste, for apps that behave differently
// (e.g. shell autosuggestions) under bracketed paste.
func (p *Pipeline) writeTyped(target Target, text string, delayMS int) error {
	if delayMS <= 0 {
		delayMS = p.cfg.DefaultTypingDelayMS
	}
	delay := time.Duration(delayMS) * time.Millisecond
	for _, r := range text {
		buf := make([]byte, utf8.UTFMax)
		n := utf8.EncodeRune(buf, r)
		if _, err := target.Write(buf[:n]); err != nil {
			return err
		}
		if delay > 0 {
			<-p.clk.After(delay)
		}
	}
	return nil
}
