// Package session implements the Session Supervisor (component D): PTY
// lifecycle, output capture, activity classification, and dynamic-title
// parsing for a single terminal session. It is grounded in
// internal/egg/server.go's Session/replayBuffer, generalized from the
// teacher's per-process-per-session gRPC design to a single in-process
// goroutine-and-mutex actor, per the spec's single-logical-event-loop model.
package session

import (
	"time"

	"github.com/wingterm/termd/internal/sessionerr"
)

// Visibility controls who besides the owner may attach to a session.
type Visibility string

const (
	VisibilityPrivate        Visibility = "private"
	VisibilityPublic         Visibility = "public"
	VisibilitySharedReadOnly Visibility = "shared_readonly"
)

// TerminalSize is clamped to the spec's minimums (40x10) by Resize and create.
type TerminalSize struct {
	Cols int
	Rows int
}

const (
	MinCols = 40
	MinRows = 10
)

func (t TerminalSize) Clamp() TerminalSize {
	if t.Cols < MinCols {
		t.Cols = MinCols
	}
	if t.Rows < MinRows {
		t.Rows = MinRows
	}
	return t
}

// ActivityState is the derived activity label of a session.
type ActivityState string

const (
	ActivityActive   ActivityState = "active"
	ActivityInactive ActivityState = "inactive"
)

// InputMarkerKind labels why an input marker was recorded.
type InputMarkerKind string

const (
	MarkerUserInput    InputMarkerKind = "user_input"
	MarkerScheduled    InputMarkerKind = "scheduled"
	MarkerAPI          InputMarkerKind = "api"
	MarkerStopInput    InputMarkerKind = "stop_inputs"
	MarkerActive       InputMarkerKind = "active"
	MarkerInactive     InputMarkerKind = "inactive"
)

// InputMarker is an ordinal record of an event at a precise history offset.
type InputMarker struct {
	Idx  int
	T    time.Time
	Kind InputMarkerKind
}

// RenderMarker is a client-reported cursor line, append-only and bounded.
type RenderMarker struct {
	T    time.Time
	Line int
}

// StopInput is one armed "stop prompt" that may be injected when the
// session's activity transitions to inactive and the grace windows pass.
type StopInput struct {
	ID      string
	Prompt  string
	Armed   bool
	Source  string // "template" or "user"
}

// PendingActiveTransition anchors a not-yet-confirmed active transition: it
// is promoted to a durable input marker once MinBytesForActiveMark bytes
// accumulate, and dropped if the inactivity timer fires before the burst
// crosses that threshold.
type PendingActiveTransition struct {
	Offset int64
	Seq    int64
	Bytes  int
}

// WorkspaceIsolation records what filesystem/network sandbox (if any) the
// session's PTY process runs inside, grounded in internal/sandbox.Config and
// egg.RunConfig's FS/Network fields.
type WorkspaceIsolation struct {
	Mode          IsolationMode
	MountRules    []string // "rw:", "ro:", "deny:" prefixed paths, as authored
	NetworkPolicy string   // "none", "domains", "full"
	Domains       []string
	ContainerName string // set when Mode == IsolationContainer
	EphemeralPaths []string // bind-mount artifacts removed on terminate()
}

type IsolationMode string

const (
	IsolationNone      IsolationMode = "none"
	IsolationDirectory IsolationMode = "directory"
	IsolationContainer IsolationMode = "container"
)

// CreateOptions configures a new session.
type CreateOptions struct {
	Command     string
	Args        []string
	CWD         string
	Env         map[string]string
	Size        TerminalSize
	Visibility  Visibility
	Interactive bool
	Isolation   WorkspaceIsolation
	Audit       bool
	UseRenderSnapshot bool
	OwnerID     string

	// ConfigYAML, when set, is a workspace profile document (see
	// configprofile.go) parsed into Isolation/Audit before the session is
	// created. It takes precedence over any Isolation/Audit the caller also
	// set directly.
	ConfigYAML string
}

func validateCreate(opts CreateOptions) error {
	if opts.Size.Cols <= 0 || opts.Size.Rows <= 0 {
		return sessionerr.New(sessionerr.BadRequest, "terminal size must be positive")
	}
	if opts.CWD != "" {
		if _, err := statDir(opts.CWD); err != nil {
			return sessionerr.Wrap(sessionerr.Fatal, err, "working directory %q does not exist", opts.CWD)
		}
	}
	return nil
}

// applyConfigYAML parses opts.ConfigYAML, if present, overwriting
// opts.Isolation and opts.Audit with the profile's resolved values.
func applyConfigYAML(opts CreateOptions) (CreateOptions, error) {
	if opts.ConfigYAML == "" {
		return opts, nil
	}
	iso, audit, err := ParseWorkspaceProfile([]byte(opts.ConfigYAML))
	if err != nil {
		return opts, sessionerr.Wrap(sessionerr.BadRequest, err, "invalid workspace profile")
	}
	opts.Isolation = iso
	opts.Audit = audit
	return opts, nil
}
