// Package wsrelay is the external WebSocket transport (§6): it turns
// registry/session/scheduler events into wire envelopes for browser
// clients, and turns client envelopes into registry calls.
//
// Grounded in internal/relay/pty_relay.go's JSON envelope dispatch loop,
// generalized from a wing<->browser relay pair into a single
// browser<->daemon connection, since this server owns the PTY directly
// rather than proxying to a remote agent process.
package wsrelay

import "github.com/wingterm/termd/internal/scheduler"

// Type values for Envelope.Type.
const (
	// Client -> server
	TypeAttach        = "attach"
	TypeDetach        = "detach"
	TypeDetachClient  = "detach_client"
	TypeStdin         = "stdin"
	TypeResize        = "resize"
	TypeRenderMarker  = "render_marker"
	TypePing          = "ping"
	// TypeHistoryLoaded is sent BY the client once it has fetched
	// [0, history_byte_offset) from the history HTTP endpoint after an
	// `attached` message; it ends that client's output-queueing window
	// (§4.E).
	TypeHistoryLoaded = "history_loaded"

	// Server -> client
	TypeAttached             = "attached"
	TypeDetached             = "detached"
	TypeStdout               = "stdout"
	TypeStdoutDropped        = "stdout_dropped"
	TypeStdinInjected        = "stdin_injected"
	TypeSessionActivity      = "session_activity"
	TypeSessionUpdated       = "session_updated"
	TypeScheduledRuleUpdated = "scheduled_input_rule_updated"
	TypeDeferredInputUpdated = "deferred_input_updated"
	TypeNotification         = "notification"
	TypeSessionEnded         = "session_ended"
	TypeError                = "error"
	TypePong                 = "pong"
)

// Envelope is the single discriminated-union wire message, keyed by Type.
// Unused fields are omitted from JSON, so a given message only carries the
// few fields its Type actually uses.
type Envelope struct {
	Type string `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`

	Data         string `json:"data,omitempty"` // stdout/stdin payload, raw UTF-8 text
	FromOffset   int64  `json:"from_offset,omitempty"`
	DroppedBytes int    `json:"dropped_bytes,omitempty"`

	// HistoryMarker and HistoryByteOffset anchor an `attached` message's
	// history/live split (§4.E): the client fetches [0, HistoryByteOffset)
	// via the history HTTP endpoint, then expects live delivery for any
	// History seq strictly greater than HistoryMarker.
	HistoryMarker     int64 `json:"history_marker,omitempty"`
	HistoryByteOffset int64 `json:"history_byte_offset,omitempty"`
	ShouldLoadHistory bool  `json:"should_load_history,omitempty"`

	Source string `json:"source,omitempty"`
	Bytes  int    `json:"bytes,omitempty"`

	Activity string `json:"activity,omitempty"`
	Title    string `json:"title,omitempty"`
	Line     int    `json:"line,omitempty"`

	// UpdateType labels a generic session_updated broadcast (e.g.
	// "stop_inputs") so clients can decide whether to refetch.
	UpdateType string `json:"update_type,omitempty"`

	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	Rule *scheduler.Rule `json:"rule,omitempty"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Message  string `json:"message,omitempty"`
}
