// Package api is the external HTTP/JSON surface (§6's "HTTP routing" is
// named out of scope for the core, but something has to expose session
// lifecycle, raw-history fetch, scheduler, and deferral operations to
// callers) — a thin translation layer over internal/registry, with no
// business logic of its own.
//
// Grounded in the teacher's internal/relay/internal_api.go: one handler per
// route, JSON request/response structs, errors mapped to HTTP status by
// sessionerr.Kind rather than bespoke per-route error handling.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wingterm/termd/internal/actortoken"
	"github.com/wingterm/termd/internal/inject"
	"github.com/wingterm/termd/internal/registry"
	"github.com/wingterm/termd/internal/scheduler"
	"github.com/wingterm/termd/internal/session"
	"github.com/wingterm/termd/internal/sessionerr"
)

type handler struct {
	reg      *registry.Registry
	verifier *actortoken.Verifier
	log      *slog.Logger
}

// Register mounts every REST route onto mux. verifier may be nil, in which
// case actor-attribution headers are accepted but not checked (single-user
// / local-mode deployments, mirroring the teacher's LocalMode bypass).
func Register(mux *http.ServeMux, reg *registry.Registry, verifier *actortoken.Verifier, log *slog.Logger) {
	h := &handler{reg: reg, verifier: verifier, log: log}

	mux.HandleFunc("POST /sessions", h.createSession)
	mux.HandleFunc("GET /sessions", h.listSessions)
	mux.HandleFunc("GET /sessions/{id}", h.getSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.terminateSession)
	mux.HandleFunc("GET /sessions/{id}/history", h.rawHistory)
	mux.HandleFunc("POST /sessions/{id}/resize", h.resizeSession)
	mux.HandleFunc("POST /sessions/{id}/alias", h.registerAlias)

	mux.HandleFunc("GET /sessions/{id}/rules", h.listRules)
	mux.HandleFunc("POST /sessions/{id}/rules", h.addRule)
	mux.HandleFunc("PATCH /sessions/{id}/rules/{rule}", h.updateRule)
	mux.HandleFunc("DELETE /sessions/{id}/rules/{rule}", h.deleteRule)
	mux.HandleFunc("POST /sessions/{id}/rules/{rule}/trigger", h.triggerRule)
	mux.HandleFunc("POST /cron/preview", h.previewCron)

	mux.HandleFunc("GET /sessions/{id}/deferred", h.listDeferred)
	mux.HandleFunc("POST /sessions/{id}/deferred", h.addDeferred)
	mux.HandleFunc("DELETE /sessions/{id}/deferred/{entry}", h.deleteDeferred)
	mux.HandleFunc("POST /sessions/{id}/deferred/clear", h.clearDeferred)

	mux.HandleFunc("GET /sessions/{id}/stop-inputs", h.listStopInputs)
	mux.HandleFunc("POST /sessions/{id}/stop-inputs", h.addStopInput)
	mux.HandleFunc("DELETE /sessions/{id}/stop-inputs/{stopinput}", h.removeStopInput)
	mux.HandleFunc("POST /sessions/{id}/stop-inputs/enable", h.setStopInputsEnabled)
}

// actorFromRequest verifies the X-Actor-Token header when a verifier is
// configured, returning "" (no rejection) when none is — the single-user /
// local-mode deployments the teacher's LocalMode flag covers never set
// JWTPublicKey, so actor attribution is best-effort there.
func (h *handler) actorFromRequest(r *http.Request) (string, error) {
	if h.verifier == nil {
		return "", nil
	}
	tok := r.Header.Get("X-Actor-Token")
	if tok == "" {
		return "", sessionerr.New(sessionerr.Forbidden, "missing actor token")
	}
	claims, err := h.verifier.Verify(tok)
	if err != nil {
		h.log.Warn("actor token rejected", "error", err)
		return "", sessionerr.Wrap(sessionerr.Forbidden, err, "invalid actor token")
	}
	return claims.ActorID, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var se *sessionerr.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case sessionerr.NotFound:
			status = http.StatusNotFound
		case sessionerr.Conflict:
			status = http.StatusConflict
		case sessionerr.BadRequest:
			status = http.StatusBadRequest
		case sessionerr.Forbidden:
			status = http.StatusForbidden
		case sessionerr.LimitExceeded:
			status = http.StatusTooManyRequests
		case sessionerr.Transient:
			status = http.StatusServiceUnavailable
		case sessionerr.Fatal:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type createSessionRequest struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	CWD         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
	Cols        int               `json:"cols"`
	Rows        int               `json:"rows"`
	Visibility  string            `json:"visibility"`
	Interactive bool              `json:"interactive"`
	OwnerID     string            `json:"owner_id"`
	ConfigYAML  string            `json:"config_yaml"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "decode request"))
		return
	}
	vis := session.Visibility(req.Visibility)
	if vis == "" {
		vis = session.VisibilityPrivate
	}
	sup, err := h.reg.Create(session.CreateOptions{
		Command:     req.Command,
		Args:        req.Args,
		CWD:         req.CWD,
		Env:         req.Env,
		Size:        session.TerminalSize{Cols: req.Cols, Rows: req.Rows}.Clamp(),
		Visibility:  vis,
		Interactive: req.Interactive,
		OwnerID:     req.OwnerID,
		ConfigYAML:  req.ConfigYAML,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sup.Snapshot())
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.List())
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sup, err := h.reg.Get(h.reg.Resolve(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sup.Snapshot())
}

func (h *handler) terminateSession(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actorFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := h.reg.Terminate(id); err != nil {
		writeError(w, err)
		return
	}
	h.log.Info("session terminated", "session", id, "by", actor)
	w.WriteHeader(http.StatusNoContent)
}

// rawHistory serves output_history[start, end) for a client to fetch after
// its `attached` reply names history_byte_offset, per §4.E's history sync
// protocol. Range parsing (§9's
// open question on "bytes=-0 suffix handling") is intentionally minimal:
// only start/end query params, no HTTP Range header semantics.
func (h *handler) rawHistory(w http.ResponseWriter, r *http.Request) {
	sup, err := h.reg.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	hist := sup.History()
	end := hist.Len()
	start := int64(0)
	if v := r.URL.Query().Get("start"); v != "" {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			start = n
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			end = n
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(hist.Slice(start, end))
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (h *handler) resizeSession(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "decode request"))
		return
	}
	if err := h.reg.Resize(r.PathValue("id"), session.TerminalSize{Cols: req.Cols, Rows: req.Rows}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

func (h *handler) registerAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "decode request"))
		return
	}
	if err := h.reg.RegisterAlias(r.PathValue("id"), req.Alias); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.reg.ListRules(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

type ruleRequest struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	OffsetMS        int64  `json:"offset_ms"`
	IntervalMS      int64  `json:"interval_ms"`
	CronExpr        string `json:"cron_expr"`
	Text            string `json:"data"`
	SimulateTyping  bool   `json:"simulate_typing"`
	TypingDelayMS   int    `json:"typing_delay_ms"`
	SubmitWithEnter bool   `json:"submit"`
	ActivityPolicy  string `json:"activity_policy"`
	StopAfter       int    `json:"stop_after"`
	Paused          bool   `json:"paused"`
}

func (req ruleRequest) toRule(sessionID string) scheduler.Rule {
	return scheduler.Rule{
		ID:              req.ID,
		SessionID:       sessionID,
		Type:            scheduler.Type(strings.ToLower(req.Type)),
		OffsetMS:        req.OffsetMS,
		IntervalMS:      req.IntervalMS,
		CronExpr:        req.CronExpr,
		Text:            req.Text,
		SimulateTyping:  req.SimulateTyping,
		TypingDelayMS:   req.TypingDelayMS,
		SubmitWithEnter: req.SubmitWithEnter,
		ActivityPolicy:  inject.ActivityPolicy(req.ActivityPolicy),
		StopAfter:       req.StopAfter,
		Enabled:         !req.Paused,
	}
}

// cronPreviewRequest previews a cron expression's next firing times before
// it's attached to a session rule, so callers can sanity-check an expression
// without creating a rule and waiting for it to fire.
type cronPreviewRequest struct {
	CronExpr string `json:"cron_expr"`
	Count    int    `json:"count"`
}

func (h *handler) previewCron(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "decode request"))
		return
	}
	times, err := scheduler.PreviewCron(req.CronExpr, time.Now(), req.Count)
	if err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "invalid cron expression"))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Next []time.Time `json:"next"`
	}{Next: times})
}

func (h *handler) addRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "decode request"))
		return
	}
	rule, err := h.reg.AddRule(r.PathValue("id"), req.toRule(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *handler) updateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "decode request"))
		return
	}
	req.ID = r.PathValue("rule")
	rule, err := h.reg.UpdateRule(r.PathValue("id"), req.toRule(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.DeleteRule(r.PathValue("id"), r.PathValue("rule")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) triggerRule(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.TriggerRule(r.PathValue("id"), r.PathValue("rule")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listDeferred(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reg.ListDeferred(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type deferRequest struct {
	Key        string `json:"key"`
	Content    string `json:"data"`
	Submit     bool   `json:"submit"`
	Raw        bool   `json:"raw"`
	EnterStyle string `json:"enter_style"`
}

func (h *handler) addDeferred(w http.ResponseWriter, r *http.Request) {
	var req deferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "decode request"))
		return
	}
	if err := h.reg.DeferInput(r.PathValue("id"), req.Key, req.Content, req.Submit, req.Raw, req.EnterStyle); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) deleteDeferred(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.DeleteDeferred(r.PathValue("id"), r.PathValue("entry")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) clearDeferred(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.ClearDeferred(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listStopInputs(w http.ResponseWriter, r *http.Request) {
	prompts, err := h.reg.ListStopInputs(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prompts)
}

type stopInputRequest struct {
	Prompt string `json:"prompt"`
	Source string `json:"source"`
}

func (h *handler) addStopInput(w http.ResponseWriter, r *http.Request) {
	var req stopInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "decode request"))
		return
	}
	si, err := h.reg.AddStopInput(r.PathValue("id"), req.Prompt, req.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, si)
}

func (h *handler) removeStopInput(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.RemoveStopInput(r.PathValue("id"), r.PathValue("stopinput")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setStopInputsEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *handler) setStopInputsEnabled(w http.ResponseWriter, r *http.Request) {
	var req setStopInputsEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sessionerr.Wrap(sessionerr.BadRequest, err, "decode request"))
		return
	}
	if err := h.reg.SetStopInputsEnabled(r.PathValue("id"), req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
