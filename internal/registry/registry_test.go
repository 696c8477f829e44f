package registry

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/wingterm/termd/internal/clock"
	"github.com/wingterm/termd/internal/config"
	"github.com/wingterm/termd/internal/inject"
	"github.com/wingterm/termd/internal/scheduler"
	"github.com/wingterm/termd/internal/session"
	"github.com/wingterm/termd/internal/sessionerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Defaults()
	r := New(&cfg, clock.Real{}, testLogger(), nil, t.TempDir())
	return r
}

func createTestSession(t *testing.T, r *Registry) *session.Supervisor {
	t.Helper()
	sup, err := r.Create(session.CreateOptions{
		Command:     "cat",
		Size:        session.TerminalSize{Cols: 80, Rows: 24},
		Interactive: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { r.Terminate(sup.ID) })
	return sup
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	sup := createTestSession(t, r)

	got, err := r.Get(sup.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != sup {
		t.Fatalf("expected Get to return the same supervisor instance")
	}
}

func TestGetUnknownSessionIsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("does-not-exist")
	if err == nil {
		t.Fatalf("expected NotFound error")
	}
	var se *sessionerr.Error
	if !errors.As(err, &se) || se.Kind != sessionerr.NotFound {
		t.Fatalf("expected NotFound kind, got %v", err)
	}
}

// TestAliasRoundTrip exercises §8's round-trip property: register then
// resolve returns the session; re-registering moves the mapping;
// unregistering removes it; unknown keys resolve to themselves.
func TestAliasRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	sup1 := createTestSession(t, r)
	sup2 := createTestSession(t, r)

	if err := r.RegisterAlias(sup1.ID, "my-alias"); err != nil {
		t.Fatalf("RegisterAlias: %v", err)
	}
	if got := r.Resolve("my-alias"); got != sup1.ID {
		t.Fatalf("expected resolve(my-alias) = %s, got %s", sup1.ID, got)
	}
	if got, err := r.GetByAlias("my-alias"); err != nil || got.ID != sup1.ID {
		t.Fatalf("GetByAlias: got=%v err=%v", got, err)
	}

	// Re-registering the same alias to a different session moves the mapping.
	if err := r.RegisterAlias(sup2.ID, "my-alias"); err != nil {
		t.Fatalf("re-register alias: %v", err)
	}
	if got := r.Resolve("my-alias"); got != sup2.ID {
		t.Fatalf("expected alias to move to %s, got %s", sup2.ID, got)
	}

	r.UnregisterAlias("my-alias")
	if got := r.Resolve("my-alias"); got != "my-alias" {
		t.Fatalf("expected unknown alias to resolve to itself, got %s", got)
	}
	if _, err := r.GetByAlias("my-alias"); err == nil {
		t.Fatalf("expected GetByAlias to fail after unregister")
	}

	// Moving an alias releases it from its previous session: giving that
	// session a new alias afterwards leaves the moved alias where it is.
	if err := r.RegisterAlias(sup1.ID, "taken"); err != nil {
		t.Fatalf("RegisterAlias: %v", err)
	}
	if err := r.RegisterAlias(sup2.ID, "taken"); err != nil {
		t.Fatalf("moving an alias already pointing elsewhere: %v", err)
	}
	if err := r.RegisterAlias(sup1.ID, "other"); err != nil {
		t.Fatalf("RegisterAlias: %v", err)
	}
	if got := r.Resolve("taken"); got != sup2.ID {
		t.Fatalf("expected taken to stay with %s, got %s", sup2.ID, got)
	}
}

func TestTerminateRemovesSessionFromRegistry(t *testing.T) {
	r := newTestRegistry(t)
	sup := createTestSession(t, r)

	if err := r.Terminate(sup.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := r.Get(sup.ID); err == nil {
		t.Fatalf("expected terminated session to be gone from the live registry")
	}
}

func TestSchedulerPassthroughRejectsUnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.AddRule("no-such-session", scheduler.Rule{ID: "r1", Type: scheduler.TypeOffset, OffsetMS: 1000, Text: "hi"}); err == nil {
		t.Fatalf("expected NotFound for unknown session")
	}
	if _, err := r.ListRules("no-such-session"); err == nil {
		t.Fatalf("expected NotFound for unknown session")
	}
}

func TestSchedulerPassthroughWiresIntoLiveSession(t *testing.T) {
	r := newTestRegistry(t)
	sup := createTestSession(t, r)

	rule, err := r.AddRule(sup.ID, scheduler.Rule{ID: "r1", Type: scheduler.TypeOffset, OffsetMS: 60000, Text: "hi"})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	rules, err := r.ListRules(sup.ID)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != rule.ID {
		t.Fatalf("expected the added rule to be listed, got %+v", rules)
	}
	if err := r.DeleteRule(sup.ID, rule.ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	rules, _ = r.ListRules(sup.ID)
	if len(rules) != 0 {
		t.Fatalf("expected no rules after delete, got %+v", rules)
	}
}

func TestDeferralPassthroughWiresIntoLiveSession(t *testing.T) {
	r := newTestRegistry(t)
	sup := createTestSession(t, r)

	// DeferInput hands the entry straight to the Deferral Manager, so it is
	// queued rather than written, whatever the session's activity.
	if err := r.DeferInput(sup.ID, "key1", "echo hi", true, false, inject.EnterCR); err != nil {
		t.Fatalf("DeferInput: %v", err)
	}
	entries, err := r.ListDeferred(sup.ID)
	if err != nil {
		t.Fatalf("ListDeferred: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one deferred entry, got %+v", entries)
	}

	// A duplicate (same key, same content) is discarded per §3's dedup
	// invariant.
	if err := r.DeferInput(sup.ID, "key1", "echo hi", true, false, inject.EnterCR); err != nil {
		t.Fatalf("duplicate DeferInput should not error: %v", err)
	}
	entries, _ = r.ListDeferred(sup.ID)
	if len(entries) != 1 {
		t.Fatalf("expected dedup to keep exactly one entry, got %d", len(entries))
	}

	if err := r.ClearDeferred(sup.ID); err != nil {
		t.Fatalf("ClearDeferred: %v", err)
	}
	entries, _ = r.ListDeferred(sup.ID)
	if len(entries) != 0 {
		t.Fatalf("expected empty queue after clear, got %+v", entries)
	}
}
