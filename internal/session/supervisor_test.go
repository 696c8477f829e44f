package session

import (
	"log/slog"
	"testing"
	"time"

	"github.com/wingterm/termd/internal/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestSupervisor(t *testing.T, th Thresholds, hooks Hooks) *Supervisor {
	t.Helper()
	sup, err := New("test-session", CreateOptions{
		Command:     "cat",
		Size:        TerminalSize{Cols: 80, Rows: 24},
		Interactive: true,
	}, th, clock.Real{}, testLogger(), hooks, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sup.Terminate() })
	return sup
}

func TestCreateClampsUndersizedTerminal(t *testing.T) {
	sup := newTestSupervisor(t, DefaultThresholds(), Hooks{})
	snap := sup.Snapshot()
	if snap.Size.Cols != 80 || snap.Size.Rows != 24 {
		t.Fatalf("expected untouched size 80x24, got %+v", snap.Size)
	}

	small, err := New("test-session-2", CreateOptions{
		Command: "cat",
		Size:    TerminalSize{Cols: 1, Rows: 1},
	}, DefaultThresholds(), clock.Real{}, testLogger(), Hooks{}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer small.Terminate()
	if s := small.Snapshot().Size; s.Cols != MinCols || s.Rows != MinRows {
		t.Fatalf("expected clamp to %dx%d, got %+v", MinCols, MinRows, s)
	}
}

func TestCreateFailsOnMissingWorkingDir(t *testing.T) {
	_, err := New("test-bad-cwd", CreateOptions{
		Command: "cat",
		CWD:     "/this/path/does/not/exist/anywhere",
		Size:    TerminalSize{Cols: 80, Rows: 24},
	}, DefaultThresholds(), clock.Real{}, testLogger(), Hooks{}, "")
	if err == nil {
		t.Fatalf("expected SpawnError-equivalent for missing cwd")
	}
}

func TestWriteEchoesThroughHistory(t *testing.T) {
	done := make(chan []byte, 1)
	sup := newTestSupervisor(t, DefaultThresholds(), Hooks{
		OnOutput: func(s *Supervisor, seq int64, chunk []byte) {
			select {
			case done <- chunk:
			default:
			}
		},
	})

	if _, err := sup.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cat to echo output")
	}

	if sup.History().Len() == 0 {
		t.Fatal("expected history to grow from echoed output")
	}
}

func TestResizeOpensSuppressionWindow(t *testing.T) {
	sup := newTestSupervisor(t, DefaultThresholds(), Hooks{})
	before := sup.CurrentActivity()

	if err := sup.Resize(TerminalSize{Cols: 100, Rows: 40}); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	snap := sup.Snapshot()
	if snap.Size.Cols != 100 || snap.Size.Rows != 40 {
		t.Fatalf("expected resized to 100x40, got %+v", snap.Size)
	}
	// Resize itself must not flip activity state (§8 invariant 9 concerns
	// output during the suppression window, not the resize call itself).
	if sup.CurrentActivity() != before {
		t.Fatalf("resize alone should not change activity state")
	}
}

func TestResizeClampsBelowMinimum(t *testing.T) {
	sup := newTestSupervisor(t, DefaultThresholds(), Hooks{})
	if err := sup.Resize(TerminalSize{Cols: 1, Rows: 1}); err != nil {
		t.Fatalf("Resize should clamp rather than error: %v", err)
	}
	if s := sup.Snapshot().Size; s.Cols != MinCols || s.Rows != MinRows {
		t.Fatalf("expected clamp to minimums, got %+v", s)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	sup := newTestSupervisor(t, DefaultThresholds(), Hooks{})
	if err := sup.Terminate(); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if err := sup.Terminate(); err != nil {
		t.Fatalf("second terminate should be a no-op, got: %v", err)
	}
	if _, err := sup.Write([]byte("x")); err == nil {
		t.Fatalf("expected write after terminate to fail")
	}
}

func TestAppendInputMarkerIncrementsSequence(t *testing.T) {
	sup := newTestSupervisor(t, DefaultThresholds(), Hooks{})
	before := sup.History().Seq()
	sup.RecordInputMarker(MarkerUserInput)
	after := sup.History().Seq()
	if after <= before {
		t.Fatalf("expected sequence number to strictly increase: before=%d after=%d", before, after)
	}
}

func TestRecordRenderMarkerIgnoresNonPositiveLine(t *testing.T) {
	sup := newTestSupervisor(t, DefaultThresholds(), Hooks{})
	sup.RecordRenderMarker(0)
	sup.RecordRenderMarker(-5)
	sup.RecordRenderMarker(3)
	snap := sup.Snapshot()
	if len(snap.RenderMarkers) != 1 || snap.RenderMarkers[0].Line != 3 {
		t.Fatalf("expected only the positive-line marker to be recorded, got %+v", snap.RenderMarkers)
	}
}
