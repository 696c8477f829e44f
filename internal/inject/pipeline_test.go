package inject

import (
	"testing"
	"time"

	"github.com/wingterm/termd/internal/clock"
	"github.com/wingterm/termd/internal/session"
)

type fakeTarget struct {
	written        []byte
	markers        []session.InputMarkerKind
	activity       session.ActivityState
	lastUserInput  time.Time
	rearmCalls     int
}

func (f *fakeTarget) Write(data []byte) (int, error) {
	f.written = append(f.written, data...)
	return len(data), nil
}
func (f *fakeTarget) RecordInputMarker(kind session.InputMarkerKind) {
	f.markers = append(f.markers, kind)
}
func (f *fakeTarget) CurrentActivity() session.ActivityState { return f.activity }
func (f *fakeTarget) RecordUserInput(t time.Time)             { f.lastUserInput = t }
func (f *fakeTarget) RearmStopInputs() bool {
	f.rearmCalls++
	return true
}

type fakeDeferrer struct {
	registered bool
}

func (d *fakeDeferrer) Register(sessionID, key string, opts Opts) error {
	d.registered = true
	return nil
}

func TestInjectImmediateWritesAndMarks(t *testing.T) {
	target := &fakeTarget{activity: session.ActivityInactive}
	p := New(DefaultConfig(), clock.NewFake(time.Unix(0, 0)), nil, nil)

	err := p.Inject(target, Opts{SessionID: "s1", Source: SourceUserInput, Text: "ls\n", ActivityPolicy: PolicyImmediate})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if string(target.written) != "ls\n" {
		t.Fatalf("unexpected write: %q", target.written)
	}
	if len(target.markers) != 1 || target.markers[0] != session.MarkerUserInput {
		t.Fatalf("unexpected markers: %v", target.markers)
	}
}

func TestInjectSuppressDropsWhileActive(t *testing.T) {
	target := &fakeTarget{activity: session.ActivityActive}
	p := New(DefaultConfig(), clock.NewFake(time.Unix(0, 0)), nil, nil)

	if err := p.Inject(target, Opts{SessionID: "s1", Text: "hi", ActivityPolicy: PolicySuppress}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if len(target.written) != 0 {
		t.Fatalf("expected suppressed write, got %q", target.written)
	}
}

func TestInjectDeferRegistersWhileActive(t *testing.T) {
	target := &fakeTarget{activity: session.ActivityActive}
	d := &fakeDeferrer{}
	p := New(DefaultConfig(), clock.NewFake(time.Unix(0, 0)), d, nil)

	if err := p.Inject(target, Opts{SessionID: "s1", Text: "hi", ActivityPolicy: PolicyDefer, DeferKey: "k"}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if !d.registered {
		t.Fatalf("expected deferral registration")
	}
	if len(target.written) != 0 {
		t.Fatalf("expected no write while deferred, got %q", target.written)
	}
}

func TestInjectAPIQuotaExceeded(t *testing.T) {
	target := &fakeTarget{activity: session.ActivityInactive}
	cfg := DefaultConfig()
	cfg.APIStdinMaxPerSession = 1
	p := New(cfg, clock.NewFake(time.Unix(0, 0)), nil, nil)

	if err := p.Inject(target, Opts{SessionID: "s1", Source: SourceAPI, Text: "a"}); err != nil {
		t.Fatalf("first inject: %v", err)
	}
	if err := p.Inject(target, Opts{SessionID: "s1", Source: SourceAPI, Text: "b"}); err == nil {
		t.Fatalf("expected quota error on second api injection")
	}
}
