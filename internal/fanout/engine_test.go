package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/wingterm/termd/internal/clock"
)

func TestSafeUTF8SplitKeepsWholeRunes(t *testing.T) {
	data := []byte("hello \xe4\xb8\x96") // "hello 世" with a truncated trailing byte missing
	truncated := data[:len(data)-1]
	out := safeUTF8Split(truncated)
	if len(out) != 6 {
		t.Fatalf("expected truncation back to ascii prefix, got %q", out)
	}
}

func TestSafeUTF8CutRespectsBudgetAndRuneBoundary(t *testing.T) {
	data := []byte("hello \xe4\xb8\x96") // 6 ascii bytes + 3-byte rune
	if n := safeUTF8Cut(data, 100); n != len(data) {
		t.Fatalf("expected full chunk within budget, got %d", n)
	}
	if n := safeUTF8Cut(data, 7); n != 6 {
		t.Fatalf("expected cut to back off the straddled rune, got %d", n)
	}
	if n := safeUTF8Cut(data, 0); n != 0 {
		t.Fatalf("expected zero-budget cut to be 0, got %d", n)
	}
}

type flushRecord struct {
	clientID string
	data     []byte
}

func TestEngineDropsUnderBacklogPressure(t *testing.T) {
	var dropped int
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{MaxFlushBytesPerTick: 10, MaxBacklogBytes: 50, FlushInterval: time.Hour}, clk, Hooks{
		OnDropped: func(n int) { dropped = n },
	})
	defer e.Close()

	e.Enqueue(1, make([]byte, 100))
	if dropped != 100 {
		t.Fatalf("expected the whole 100-byte chunk dropped, got %d", dropped)
	}
}

func TestEngineDeliversOnlyChunksAfterClientMarker(t *testing.T) {
	var mu sync.Mutex
	var flushes []flushRecord
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{MaxFlushBytesPerTick: 1024, MaxBacklogBytes: 1024, FlushInterval: time.Hour}, clk, Hooks{
		OnFlush: func(clientID string, data []byte) {
			mu.Lock()
			flushes = append(flushes, flushRecord{clientID, append([]byte(nil), data...)})
			mu.Unlock()
		},
	})
	defer e.Close()

	// Chunk 1 lands in the backlog before any client attaches.
	e.Enqueue(1, []byte("before"))
	// A client attaching now has already seen "before" via its own history
	// fetch (byteOffset covers it), so it must not receive it live too.
	e.AttachClient("late", 1, 6)
	if loaded := e.MarkHistoryLoaded("late"); len(loaded) != 0 {
		t.Fatalf("expected nothing queued for a client whose marker covers the backlog, got %v", loaded)
	}

	e.Enqueue(2, []byte("after"))
	e.tick()

	mu.Lock()
	defer mu.Unlock()
	for _, f := range flushes {
		if f.clientID == "late" && string(f.data) == "before" {
			t.Fatalf("duplicate delivery: client attached after this chunk landed in the backlog received it live")
		}
	}
	found := false
	for _, f := range flushes {
		if f.clientID == "late" && string(f.data) == "after" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the post-attach chunk to be delivered live, got %v", flushes)
	}
}

func TestEngineQueuesLiveOutputWhileClientIsLoadingHistory(t *testing.T) {
	var mu sync.Mutex
	var flushes []flushRecord
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{MaxFlushBytesPerTick: 1024, MaxBacklogBytes: 1024, FlushInterval: time.Hour}, clk, Hooks{
		OnFlush: func(clientID string, data []byte) {
			mu.Lock()
			flushes = append(flushes, flushRecord{clientID, append([]byte(nil), data...)})
			mu.Unlock()
		},
	})
	defer e.Close()

	e.AttachClient("c1", 0, 5)
	e.Enqueue(1, []byte("live-while-loading"))
	e.tick()

	mu.Lock()
	if len(flushes) != 0 {
		mu.Unlock()
		t.Fatalf("expected output to queue, not flush, while client is still loading history, got %v", flushes)
	}
	mu.Unlock()

	queued := e.MarkHistoryLoaded("c1")
	if len(queued) != 1 || string(queued[0]) != "live-while-loading" {
		t.Fatalf("expected the queued chunk back from MarkHistoryLoaded, got %v", queued)
	}

	e.Enqueue(2, []byte("live-after-loaded"))
	e.tick()

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 || flushes[0].clientID != "c1" || string(flushes[0].data) != "live-after-loaded" {
		t.Fatalf("expected one live flush after history_loaded, got %v", flushes)
	}
}

func TestEngineNoDuplicateNoGapAcrossAttachTiming(t *testing.T) {
	// Regression for §8 scenario S4: two clients attach at different points
	// in the same output stream and each must see every byte exactly once.
	var mu sync.Mutex
	delivered := map[string][]byte{}
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{MaxFlushBytesPerTick: 1024, MaxBacklogBytes: 4096, FlushInterval: time.Hour}, clk, Hooks{
		OnFlush: func(clientID string, data []byte) {
			mu.Lock()
			delivered[clientID] = append(delivered[clientID], data...)
			mu.Unlock()
		},
	})
	defer e.Close()

	e.Enqueue(1, []byte("aaa"))
	e.AttachClient("early", 0, 0)
	e.MarkHistoryLoaded("early")
	e.tick() // "early" should get "aaa" live

	e.Enqueue(2, []byte("bbb"))
	// "late" attaches after seq 1 was flushed and while seq 2 is in the
	// backlog; its own history fetch is assumed to cover everything up to here.
	e.AttachClient("late", 2, 6)
	e.MarkHistoryLoaded("late")
	e.tick()

	e.Enqueue(3, []byte("ccc"))
	e.tick()

	mu.Lock()
	defer mu.Unlock()
	if string(delivered["early"]) != "aaabbbccc" {
		t.Fatalf("expected early client to see every chunk exactly once, got %q", delivered["early"])
	}
	if string(delivered["late"]) != "ccc" {
		t.Fatalf("expected late client to see only output after its marker, got %q", delivered["late"])
	}
}
