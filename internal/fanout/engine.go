// Package fanout implements the Output Fan-out Engine (component E): the
// trimmable delivery backlog that sits downstream of a session's History and
// decides what bytes actually go out over the wire to attached clients.
//
// Grounded in internal/egg/server.go's replayBuffer, but split out of the
// session package: History never trims, this backlog does. A session with
// no attached clients still appends to History forever; it only drops from
// here.
//
// Each client carries its own delivery position, not a single shared cursor:
// §8's no-duplicate/no-gap invariant requires that a chunk already sitting
// in the backlog when a new client attaches never be replayed live to that
// client (it reads that span via the history HTTP endpoint instead), while
// the same chunk must still go out live to clients that attached earlier.
package fanout

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/wingterm/termd/internal/clock"
)

// Hooks are fired from the tick goroutine; callers (the wsrelay broadcast
// layer) must not block on them for long.
type Hooks struct {
	// OnFlush delivers one chunk of live output to one specific attached
	// client (after it has called history_loaded). It is never invoked for a
	// client still loading history; that output goes to its queue instead.
	OnFlush   func(clientID string, data []byte)
	OnDropped func(droppedBytes int)
}

// Config holds the per-tick flush cap, the total backlog cap and the tick
// interval. The two caps come from config.Config's
// MaxFlushBytesPerTick/MaxBacklogBytes; config.Config has no flush-interval
// key, so the registry sets FlushInterval itself.
type Config struct {
	MaxFlushBytesPerTick int
	MaxBacklogBytes      int
	FlushInterval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxFlushBytesPerTick: 64 * 1024,
		MaxBacklogBytes:      1024 * 1024,
		FlushInterval:        20 * time.Millisecond,
	}
}

// chunkEntry is one unit of output still pending delivery to at least one
// attached client. seq is the History sequence number stamped when the
// chunk was appended, the same number a client's attach marker is compared
// against.
type chunkEntry struct {
	seq  int64
	data []byte
}

// clientState tracks one attached client's delivery position independently
// of every other client. marker is the History seq the client attached at:
// a chunk is only ever delivered to this client if chunk.seq > marker.
// While loading is true (before the client's history_loaded message),
// eligible chunks accumulate in queued instead of being flushed live.
type clientState struct {
	id      string
	marker  int64
	loading bool
	queued  [][]byte
}

// Engine is the per-session fan-out actor.
type Engine struct {
	mu           sync.Mutex
	cfg          Config
	clk          clock.Clock
	hooks        Hooks
	ticker       clock.Timer
	backlog      []chunkEntry
	backlogBytes int64
	clients      map[string]*clientState
	closed       bool
	droppedTotal int64
}

func New(cfg Config, clk clock.Clock, hooks Hooks) *Engine {
	e := &Engine{
		cfg:     cfg,
		clk:     clk,
		hooks:   hooks,
		clients: make(map[string]*clientState),
	}
	e.ticker = clk.AfterFunc(cfg.FlushInterval, e.tick)
	return e
}

// Enqueue appends one chunk of session output to the backlog for delivery
// on the next tick, and immediately enforces the backlog cap so a burst of
// output doesn't wait for the tick to free memory.
func (e *Engine) Enqueue(seq int64, data []byte) {
	if len(data) == 0 {
		return
	}
	cp := append([]byte(nil), data...)
	e.mu.Lock()
	e.backlog = append(e.backlog, chunkEntry{seq: seq, data: cp})
	e.backlogBytes += int64(len(cp))
	dropped := e.enforceCapLocked()
	e.mu.Unlock()
	if dropped > 0 && e.hooks.OnDropped != nil {
		e.hooks.OnDropped(dropped)
	}
}

// enforceCapLocked drops the oldest backlog chunks until total pending bytes
// is back under MaxBacklogBytes. Dropped chunks are never delivered live to
// anyone; a client that needed them falls back to History directly.
func (e *Engine) enforceCapLocked() int {
	dropped := 0
	for e.backlogBytes > int64(e.cfg.MaxBacklogBytes) && len(e.backlog) > 0 {
		oldest := e.backlog[0]
		e.backlog = e.backlog[1:]
		e.backlogBytes -= int64(len(oldest.data))
		dropped += len(oldest.data)
	}
	e.droppedTotal += int64(dropped)
	return dropped
}

func (e *Engine) tick() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	budget := e.cfg.MaxFlushBytesPerTick
	var toDeliver []chunkEntry
	for budget > 0 && len(e.backlog) > 0 {
		c := e.backlog[0]
		cut := safeUTF8Cut(c.data, budget)
		if cut == 0 {
			break
		}
		toDeliver = append(toDeliver, chunkEntry{seq: c.seq, data: c.data[:cut]})
		budget -= cut
		e.backlogBytes -= int64(cut)
		if cut == len(c.data) {
			e.backlog = e.backlog[1:]
		} else {
			e.backlog[0] = chunkEntry{seq: c.seq, data: c.data[cut:]}
			break // partial chunk; remainder waits for the next tick's budget
		}
	}
	e.mu.Unlock()

	for _, c := range toDeliver {
		e.deliver(c.seq, c.data)
	}

	e.mu.Lock()
	if !e.closed {
		e.ticker.Reset(e.cfg.FlushInterval)
	}
	e.mu.Unlock()
}

// deliver fans one chunk out to every attached client whose marker it
// clears, queueing it for clients still loading history and flushing it
// live for everyone else. Hooks fire outside the lock so a slow client
// write never stalls delivery to the rest.
func (e *Engine) deliver(seq int64, data []byte) {
	type live struct {
		clientID string
		data     []byte
	}
	var lives []live

	e.mu.Lock()
	for id, cs := range e.clients {
		if seq <= cs.marker {
			continue
		}
		if cs.loading {
			cs.queued = append(cs.queued, data)
			continue
		}
		lives = append(lives, live{clientID: id, data: data})
	}
	e.mu.Unlock()

	if e.hooks.OnFlush == nil {
		return
	}
	for _, l := range lives {
		e.hooks.OnFlush(l.clientID, l.data)
	}
}

// safeUTF8Cut returns the length of the longest prefix of data, no longer
// than budget, that is valid UTF-8 — so a flush tick never splits a
// multi-byte rune across two wire messages even when a chunk itself already
// ends mid-rune (a single PTY read can land on a rune boundary).
func safeUTF8Cut(data []byte, budget int) int {
	if budget > len(data) {
		budget = len(data)
	}
	if budget <= 0 {
		return 0
	}
	if utf8.Valid(data[:budget]) {
		return budget
	}
	limit := budget - 4
	if limit < 0 {
		limit = 0
	}
	for cut := budget - 1; cut > limit; cut-- {
		if utf8.Valid(data[:cut]) {
			return cut
		}
	}
	return 0
}

// safeUTF8Split truncates data to the longest prefix that is valid UTF-8. It
// remains as a secondary safety net for any caller handed a raw chunk
// outside the tick budget-splitting path above (e.g. a direct history
// slice), so the same invariant holds wherever output is cut.
func safeUTF8Split(data []byte) []byte {
	if len(data) == 0 || utf8.Valid(data) {
		return data
	}
	limit := len(data) - 4
	if limit < 0 {
		limit = 0
	}
	for cut := len(data) - 1; cut > limit; cut-- {
		if utf8.Valid(data[:cut]) {
			return data[:cut]
		}
	}
	return data
}

// AttachClient registers a newly attached client at the given History
// sequence/byte-offset snapshot (captured via session.History.SeqLen() at
// the moment attach handling began). When byteOffset > 0 the client starts
// in the loading state: eligible live output accumulates in its queue until
// MarkHistoryLoaded is called, so nothing delivered live races the client's
// own history fetch of [0, byteOffset). A client attaching at byteOffset 0
// has no history to fetch and receives live output directly.
func (e *Engine) AttachClient(clientID string, marker, byteOffset int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[clientID] = &clientState{
		id:      clientID,
		marker:  marker,
		loading: byteOffset > 0,
	}
}

// MarkHistoryLoaded ends a client's loading state and returns everything
// queued for it while it was loading, in order, for the caller to flush as
// live output before switching the client over to direct OnFlush delivery.
func (e *Engine) MarkHistoryLoaded(clientID string) [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.clients[clientID]
	if !ok {
		return nil
	}
	queued := cs.queued
	cs.queued = nil
	cs.loading = false
	return queued
}

func (e *Engine) DetachClient(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, clientID)
}

func (e *Engine) DroppedTotal() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.droppedTotal
}

func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.ticker != nil {
		e.ticker.Stop()
	}
}
