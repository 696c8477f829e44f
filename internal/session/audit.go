package session

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"
)

// AuditTrail is an optional, independent record of every PTY output frame
// and resize event, compact-encoded as gzip'd varint-delta frames. It is
// never trimmed and never affects History's sequence numbers — a write
// failure here is Transient and only disables further capture (§4.D).
//
// Grounded in internal/egg/server.go's writeAuditFrame/writeAuditResize/
// writeVarint.
type AuditTrail struct {
	mu     sync.Mutex
	file   *os.File
	writer *gzip.Writer
	start  time.Time
	lastMS uint64
	frames int
	failed bool
}

const (
	auditFrameOutput = uint64(0)
	auditFrameResize = uint64(1)
)

func NewAuditTrail(path string) (*AuditTrail, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &AuditTrail{file: f, writer: gzip.NewWriter(f), start: time.Now()}, nil
}

func (a *AuditTrail) RecordOutput(data []byte) {
	a.writeFrame(auditFrameOutput, data)
}

func (a *AuditTrail) RecordResize(cols, rows int) {
	var buf [20]byte
	n := binary.PutUvarint(buf[:], uint64(cols))
	n += binary.PutUvarint(buf[n:], uint64(rows))
	a.writeFrame(auditFrameResize, buf[:n])
}

func (a *AuditTrail) writeFrame(frameType uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed || a.writer == nil {
		return
	}
	ms := uint64(time.Since(a.start).Milliseconds())
	delta := ms - a.lastMS
	a.lastMS = ms
	if err := writeVarint(a.writer, delta); err != nil {
		a.failed = true
		return
	}
	writeVarint(a.writer, frameType)
	writeVarint(a.writer, uint64(len(data)))
	if _, err := a.writer.Write(data); err != nil {
		a.failed = true
		return
	}
	a.frames++
	if a.frames%100 == 0 {
		a.writer.Flush()
		a.file.Sync()
	}
}

func writeVarint(w io.Writer, v uint64) error {
	var buf [10]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func (a *AuditTrail) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer != nil {
		a.writer.Close()
	}
	return a.file.Close()
}
