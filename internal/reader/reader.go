// Package reader implements the TS Reader thread (§4.7): the single
// goroutine that owns the DVR source, reads packet batches, and fans
// each packet out through a dispatch.Dispatcher.
//
// Grounded on the teacher's internal/tuner/ts_inspector.go for its
// resync-on-0x47 byte-stream-to-packet framing (the teacher reads from
// an ffmpeg subprocess's stdout; this reader reads from a DVR device or
// file, same framing problem) and on original_source/src/tuning.c's
// reader-thread enable/quiesce contract. The empty-read backoff uses
// golang.org/x/time/rate, the same limiter package the teacher carried
// for its provider poll loops, rather than a hand-rolled sleep.
package reader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snapetech/tsengine/internal/dispatch"
	"github.com/snapetech/tsengine/internal/metrics"
	"github.com/snapetech/tsengine/internal/tspacket"
)

const packetSize = 188

// batchPackets is N in §4.7's "read up to N packets (N≈20) from the DVR
// in one blocking read with short timeout".
const batchPackets = 20

// Stats is the reader's advisory packet-rate accounting.
type Stats struct {
	TotalPackets uint64
	Bitrate      float64 // bits/sec, §4.7's "bitrate = packets_in_window * 188 * 8"
}

type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// Reader owns the reader thread for one adapter. Exactly one goroutine
// should call Run; every other method is safe to call concurrently from
// control threads.
type Reader struct {
	src  io.Reader
	disp *dispatch.Dispatcher
	log  *slog.Logger

	// Metrics, when set, receives packet-count and bitrate observations.
	// Left nil by New; callers that want the /metrics endpoint populated
	// assign it before calling Run.
	Metrics *metrics.Registry

	readTimeout time.Duration

	// underrunLimiter caps how often the loop retries a read that
	// returned no packets, so a stalled or disconnected DVR source
	// doesn't spin the reader goroutine.
	underrunLimiter *rate.Limiter

	// structMu is the coarse lock()/unlock() mutex from §4.7's
	// concurrency contract, guarding structural changes such as filter
	// group create/destroy and cache writeback against an in-flight
	// read batch.
	structMu sync.Mutex

	mu         sync.Mutex
	cond       *sync.Cond
	wantEnable bool
	enabled    bool
	quit       bool

	buf []byte

	statsMu       sync.Mutex
	totalPackets  uint64
	windowStart   time.Time
	windowPackets int
	bitrate       float64
}

// New creates a Reader. readTimeout bounds each blocking read from src
// when src supports SetReadDeadline; it has no effect otherwise.
func New(src io.Reader, disp *dispatch.Dispatcher, log *slog.Logger, readTimeout time.Duration) *Reader {
	if log == nil {
		log = slog.Default()
	}
	r := &Reader{src: src, disp: disp, log: log, readTimeout: readTimeout}
	r.cond = sync.NewCond(&r.mu)
	// 50Hz cap on empty-read retries; a DVR poll loop that underruns
	// shouldn't busy-spin the reader goroutine between batches.
	r.underrunLimiter = rate.NewLimiter(rate.Limit(50), 1)
	return r
}

// Lock acquires the coarse structural mutex, blocking until the reader
// loop is between batches and excluded from running one.
func (r *Reader) Lock() { r.structMu.Lock() }

// Unlock releases the coarse structural mutex.
func (r *Reader) Unlock() { r.structMu.Unlock() }

// Enable sets the desired enabled state and blocks until the reader
// loop has observed it, per §4.7's "both block until the reader
// observes the new state between packet batches".
func (r *Reader) Enable(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wantEnable = on
	r.cond.Broadcast()
	for r.enabled != on && !r.quit {
		r.cond.Wait()
	}
}

// Quit requests the reader loop to stop at its next opportunity. It
// does not block for Run to return; callers should join the goroutine
// running Run separately.
func (r *Reader) Quit() {
	r.mu.Lock()
	r.quit = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Stats returns a snapshot of the packet counters and bitrate estimate.
func (r *Reader) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return Stats{TotalPackets: r.totalPackets, Bitrate: r.bitrate}
}

// Run is the reader thread body. Call it in its own goroutine; control
// it with Enable and Quit.
func (r *Reader) Run() {
	for {
		r.mu.Lock()
		r.enabled = r.wantEnable
		r.cond.Broadcast()
		for !r.enabled && !r.quit {
			r.cond.Wait()
			r.enabled = r.wantEnable
		}
		quit := r.quit
		r.mu.Unlock()
		if quit {
			return
		}

		r.structMu.Lock()
		n, err := r.readBatch()
		r.structMu.Unlock()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if !isTimeout(err) {
				r.log.Warn("reader: read error", "error", err)
			}
		}
		if n == 0 {
			_ = r.underrunLimiter.Wait(context.Background())
		}
	}
}

// readBatch performs one blocking read of up to batchPackets packets'
// worth of bytes, extracts complete 188-byte packets (resyncing on the
// 0x47 sync byte across read boundaries), and dispatches each. It
// returns the number of bytes read so Run can throttle retries when the
// source underruns.
func (r *Reader) readBatch() (int, error) {
	if ds, ok := r.src.(deadlineSetter); ok && r.readTimeout > 0 {
		_ = ds.SetReadDeadline(time.Now().Add(r.readTimeout))
	}
	chunk := make([]byte, batchPackets*packetSize)
	n, err := r.src.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
		r.drainPackets()
	}
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, err
}

func (r *Reader) drainPackets() {
	for len(r.buf) >= packetSize {
		if r.buf[0] != 0x47 {
			idx := -1
			for i := 1; i < len(r.buf); i++ {
				if r.buf[i] == 0x47 {
					idx = i
					break
				}
			}
			if idx < 0 {
				if len(r.buf) > packetSize-1 {
					r.buf = r.buf[len(r.buf)-(packetSize-1):]
				}
				return
			}
			r.buf = r.buf[idx:]
			continue
		}
		raw := make([]byte, packetSize)
		copy(raw, r.buf[:packetSize])
		r.buf = r.buf[packetSize:]

		pkt, err := tspacket.Wrap(raw)
		if err != nil {
			continue
		}
		r.disp.Dispatch(pkt)
		r.recordPacket()
	}
}

func (r *Reader) recordPacket() {
	r.statsMu.Lock()
	r.totalPackets++
	if r.Metrics != nil {
		r.Metrics.ReaderTotalPackets.Inc()
	}
	now := time.Now()
	if r.windowStart.IsZero() {
		r.windowStart = now
	}
	r.windowPackets++
	if elapsed := now.Sub(r.windowStart); elapsed >= time.Second {
		r.bitrate = float64(r.windowPackets) * packetSize * 8 / elapsed.Seconds()
		if r.Metrics != nil {
			r.Metrics.ReaderBitrate.Set(r.bitrate)
		}
		r.windowStart = now
		r.windowPackets = 0
	}
	r.statsMu.Unlock()
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
