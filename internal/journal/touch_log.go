package journal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rawblock/cabal-engine/pkg/models"
)

// touchBufferLimit is the in-memory buffer flushed to disk once full.
const touchBufferLimit = 1 << 20

// TouchLog is the permanent daily journal of MintTouchedEvents. Every
// ingested transaction lands here regardless of parse outcome, so the
// full token universe survives for historical analysis.
type TouchLog struct {
	dir string
	now func() time.Time

	mu         sync.Mutex
	current    *os.File
	currentDay int64
	buf        []byte
}

func NewTouchLog(dir string) (*TouchLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create touch log dir: %w", err)
	}
	return &TouchLog{dir: dir, now: time.Now}, nil
}

func (l *TouchLog) fileName(ts time.Time) string {
	return ts.UTC().Format("20060102") + logExt
}

// file rotates to the current day's file, flushing the buffer first.
// Caller holds the mutex.
func (l *TouchLog) file() (*os.File, error) {
	now := l.now()
	day := now.Unix() / 86400
	if l.current != nil && day == l.currentDay {
		return l.current, nil
	}
	if l.current != nil {
		l.current.Close()
		l.current = nil
	}
	path := filepath.Join(l.dir, l.fileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open touch log file: %w", err)
	}
	l.current = f
	l.currentDay = day
	return f, nil
}

// Append buffers one event, flushing when the buffer fills.
func (l *TouchLog) Append(ev *models.MintTouchedEvent) error {
	return l.AppendBatch([]*models.MintTouchedEvent{ev})
}

// AppendBatch buffers events under one lock acquisition.
func (l *TouchLog) AppendBatch(events []*models.MintTouchedEvent) error {
	if len(events) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range events {
		payload, err := ev.Marshal()
		if err != nil {
			return fmt.Errorf("encode touch event: %w", err)
		}
		frame, err := encodeFrame(payload)
		if err != nil {
			return err
		}
		l.buf = append(l.buf, frame...)
	}
	if len(l.buf) >= touchBufferLimit {
		return l.flushLocked()
	}
	return nil
}

func (l *TouchLog) flushLocked() error {
	if len(l.buf) == 0 {
		return nil
	}
	f, err := l.file()
	if err != nil {
		return err
	}
	if _, err := f.Write(l.buf); err != nil {
		return fmt.Errorf("flush touch log: %w", err)
	}
	l.buf = l.buf[:0]
	return nil
}

// Flush forces the buffer to disk.
func (l *TouchLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

// RunFlush writes the buffer to disk once per interval until ctx ends.
// A quiet feed never fills the buffer, so without this a crash could
// lose hours of audit records.
func (l *TouchLog) RunFlush(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				log.Printf("[TouchLog] Periodic flush: %v", err)
			}
		}
	}
}

// ReadDay streams a day's events through fn, optionally filtered by mint
// (empty filter passes everything). A missing file is not an error.
func (l *TouchLog) ReadDay(day time.Time, mintFilter string, fn func(*models.MintTouchedEvent) error) error {
	path := filepath.Join(l.dir, l.fileName(day))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	return readFrames(f, func(payload []byte) error {
		ev, err := models.UnmarshalMintTouched(payload)
		if err != nil {
			return nil
		}
		if mintFilter != "" {
			found := false
			for _, m := range ev.MintsTouched {
				if m == mintFilter {
					found = true
					break
				}
			}
			if !found {
				return nil
			}
		}
		return fn(ev)
	})
}

// MintsTouchedOn counts distinct mints seen on a given day.
func (l *TouchLog) MintsTouchedOn(day time.Time) (int, error) {
	mints := map[string]struct{}{}
	err := l.ReadDay(day, "", func(ev *models.MintTouchedEvent) error {
		for _, m := range ev.MintsTouched {
			mints[m] = struct{}{}
		}
		return nil
	})
	return len(mints), err
}

// Close flushes the buffer and closes the open file.
func (l *TouchLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		log.Printf("[TouchLog] Flush on close: %v", err)
	}
	if l.current != nil {
		err := l.current.Close()
		l.current = nil
		return err
	}
	return nil
}

// Stats reports file count, disk size and pending buffer bytes.
func (l *TouchLog) Stats() map[string]any {
	l.mu.Lock()
	pending := len(l.buf)
	l.mu.Unlock()

	entries, _ := os.ReadDir(l.dir)
	var total int64
	count := 0
	for _, e := range entries {
		if fi, err := e.Info(); err == nil && !e.IsDir() {
			total += fi.Size()
			count++
		}
	}
	return map[string]any{
		"file_count":       count,
		"total_size_bytes": total,
		"buffer_bytes":     pending,
		"data_dir":         l.dir,
	}
}
