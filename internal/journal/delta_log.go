package journal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/cabal-engine/pkg/models"
)

const logExt = ".msgpack.zlib"

// DeltaLog is the rotating short-retention journal of TxDeltaRecords. It
// exists so the state manager can re-infer swaps for a token's recent
// past the moment it turns hot, without any paid lookups.
type DeltaLog struct {
	dir       string
	rotate    time.Duration
	retention time.Duration
	now       func() time.Time

	mu            sync.Mutex
	current       *os.File
	currentBucket int64
}

// NewDeltaLog creates the journal directory if needed.
func NewDeltaLog(dir string, rotate, retention time.Duration) (*DeltaLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create delta log dir: %w", err)
	}
	return &DeltaLog{
		dir:       dir,
		rotate:    rotate,
		retention: retention,
		now:       time.Now,
	}, nil
}

func (l *DeltaLog) fileName(ts time.Time) string {
	secs := int64(l.rotate / time.Second)
	bucket := ts.Unix() / secs
	aligned := time.Unix(bucket*secs, 0).UTC()
	return aligned.Format("20060102_150405") + logExt
}

// file returns the current handle, rotating when the bucket rolls over.
// Caller holds the mutex.
func (l *DeltaLog) file() (*os.File, error) {
	now := l.now()
	bucket := now.Unix() / int64(l.rotate/time.Second)
	if l.current != nil && bucket == l.currentBucket {
		return l.current, nil
	}
	if l.current != nil {
		l.current.Close()
		l.current = nil
	}
	path := filepath.Join(l.dir, l.fileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open delta log file: %w", err)
	}
	l.current = f
	l.currentBucket = bucket
	return f, nil
}

// Append writes one record.
func (l *DeltaLog) Append(rec *models.TxDeltaRecord) error {
	return l.AppendBatch([]*models.TxDeltaRecord{rec})
}

// AppendBatch writes records under one lock acquisition.
func (l *DeltaLog) AppendBatch(recs []*models.TxDeltaRecord) error {
	if len(recs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.file()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		payload, err := rec.Marshal()
		if err != nil {
			return fmt.Errorf("encode delta record: %w", err)
		}
		frame, err := encodeFrame(payload)
		if err != nil {
			return err
		}
		if _, err := f.Write(frame); err != nil {
			return fmt.Errorf("write delta record: %w", err)
		}
	}
	return nil
}

// logFiles lists journal files sorted by name, which is chronological.
func (l *DeltaLog) logFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".zlib" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (l *DeltaLog) fileTime(name string) (time.Time, bool) {
	base := name[:len(name)-len(logExt)]
	t, err := time.Parse("20060102_150405", base)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ReadForMint returns every retained record that touched mint, oldest
// first.
func (l *DeltaLog) ReadForMint(mint string, maxAge time.Duration) ([]*models.TxDeltaRecord, error) {
	if maxAge <= 0 {
		maxAge = l.retention
	}
	cutoff := l.now().Add(-maxAge)

	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}

	var out []*models.TxDeltaRecord
	for _, name := range files {
		ts, ok := l.fileTime(name)
		if !ok || ts.Before(cutoff.Add(-l.rotate)) {
			continue
		}
		f, err := os.Open(filepath.Join(l.dir, name))
		if err != nil {
			log.Printf("[DeltaLog] Open %s: %v", name, err)
			continue
		}
		err = readFrames(f, func(payload []byte) error {
			rec, err := models.UnmarshalTxDelta(payload)
			if err != nil {
				return nil // skip undecodable frame
			}
			for _, m := range rec.MintsTouched {
				if m == mint {
					out = append(out, rec)
					break
				}
			}
			return nil
		})
		f.Close()
		if err != nil {
			log.Printf("[DeltaLog] Read %s: %v", name, err)
		}
	}
	return out, nil
}

// RunCleanup deletes files past retention once a minute until ctx ends.
func (l *DeltaLog) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.cleanupOld(); n > 0 {
				log.Printf("[DeltaLog] Cleaned up %d expired files", n)
			}
		}
	}
}

func (l *DeltaLog) cleanupOld() int {
	cutoff := l.now().Add(-l.retention)

	l.mu.Lock()
	openBucket := l.currentBucket
	l.mu.Unlock()

	files, err := l.logFiles()
	if err != nil {
		return 0
	}
	deleted := 0
	for _, name := range files {
		ts, ok := l.fileTime(name)
		if !ok {
			continue
		}
		// Never delete the file currently being written.
		if ts.Unix()/int64(l.rotate/time.Second) == openBucket {
			continue
		}
		if ts.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, name)); err == nil {
				deleted++
			}
		}
	}
	return deleted
}

// Close flushes and closes the open file.
func (l *DeltaLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		err := l.current.Close()
		l.current = nil
		return err
	}
	return nil
}

// Stats reports file count and total size.
func (l *DeltaLog) Stats() map[string]any {
	files, _ := l.logFiles()
	var total int64
	for _, name := range files {
		if fi, err := os.Stat(filepath.Join(l.dir, name)); err == nil {
			total += fi.Size()
		}
	}
	return map[string]any{
		"file_count":       len(files),
		"total_size_bytes": total,
		"data_dir":         l.dir,
	}
}
