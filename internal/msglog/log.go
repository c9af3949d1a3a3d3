// Package msglog implements the Message Log: an append-only, per-project,
// size-segmented JSONL log with a single writer task per project, batched
// fsync, crash-safe recovery that truncates at most one trailing partial
// line, and age-based retention.
package msglog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/streamroom/streamroom/internal/logger"
	"github.com/streamroom/streamroom/internal/model"
)

const segmentNameFormat = "%06d.jsonl"

type appendRequest struct {
	entry model.LogEntry
	done  chan error
}

// ProjectLog is the single-writer log for one project.
type ProjectLog struct {
	dir         string
	segmentCap  int64
	flushEvery  time.Duration

	mu          sync.Mutex // never locked; writes are serialized via requests channel
	seq         int
	curFile     *os.File
	curWriter   *bufio.Writer
	curSize     int64

	requests chan appendRequest
	closed   chan struct{}
}

// Open opens or creates the log directory for a project, recovers from any
// crash-truncated trailing line in the last segment, and starts the
// project's single writer goroutine.
func Open(dir string, segmentCap int64, flushEvery time.Duration) (*ProjectLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("msglog: mkdir %s: %w", dir, err)
	}

	l := &ProjectLog{
		dir:        dir,
		segmentCap: segmentCap,
		flushEvery: flushEvery,
		requests:   make(chan appendRequest, 64),
		closed:     make(chan struct{}),
	}

	lastSeq, lastSize, err := recoverLastSegment(dir)
	if err != nil {
		return nil, err
	}
	l.seq = lastSeq

	if err := l.openSegment(lastSeq, lastSize); err != nil {
		return nil, err
	}

	go l.writerLoop()
	return l, nil
}

// recoverLastSegment scans dir for existing segments, truncates the last
// segment's trailing partial line (if any — e.g. a crash mid-write), and
// returns the sequence number and byte size to resume at.
func recoverLastSegment(dir string) (seq int, size int64, err error) {
	names, err := segmentNames(dir)
	if err != nil {
		return 0, 0, err
	}
	if len(names) == 0 {
		return 0, 0, nil
	}

	last := names[len(names)-1]
	seq = segmentSeq(last)
	path := filepath.Join(dir, last)

	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, fmt.Errorf("msglog: stat %s: %w", path, err)
	}

	validSize, err := truncateTrailingPartialLine(path, info.Size())
	if err != nil {
		return 0, 0, err
	}
	return seq, validSize, nil
}

// truncateTrailingPartialLine reads path and, if its last byte is not a
// newline, truncates the file back to the last full newline. Returns the
// resulting (possibly unchanged) size.
func truncateTrailingPartialLine(path string, size int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("msglog: open %s for recovery: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, size-1); err != nil && err != io.EOF {
		return 0, fmt.Errorf("msglog: read last byte of %s: %w", path, err)
	}
	if buf[0] == '\n' {
		return size, nil
	}

	// Scan forward for the last newline; truncate everything after it.
	reader := bufio.NewReader(io.NewSectionReader(f, 0, size))
	var lastFullLineEnd int64
	var offset int64
	for {
		line, readErr := reader.ReadBytes('\n')
		offset += int64(len(line))
		if readErr != nil {
			break
		}
		lastFullLineEnd = offset
	}

	logger.MsgLog().Warn().Str("path", path).Int64("truncated_to", lastFullLineEnd).Msg("truncating partial trailing log line after crash")
	if err := f.Truncate(lastFullLineEnd); err != nil {
		return 0, fmt.Errorf("msglog: truncate %s: %w", path, err)
	}
	return lastFullLineEnd, nil
}

func segmentNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("msglog: read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func segmentSeq(name string) int {
	base := strings.TrimSuffix(name, ".jsonl")
	n, _ := strconv.Atoi(base)
	return n
}

func (l *ProjectLog) openSegment(seq int, size int64) error {
	path := filepath.Join(l.dir, fmt.Sprintf(segmentNameFormat, seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("msglog: open segment %s: %w", path, err)
	}
	l.curFile = f
	l.curWriter = bufio.NewWriter(f)
	l.curSize = size
	return nil
}

func (l *ProjectLog) rollSegment() error {
	if err := l.curWriter.Flush(); err != nil {
		return fmt.Errorf("msglog: flush before roll: %w", err)
	}
	if err := l.curFile.Sync(); err != nil {
		return fmt.Errorf("msglog: fsync before roll: %w", err)
	}
	if err := l.curFile.Close(); err != nil {
		return fmt.Errorf("msglog: close before roll: %w", err)
	}
	l.seq++
	return l.openSegment(l.seq, 0)
}

// writerLoop is the single writer task for this project's log. It batches
// fsync on a timer so concurrent appenders don't each pay a full sync.
func (l *ProjectLog) writerLoop() {
	ticker := time.NewTicker(l.flushEvery)
	defer ticker.Stop()

	pending := make([]chan error, 0, 16)
	flush := func() {
		err := l.curWriter.Flush()
		if err == nil {
			err = l.curFile.Sync()
		}
		for _, done := range pending {
			done <- err
		}
		pending = pending[:0]
	}

	for {
		select {
		case req, ok := <-l.requests:
			if !ok {
				flush()
				l.curFile.Close()
				close(l.closed)
				return
			}
			line, err := json.Marshal(req.entry)
			if err != nil {
				req.done <- fmt.Errorf("msglog: marshal entry: %w", err)
				continue
			}
			line = append(line, '\n')

			if l.curSize+int64(len(line)) > l.segmentCap && l.curSize > 0 {
				flush()
				if err := l.rollSegment(); err != nil {
					req.done <- err
					continue
				}
			}

			if _, err := l.curWriter.Write(line); err != nil {
				req.done <- fmt.Errorf("msglog: write entry: %w", err)
				continue
			}
			l.curSize += int64(len(line))
			pending = append(pending, req.done)

		case <-ticker.C:
			if len(pending) > 0 {
				flush()
			}
		}
	}
}

// Append enqueues an entry and blocks until it is durably flushed.
func (l *ProjectLog) Append(direction model.Direction, payload []byte) error {
	done := make(chan error, 1)
	entry := model.LogEntry{T: time.Now().UnixNano(), D: direction, M: payload}
	select {
	case l.requests <- appendRequest{entry: entry, done: done}:
	case <-l.closed:
		return fmt.Errorf("msglog: log closed")
	}
	return <-done
}

// Close flushes and stops the writer goroutine.
func (l *ProjectLog) Close() {
	close(l.requests)
	<-l.closed
}

// Since streams entries with timestamp strictly greater than sinceNanos, in
// ascending order, stopping after limit entries (limit <= 0 means
// unbounded). Entries are not indexed on disk, so this is a forward scan
// of every line of every segment, in segment order; no segment is skipped
// on the basis of its first entry's timestamp.
func (l *ProjectLog) Since(sinceNanos int64, limit int) ([]model.ReplayEntry, error) {
	names, err := segmentNames(l.dir)
	if err != nil {
		return nil, err
	}

	var out []model.ReplayEntry
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("msglog: open segment %s: %w", path, err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var entry model.LogEntry
			if err := json.Unmarshal(line, &entry); err != nil {
				logger.MsgLog().Warn().Err(err).Str("segment", name).Msg("skipping unparseable log line")
				continue
			}
			if entry.T <= sinceNanos {
				continue
			}
			out = append(out, model.ReplayEntry{Timestamp: entry.T, Direction: entry.D, Message: entry.M})
			if limit > 0 && len(out) >= limit {
				f.Close()
				return out, nil
			}
		}
		scanErr := scanner.Err()
		f.Close()
		if scanErr != nil {
			return nil, fmt.Errorf("msglog: scan segment %s: %w", path, scanErr)
		}
	}
	return out, nil
}

// Retain deletes segments whose file modification time is older than
// maxAge, always keeping at least one (the newest) segment.
func (l *ProjectLog) Retain(maxAge time.Duration) error {
	names, err := segmentNames(l.dir)
	if err != nil {
		return err
	}
	if len(names) <= 1 {
		return nil
	}

	cutoff := time.Now().Add(-maxAge)
	for _, name := range names[:len(names)-1] {
		path := filepath.Join(l.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				logger.MsgLog().Error().Err(err).Str("path", path).Msg("failed to remove expired segment")
				continue
			}
			logger.MsgLog().Info().Str("path", path).Msg("removed expired log segment")
		}
	}
	return nil
}

// SegmentPaths returns the absolute paths of all segments but the current
// (still-open) one, in order — the candidates Retain (and any archival
// hook) may act on.
func (l *ProjectLog) SegmentPaths() ([]string, error) {
	names, err := segmentNames(l.dir)
	if err != nil {
		return nil, err
	}
	if len(names) <= 1 {
		return nil, nil
	}
	out := make([]string, 0, len(names)-1)
	for _, n := range names[:len(names)-1] {
		out = append(out, filepath.Join(l.dir, n))
	}
	return out, nil
}
