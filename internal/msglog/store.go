package msglog

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamroom/streamroom/internal/logger"
)

// Archiver uploads a rotated segment to cold storage before it is deleted
// by retention. Implemented optionally by internal/archive.
type Archiver interface {
	Archive(projectID, segmentPath string) error
}

// Store holds one ProjectLog per active project and runs the periodic
// retention sweep across all of them on a robfig/cron schedule.
type Store struct {
	segmentCap    int64
	flushEvery    time.Duration
	retentionAge  time.Duration
	archiver      Archiver

	mu    sync.Mutex
	logs  map[string]*ProjectLog

	cronSched *cron.Cron
}

// NewStore constructs a Store. archiver may be nil to disable archival.
func NewStore(segmentCap int64, flushEvery, retentionAge time.Duration, archiver Archiver) *Store {
	return &Store{
		segmentCap:   segmentCap,
		flushEvery:   flushEvery,
		retentionAge: retentionAge,
		archiver:     archiver,
		logs:         make(map[string]*ProjectLog),
	}
}

// Get returns (opening if necessary) the ProjectLog for projectID rooted at
// dir.
func (s *Store) Get(projectID, dir string) (*ProjectLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[projectID]; ok {
		return l, nil
	}
	l, err := Open(dir, s.segmentCap, s.flushEvery)
	if err != nil {
		return nil, err
	}
	s.logs[projectID] = l
	return l, nil
}

// CloseAll flushes and closes every open project log, used during
// graceful shutdown so no enqueued append is lost.
func (s *Store) CloseAll() {
	s.mu.Lock()
	logs := make([]*ProjectLog, 0, len(s.logs))
	for _, l := range s.logs {
		logs = append(logs, l)
	}
	s.logs = make(map[string]*ProjectLog)
	s.mu.Unlock()

	for _, l := range logs {
		l.Close()
	}
}

// Drop closes and forgets the log for a deleted project. Files are removed
// by the Project Manager alongside the rest of the project directory.
func (s *Store) Drop(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[projectID]; ok {
		l.Close()
		delete(s.logs, projectID)
	}
}

// StartRetentionSweep schedules the periodic retention task on the given
// cron spec, parsed by cron.New's default parser: standard 5-field syntax
// (e.g. "0 * * * *" for hourly) or a descriptor such as "@every 1h".
func (s *Store) StartRetentionSweep(spec string) error {
	s.cronSched = cron.New()
	_, err := s.cronSched.AddFunc(spec, s.sweepOnce)
	if err != nil {
		return err
	}
	s.cronSched.Start()
	return nil
}

// StopRetentionSweep stops the cron scheduler, if running.
func (s *Store) StopRetentionSweep() {
	if s.cronSched != nil {
		s.cronSched.Stop()
	}
}

func (s *Store) sweepOnce() {
	s.mu.Lock()
	snapshot := make(map[string]*ProjectLog, len(s.logs))
	for id, l := range s.logs {
		snapshot[id] = l
	}
	s.mu.Unlock()

	for projectID, l := range snapshot {
		if s.archiver != nil {
			archived := true
			paths, err := l.SegmentPaths()
			if err != nil {
				logger.MsgLog().Error().Err(err).Str("project_id", projectID).Msg("retention: failed to list segments for archival")
				archived = false
			} else {
				for _, p := range paths {
					if err := s.archiver.Archive(projectID, p); err != nil {
						logger.MsgLog().Warn().Err(err).Str("project_id", projectID).Str("path", p).Msg("archival upload failed, segment retained past archival cutoff")
						archived = false
					}
				}
			}
			if !archived {
				continue
			}
		}
		if err := l.Retain(s.retentionAge); err != nil {
			logger.MsgLog().Error().Err(err).Str("project_id", projectID).Msg("retention sweep failed")
		}
	}
}
