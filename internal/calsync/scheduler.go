package calsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSyncSchedule runs a sync every five minutes.
const DefaultSyncSchedule = "*/5 * * * *"

// Syncer is the part of Engine the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context) SyncResult
}

// Scheduler is the single periodic timer behind background syncs. Ticks that
// arrive while a run is active are skipped by the engine's run guard.
type Scheduler struct {
	cron    *cron.Cron
	syncer  Syncer
	timeout time.Duration
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler parses a standard five-field cron expression. "@every 1m" style
// descriptors are accepted too.
func NewScheduler(schedule string, syncer Syncer, runTimeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSyncSchedule
	}
	if syncer == nil {
		return nil, fmt.Errorf("%w: syncer required", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(),
		syncer:  syncer,
		timeout: runTimeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: sync schedule %q: %v", ErrInvalidInput, schedule, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	res := s.syncer.Sync(ctx)
	if res.Skipped {
		s.logger.Debug("scheduled sync skipped")
		return
	}
	if !res.Success {
		s.logger.Warn("scheduled sync finished with errors", "errors", res.ErrorCount, "conflicts", res.ConflictCount)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the timer, cancels a running sync and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
