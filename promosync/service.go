package promosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/config"
	"bitbucket.org/mmdatafocus/promo_sync/models"
	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Publisher hands a job to a queue instead of running it in the caller.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

type ServiceConfig struct {
	Workflow *Workflow
	Exporter *Exporter
	Journal  Journal
	Locker   Locker
	// Publisher is optional; without it jobs run inline.
	Publisher Publisher
	Logger    *logrus.Logger
	SheetID   string
	// SheetNames maps each variant to its worksheet, for locking and the journal.
	SheetNames map[Variant]string
}

// Service runs jobs one per worksheet at a time and journals them.
type Service struct {
	workflow   *Workflow
	exporter   *Exporter
	journal    Journal
	locker     Locker
	publisher  Publisher
	logger     *logrus.Logger
	sheetID    string
	sheetNames map[Variant]string
}

func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		workflow:   cfg.Workflow,
		exporter:   cfg.Exporter,
		journal:    cfg.Journal,
		locker:     cfg.Locker,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		sheetID:    cfg.SheetID,
		sheetNames: cfg.SheetNames,
	}
	if s.journal == nil {
		s.journal = NewMemoryJournal()
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.sheetNames == nil {
		s.sheetNames = map[Variant]string{}
	}
	return s
}

func (s *Service) Journal() Journal {
	return s.journal
}

// NewJob fills in a run id for a job built from a request.
func NewJob(variant Variant, dryRun bool, triggeredBy string) Job {
	return Job{RunID: uuid.NewString(), Variant: variant, DryRun: dryRun, TriggeredBy: triggeredByOrDefault(triggeredBy)}
}

// Trigger queues the job when a publisher is configured and otherwise runs
// it to completion. A queued job is journaled as queued before publishing.
func (s *Service) Trigger(ctx context.Context, job Job) (*JobResult, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if s.publisher == nil {
		return s.Execute(ctx, job)
	}

	if err := s.journal.Queue(ctx, s.runInfo(job)); err != nil {
		config.LogError(s.logger, "promosync", "Trigger", "journal queue", job.RunID, err)
	}
	if err := s.publisher.Publish(ctx, job); err != nil {
		config.LogError(s.logger, "promosync", "Trigger", "publish job", job, err)
		err = fmt.Errorf("publish job: %w", err)
		if ferr := s.journal.Finish(context.WithoutCancel(ctx), job.RunID, Counts{}, err); ferr != nil && !errors.Is(ferr, ErrRunNotFound) {
			config.LogError(s.logger, "promosync", "Trigger", "journal finish", job.RunID, ferr)
		}
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"run_id": job.RunID, "variant": job.Variant}).Info("promotion job queued")
	return &JobResult{RunID: job.RunID, Variant: job.Variant, Queued: true}, nil
}

// Execute runs the job under the worksheet lock. A second job for the same
// worksheet fails with ErrRunInProgress. A job whose run id has already
// finished is not run again and comes back with Skipped set.
func (s *Service) Execute(ctx context.Context, job Job) (*JobResult, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	ctx = utils.SetRunIdInContext(ctx, job.RunID)
	ctx = utils.SetVariantInContext(ctx, string(job.Variant))
	if job.CorrelationID != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, job.CorrelationID)
	} else if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		job.CorrelationID = cid
	}

	info := s.runInfo(job)
	runCtx, release, err := s.locker.Acquire(ctx, lockKey(s.sheetID, info.SheetName))
	if err != nil {
		return nil, err
	}
	defer release()

	result := &JobResult{RunID: job.RunID, Variant: job.Variant}
	info.StartedAt = time.Now()
	if err := s.journal.Start(runCtx, info); err != nil {
		if errors.Is(err, ErrRunAlreadyProcessed) {
			s.logger.WithFields(logrus.Fields{"run_id": job.RunID, "variant": job.Variant}).Info("promotion job already processed, skipping")
			result.Skipped = true
			return result, nil
		}
		config.LogError(s.logger, "promosync", "Execute", "journal start", job.RunID, err)
	}

	var counts Counts
	var runErr error
	switch job.Variant {
	case VariantExport:
		if s.exporter == nil {
			runErr = errors.New("export is not configured")
			break
		}
		result.Export, runErr = s.exporter.ExportSpecialOffers(runCtx)
		if result.Export != nil {
			counts.Total = result.Export.Exported
		}
	default:
		if s.workflow == nil {
			runErr = errors.New("sync is not configured")
			break
		}
		result.Summary, runErr = s.workflow.Run(runCtx, job.Variant, RunOptions{RunID: job.RunID, DryRun: job.DryRun})
		if result.Summary != nil {
			counts = result.Summary.Counts
		}
	}
	if cause := context.Cause(runCtx); runErr != nil && errors.Is(cause, ErrLockLost) {
		runErr = cause
	}

	// The journal is written even when the run's context is gone.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if result.Summary != nil {
		if err := s.journal.RecordRows(finishCtx, job.RunID, result.Summary.Results); err != nil {
			config.LogError(s.logger, "promosync", "Execute", "journal rows", job.RunID, err)
		}
	}
	if err := s.journal.Finish(finishCtx, job.RunID, counts, runErr); err != nil {
		config.LogError(s.logger, "promosync", "Execute", "journal finish", job.RunID, err)
	}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (s *Service) runInfo(job Job) RunInfo {
	return RunInfo{
		RunID:         job.RunID,
		Variant:       job.Variant,
		SheetID:       s.sheetID,
		SheetName:     s.sheetNames[job.Variant],
		DryRun:        job.DryRun,
		TriggeredBy:   job.TriggeredBy,
		CorrelationID: job.CorrelationID,
	}
}

func triggeredByOrDefault(v string) string {
	if v == "" {
		return models.SyncTriggeredManual
	}
	return v
}
