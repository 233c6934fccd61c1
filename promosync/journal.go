package promosync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRunNotFound = errors.New("promosync: run not found")

// ErrRunAlreadyProcessed is returned by Start for a run id that has already
// finished; the job must not be run again.
var ErrRunAlreadyProcessed = errors.New("promosync: run already processed")

// Journal keeps a history of runs and their row outcomes.
type Journal interface {
	// Queue records a run that was handed to the queue and has not started.
	Queue(ctx context.Context, info RunInfo) error
	// Start opens a run. A queued run, or one left running by an interrupted
	// process, is restarted with its old rows dropped. A finished run yields
	// ErrRunAlreadyProcessed.
	Start(ctx context.Context, info RunInfo) error
	RecordRows(ctx context.Context, runID string, rows []RowResult) error
	Finish(ctx context.Context, runID string, counts Counts, runErr error) error
	ListRuns(ctx context.Context, limit int) ([]models.PromoSyncRun, error)
	GetRun(ctx context.Context, runID string) (*models.PromoSyncRun, []models.PromoSyncRowResult, error)
}

func newRunRecord(info RunInfo, status string) models.PromoSyncRun {
	run := models.PromoSyncRun{
		RunId:         info.RunID,
		Variant:       string(info.Variant),
		SheetId:       info.SheetID,
		SheetName:     info.SheetName,
		Status:        status,
		TriggeredBy:   info.TriggeredBy,
		DryRun:        info.DryRun,
		CorrelationId: info.CorrelationID,
	}
	if status != models.SyncRunStatusQueued {
		started := info.StartedAt
		if started.IsZero() {
			started = time.Now()
		}
		run.StartedAt = &started
	}
	return run
}

func runFinished(status string) bool {
	return status == models.SyncRunStatusSuccess || status == models.SyncRunStatusFailed || status == models.SyncRunStatusPartial
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func finishStatus(counts Counts, runErr error) string {
	if runErr != nil {
		return models.SyncRunStatusFailed
	}
	return models.RunStatusFor(counts.Total, counts.Failed)
}

func rowRecords(runPK uint, rows []RowResult) []models.PromoSyncRowResult {
	out := make([]models.PromoSyncRowResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.PromoSyncRowResult{
			SyncRunId: runPK,
			RowNumber: r.RowNumber,
			Code:      r.Code,
			ProductId: r.ProductID,
			OfferId:   r.OfferID,
			Outcome:   r.State.outcome(),
			Status:    r.Status,
		})
	}
	return out
}

// GormJournal persists runs in the promo_sync_runs and promo_sync_row_results
// tables.
type GormJournal struct {
	db *gorm.DB
}

func NewGormJournal(db *gorm.DB) *GormJournal {
	return &GormJournal{db: db}
}

func (j *GormJournal) Queue(ctx context.Context, info RunInfo) error {
	run := newRunRecord(info, models.SyncRunStatusQueued)
	if err := j.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("journal queue %s: %w", info.RunID, err)
	}
	return nil
}

func (j *GormJournal) Start(ctx context.Context, info RunInfo) error {
	db := j.db.WithContext(ctx)
	run := newRunRecord(info, models.SyncRunStatusRunning)
	err := db.Create(&run).Error
	if err == nil {
		return nil
	}
	if !isDuplicateKeyErr(err) {
		return fmt.Errorf("journal start %s: %w", info.RunID, err)
	}

	existing, err := j.findRun(db, info.RunID)
	if err != nil {
		return fmt.Errorf("journal start %s: %w", info.RunID, err)
	}
	if runFinished(existing.Status) {
		return fmt.Errorf("journal start %s: %w", info.RunID, ErrRunAlreadyProcessed)
	}
	if err := db.Where("sync_run_id = ?", existing.ID).Delete(&models.PromoSyncRowResult{}).Error; err != nil {
		return fmt.Errorf("journal start %s: %w", info.RunID, err)
	}
	updates := map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": run.StartedAt,
	}
	if info.CorrelationID != "" {
		updates["correlation_id"] = info.CorrelationID
	}
	if err := db.Model(existing).Updates(updates).Error; err != nil {
		return fmt.Errorf("journal start %s: %w", info.RunID, err)
	}
	return nil
}

func (j *GormJournal) RecordRows(ctx context.Context, runID string, rows []RowResult) error {
	if len(rows) == 0 {
		return nil
	}
	db := j.db.WithContext(ctx)
	run, err := j.findRun(db, runID)
	if err != nil {
		return err
	}
	records := rowRecords(run.ID, rows)
	if err := db.CreateInBatches(&records, 200).Error; err != nil {
		return fmt.Errorf("journal rows %s: %w", runID, err)
	}
	return nil
}

func (j *GormJournal) Finish(ctx context.Context, runID string, counts Counts, runErr error) error {
	db := j.db.WithContext(ctx)
	run, err := j.findRun(db, runID)
	if err != nil {
		return err
	}
	finishedAt := time.Now()
	var durationMs int64
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	errMessage := ""
	if runErr != nil {
		errMessage = runErr.Error()
	}
	if err := db.Model(run).Updates(map[string]interface{}{
		"status":        finishStatus(counts, runErr),
		"total":         counts.Total,
		"created":       counts.Created,
		"not_found":     counts.NotFound,
		"failed":        counts.Failed,
		"patched":       counts.Patched,
		"error_message": errMessage,
		"finished_at":   finishedAt,
		"duration_ms":   durationMs,
	}).Error; err != nil {
		return fmt.Errorf("journal finish %s: %w", runID, err)
	}
	return nil
}

func (j *GormJournal) ListRuns(ctx context.Context, limit int) ([]models.PromoSyncRun, error) {
	var runs []models.PromoSyncRun
	if err := j.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (j *GormJournal) GetRun(ctx context.Context, runID string) (*models.PromoSyncRun, []models.PromoSyncRowResult, error) {
	db := j.db.WithContext(ctx)
	run, err := j.findRun(db, runID)
	if err != nil {
		return nil, nil, err
	}
	var rows []models.PromoSyncRowResult
	if err := db.Where("sync_run_id = ?", run.ID).Order(clause.OrderByColumn{Column: clause.Column{Name: "row_number"}}).Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	return run, rows, nil
}

func (j *GormJournal) findRun(db *gorm.DB, runID string) (*models.PromoSyncRun, error) {
	var run models.PromoSyncRun
	if err := db.Where("run_id = ?", runID).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

// MemoryJournal keeps runs in process memory. It is the journal used when no
// database is configured.
type MemoryJournal struct {
	mu     sync.Mutex
	nextID uint
	runs   map[string]*models.PromoSyncRun
	rows   map[string][]models.PromoSyncRowResult
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		runs: make(map[string]*models.PromoSyncRun),
		rows: make(map[string][]models.PromoSyncRowResult),
	}
}

func (j *MemoryJournal) Queue(ctx context.Context, info RunInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.runs[info.RunID]; dup {
		return fmt.Errorf("journal queue %s: run already exists", info.RunID)
	}
	j.insert(newRunRecord(info, models.SyncRunStatusQueued))
	return nil
}

func (j *MemoryJournal) Start(ctx context.Context, info RunInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	run := newRunRecord(info, models.SyncRunStatusRunning)
	existing, ok := j.runs[info.RunID]
	if !ok {
		j.insert(run)
		return nil
	}
	if runFinished(existing.Status) {
		return fmt.Errorf("journal start %s: %w", info.RunID, ErrRunAlreadyProcessed)
	}
	existing.Status = run.Status
	existing.StartedAt = run.StartedAt
	if info.CorrelationID != "" {
		existing.CorrelationId = info.CorrelationID
	}
	existing.UpdatedAt = time.Now()
	delete(j.rows, info.RunID)
	return nil
}

// insert must be called with mu held.
func (j *MemoryJournal) insert(run models.PromoSyncRun) {
	j.nextID++
	run.ID = j.nextID
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	j.runs[run.RunId] = &run
}

func (j *MemoryJournal) RecordRows(ctx context.Context, runID string, rows []RowResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	run, ok := j.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	j.rows[runID] = append(j.rows[runID], rowRecords(run.ID, rows)...)
	return nil
}

func (j *MemoryJournal) Finish(ctx context.Context, runID string, counts Counts, runErr error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	run, ok := j.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	now := time.Now()
	run.Status = finishStatus(counts, runErr)
	run.Total = counts.Total
	run.Created = counts.Created
	run.NotFound = counts.NotFound
	run.Failed = counts.Failed
	run.Patched = counts.Patched
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}
	run.FinishedAt = &now
	if run.StartedAt != nil {
		run.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	run.UpdatedAt = now
	return nil
}

func (j *MemoryJournal) ListRuns(ctx context.Context, limit int) ([]models.PromoSyncRun, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	runs := make([]models.PromoSyncRun, 0, len(j.runs))
	for _, r := range j.runs {
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(a, b int) bool { return runs[a].ID > runs[b].ID })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (j *MemoryJournal) GetRun(ctx context.Context, runID string) (*models.PromoSyncRun, []models.PromoSyncRowResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	run, ok := j.runs[runID]
	if !ok {
		return nil, nil, ErrRunNotFound
	}
	cp := *run
	rows := append([]models.PromoSyncRowResult(nil), j.rows[runID]...)
	return &cp, rows, nil
}
