package promosync

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/promo_sync/ledger"
	"bitbucket.org/mmdatafocus/promo_sync/shoper"
	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, catalog *fakeCatalog, sheet *ledger.MemoryBackend, export *ledger.MemoryBackend, pub Publisher) *Service {
	t.Helper()
	w := newTestWorkflow(t, catalog, sheet, nil, 0)
	var exporter *Exporter
	if export != nil {
		exporter = NewExporter(ExporterConfig{
			Catalog: catalog,
			Ledger:  ledger.NewAdapter(export, ledger.DefaultColumns(), quietLogger()),
			Logger:  quietLogger(),
		})
	}
	return NewService(ServiceConfig{
		Workflow:   w,
		Exporter:   exporter,
		Publisher:  pub,
		Logger:     quietLogger(),
		SheetID:    "sheet-1",
		SheetNames: map[Variant]string{VariantFixed: "import", VariantExport: "export"},
	})
}

func TestServiceExecute_JournalsRun(t *testing.T) {
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100")})
	sheet := fixedSheet(
		[]string{"A1", "80", "01-06-2024", "30-06-2024", ""},
		[]string{"B2", "50", "01-06-2024", "30-06-2024", ""},
	)
	svc := newTestService(t, catalog, sheet, nil, nil)

	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-1")
	job := NewJob(VariantFixed, false, "")
	res, err := svc.Execute(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, res.Summary)
	assert.False(t, res.Queued)
	assert.Equal(t, 1, res.Summary.Created)
	assert.Equal(t, 1, res.Summary.NotFound)

	run, rows, err := svc.Journal().GetRun(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	assert.Equal(t, "manual", run.TriggeredBy)
	assert.Equal(t, "import", run.SheetName)
	assert.Equal(t, "corr-1", run.CorrelationId)
	assert.Equal(t, 2, run.Total)
	require.Len(t, rows, 2)
	assert.Equal(t, "created", rows[0].Outcome)
	assert.Equal(t, "not_found", rows[1].Outcome)
}

func TestServiceExecute_RejectsConcurrentRun(t *testing.T) {
	catalog := newFakeCatalog()
	svc := newTestService(t, catalog, fixedSheet(), nil, nil)

	_, release, err := svc.locker.Acquire(context.Background(), lockKey("sheet-1", "import"))
	require.NoError(t, err)
	defer release()

	_, err = svc.Execute(context.Background(), NewJob(VariantFixed, false, ""))
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestServiceExecute_SameJobTwiceMutatesOnce(t *testing.T) {
	catalog := newFakeCatalog(
		shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100")},
		shoper.Product{ProductID: 12, Code: "B2", RegularPrice: dec(t, "50")},
	)
	sheet := fixedSheet(
		[]string{"A1", "80", "01-06-2024", "30-06-2024", ""},
		[]string{"B2", "40", "01-06-2024", "30-06-2024", ""},
	)
	svc := newTestService(t, catalog, sheet, nil, nil)

	job := NewJob(VariantFixed, false, "pubsub")
	first, err := svc.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	mutations := catalog.mutations()
	require.Positive(t, mutations)

	second, err := svc.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Nil(t, second.Summary)
	assert.Equal(t, mutations, catalog.mutations())
	assert.Len(t, catalog.created, 2)

	run, rows, err := svc.Journal().GetRun(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	assert.Len(t, rows, 2)
}

// cancellingLocker hands out run contexts the test can cancel with a cause.
type cancellingLocker struct {
	cancel context.CancelCauseFunc
}

func (l *cancellingLocker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	l.cancel = cancel
	return runCtx, func() { cancel(nil) }, nil
}

func TestServiceExecute_LostLockFailsRun(t *testing.T) {
	catalog := newFakeCatalog(
		shoper.Product{ProductID: 1, Code: "A1", RegularPrice: dec(t, "10")},
		shoper.Product{ProductID: 2, Code: "C2", RegularPrice: dec(t, "10")},
	)
	sheet := fixedSheet(
		[]string{"A1", "8", "01-06-2024", "30-06-2024", ""},
		[]string{"C2", "8", "01-06-2024", "30-06-2024", ""},
	)
	locker := &cancellingLocker{}
	catalog.onLookup = func(code string) {
		if code == "C2" {
			locker.cancel(ErrLockLost)
		}
	}
	svc := NewService(ServiceConfig{
		Workflow:   newTestWorkflow(t, catalog, sheet, nil, 0),
		Locker:     locker,
		Logger:     quietLogger(),
		SheetID:    "sheet-1",
		SheetNames: map[Variant]string{VariantFixed: "import"},
	})

	job := NewJob(VariantFixed, false, "")
	_, err := svc.Execute(context.Background(), job)
	require.ErrorIs(t, err, ErrLockLost)
	assert.Len(t, catalog.created, 1)

	run, rows, err := svc.Journal().GetRun(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
	assert.Contains(t, run.ErrorMessage, ErrLockLost.Error())
	assert.Len(t, rows, 1)
}

func TestServiceExecute_Export(t *testing.T) {
	promo := dec(t, "80")
	catalog := newFakeCatalog(
		shoper.Product{ProductID: 1, Code: "A1", Name: "Alpha", RegularPrice: dec(t, "100"), PromoPrice: &promo},
		shoper.Product{ProductID: 2, Code: "B2", Name: "Beta", RegularPrice: dec(t, "10")},
	)
	export := ledger.NewMemoryBackend([][]string{{"stale"}})
	svc := newTestService(t, catalog, fixedSheet(), export, nil)

	job := NewJob(VariantExport, false, "cli")
	res, err := svc.Execute(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, res.Export)
	assert.Equal(t, 2, res.Export.Products)
	assert.Equal(t, 1, res.Export.Exported)

	table, err := export.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, ExportHeader, table[0])
	assert.Equal(t, []string{"A1", "Alpha", "100", "80", "", ""}, table[1])

	run, _, err := svc.Journal().GetRun(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Equal(t, "export", run.Variant)
	assert.Equal(t, "cli", run.TriggeredBy)
}

func TestServiceExecute_ExportNotConfigured(t *testing.T) {
	svc := newTestService(t, newFakeCatalog(), fixedSheet(), nil, nil)

	job := NewJob(VariantExport, false, "")
	_, err := svc.Execute(context.Background(), job)
	require.Error(t, err)

	run, _, err := svc.Journal().GetRun(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
}

func TestServiceTrigger_PublishesWhenQueued(t *testing.T) {
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100")})
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", ""})
	pub := &fakePublisher{}
	svc := newTestService(t, catalog, sheet, nil, pub)

	job := NewJob(VariantFixed, true, "")
	res, err := svc.Trigger(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, job.RunID, pub.jobs[0].RunID)
	assert.True(t, pub.jobs[0].DryRun)
	assert.Zero(t, catalog.lookups)
}

func TestServiceTrigger_PublishFailure(t *testing.T) {
	svc := newTestService(t, newFakeCatalog(), fixedSheet(), nil, &fakePublisher{err: errors.New("unavailable")})

	job := NewJob(VariantFixed, false, "")
	res, err := svc.Trigger(context.Background(), job)
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "unavailable")

	run, _, err := svc.Journal().GetRun(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
	assert.Contains(t, run.ErrorMessage, "unavailable")
}

func TestServiceTrigger_JournalsQueuedRun(t *testing.T) {
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100")})
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", ""})
	pub := &fakePublisher{}
	svc := newTestService(t, catalog, sheet, nil, pub)

	job := NewJob(VariantFixed, false, "")
	_, err := svc.Trigger(context.Background(), job)
	require.NoError(t, err)

	run, _, err := svc.Journal().GetRun(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Equal(t, "queued", run.Status)
	assert.Nil(t, run.StartedAt)

	_, err = svc.Execute(context.Background(), pub.jobs[0])
	require.NoError(t, err)
	run, _, err = svc.Journal().GetRun(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	assert.NotNil(t, run.StartedAt)
}

func TestServiceTrigger_RunsInlineWithoutPublisher(t *testing.T) {
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100")})
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", ""})
	svc := newTestService(t, catalog, sheet, nil, nil)

	res, err := svc.Trigger(context.Background(), NewJob(VariantFixed, false, ""))
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, 1, res.Summary.Created)
}

func TestServiceTrigger_InvalidJob(t *testing.T) {
	svc := newTestService(t, newFakeCatalog(), fixedSheet(), nil, nil)

	_, err := svc.Trigger(context.Background(), Job{Variant: VariantFixed})
	assert.Error(t, err)
}
