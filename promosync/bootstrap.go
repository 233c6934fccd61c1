package promosync

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/promo_sync/config"
	"bitbucket.org/mmdatafocus/promo_sync/ledger"
	"bitbucket.org/mmdatafocus/promo_sync/shoper"
	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/sirupsen/logrus"
)

type BootstrapOptions struct {
	// Queue routes triggered jobs through Pub/Sub when a topic is configured.
	Queue bool
}

// Components is everything a binary needs, built from one Settings value.
type Components struct {
	Settings  *config.Settings
	Client    *shoper.Client
	Ledgers   map[Variant]*ledger.Adapter
	Workflow  *Workflow
	Exporter  *Exporter
	Service   *Service
	publisher *PubSubPublisher
}

// Bootstrap authenticates against the shop, opens the three worksheets and
// assembles the service. The journal and the lock use the shared database
// and Redis clients when those have been connected beforehand.
func Bootstrap(ctx context.Context, s *config.Settings, logger *logrus.Logger, opts BootstrapOptions) (*Components, error) {
	if logger == nil {
		logger = config.GetLogger()
	}

	transport := shoper.NewRateLimitedTransport(shoper.TransportConfig{
		Logger:      logger,
		MinInterval: s.Shoper.MinInterval(),
	})
	client, err := shoper.NewClient(shoper.Config{
		SiteURL:  s.Shoper.SiteURL,
		PageSize: s.Shoper.PageSize,
		MaxPages: s.Shoper.MaxPages,
		Locale:   s.Shoper.Locale,
	}, transport, logger)
	if err != nil {
		return nil, err
	}
	if _, err := client.Authenticate(ctx, shoper.Credentials{Login: s.Shoper.Login, Password: s.Shoper.Password}); err != nil {
		return nil, fmt.Errorf("shoper authentication: %w", err)
	}

	creds := ledger.SheetsCredentials(s.Sheets.CredentialsJSON, s.Sheets.CredentialsFile)
	sheetNames := map[Variant]string{
		VariantExport:  s.Sheets.ExportName,
		VariantFixed:   s.Sheets.ImportName,
		VariantPercent: s.Sheets.ImportNamePercent,
	}
	ledgers := make(map[Variant]*ledger.Adapter, len(sheetNames))
	for variant, name := range sheetNames {
		backend, err := ledger.NewSheetsBackend(ctx, s.Sheets.SpreadsheetID, name, creds...)
		if err != nil {
			return nil, fmt.Errorf("open worksheet %q: %w", name, err)
		}
		ledgers[variant] = ledger.NewAdapter(backend, ledger.DefaultColumns(), logger)
	}

	workflow, err := NewWorkflow(WorkflowConfig{
		Catalog:       client,
		FixedLedger:   ledgers[VariantFixed],
		PercentLedger: ledgers[VariantPercent],
		Logger:        logger,
		PatchEvery:    s.PatchEvery,
	})
	if err != nil {
		return nil, err
	}

	var uploader utils.Uploader
	if s.GCSBucket != "" {
		uploader = &utils.GCSUploader{Bucket: s.GCSBucket, CredentialsJSON: s.GCSCredentialsJSON}
	}
	exporter := NewExporter(ExporterConfig{
		Catalog:     client,
		Ledger:      ledgers[VariantExport],
		SnapshotDir: s.Sheets.Dir,
		Uploader:    uploader,
		Logger:      logger,
	})

	c := &Components{
		Settings: s,
		Client:   client,
		Ledgers:  ledgers,
		Workflow: workflow,
		Exporter: exporter,
	}

	cfg := ServiceConfig{
		Workflow:   workflow,
		Exporter:   exporter,
		Logger:     logger,
		SheetID:    s.Sheets.SpreadsheetID,
		SheetNames: sheetNames,
	}
	if db := config.GetDB(); db != nil {
		cfg.Journal = NewGormJournal(db)
	}
	if rl := config.GetRedisLock(); rl != nil {
		cfg.Locker = NewRedisLocker(rl, DefaultLockTTL, logger)
	}
	if opts.Queue && s.PubSub.Enabled() {
		psClient, err := config.GetPubSubClient(ctx, s.PubSub)
		if err != nil {
			return nil, err
		}
		pub, err := NewPubSubPublisher(ctx, psClient, s.PubSub.Topic, s.PubSub.CreateTopic)
		if err != nil {
			return nil, fmt.Errorf("pubsub topic %q: %w", s.PubSub.Topic, err)
		}
		cfg.Publisher = pub
		c.publisher = pub
	}
	c.Service = NewService(cfg)

	logger.WithFields(logrus.Fields{
		"site":      s.Site,
		"sheet_id":  s.Sheets.SpreadsheetID,
		"journal":   fmt.Sprintf("%T", c.Service.Journal()),
		"queued":    c.publisher != nil,
		"snapshots": s.Sheets.Dir,
	}).Info("promotion sync ready")
	return c, nil
}

// Close flushes pending publishes.
func (c *Components) Close() {
	if c.publisher != nil {
		c.publisher.Stop()
	}
}
