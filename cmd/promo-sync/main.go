package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/config"
	"bitbucket.org/mmdatafocus/promo_sync/ledger"
	"bitbucket.org/mmdatafocus/promo_sync/models"
	"bitbucket.org/mmdatafocus/promo_sync/promosync"
	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	site    string
	migrate bool
}

// app is filled in by the root PersistentPreRunE before any subcommand runs.
type app struct {
	settings   *config.Settings
	logger     *logrus.Logger
	components *promosync.Components
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		config.GetLogger().WithFields(logrus.Fields{"field": "cli"}).Error(err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "promo-sync",
		Short:         "Synchronise Shoper special offers with the promotions spreadsheet",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.site, "site", "", "Shop to use: TEST or MAIN (default from SHOPER_SITE)")
	cmd.PersistentFlags().BoolVar(&opts.migrate, "migrate", false, "Run journal table migrations before the command")

	cmd.AddCommand(
		newExportCmd(a), newSyncCmd(a), newStatusCmd(a), newProductsCmd(a),
		newProductCmd(a), newRunsCmd(a), newTokenCmd(a),
	)
	return cmd
}

// loadSettings reads the environment and sets up logging, nothing else.
func (a *app) loadSettings(opts rootOptions) error {
	if opts.site != "" {
		if err := os.Setenv("SHOPER_SITE", opts.site); err != nil {
			return err
		}
	}
	s, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.ConfigureLogger(s); err != nil {
		return err
	}
	a.settings = s
	a.logger = config.GetLogger()
	return nil
}

func (a *app) init(ctx context.Context, opts rootOptions) error {
	if err := a.loadSettings(opts); err != nil {
		return err
	}
	s := a.settings
	if err := config.InitDirectories(s); err != nil {
		return err
	}

	if err := config.ConnectDatabaseWithRetry(ctx, s.DB, 3); err != nil {
		return err
	}
	if db := config.GetDB(); db != nil && opts.migrate {
		if err := models.MigrateTable(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := config.ConnectRedisWithRetry(ctx, s.Redis, 3); err != nil {
		return err
	}

	var err error
	a.components, err = promosync.Bootstrap(ctx, s, a.logger, promosync.BootstrapOptions{})
	return err
}

func (a *app) close() {
	if a.components != nil {
		a.components.Close()
	}
	config.CloseRedis()
	config.CloseDB()
}

func (a *app) execute(ctx context.Context, job promosync.Job) error {
	res, err := a.components.Service.Execute(ctx, job)
	if res != nil {
		if perr := printJSON(res); perr != nil {
			return perr
		}
	}
	return err
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write every product with a promotion to the export worksheet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd.Context(), promosync.NewJob(promosync.VariantExport, false, models.SyncTriggeredCLI))
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:       "sync fixed|percent",
		Short:     "Create special offers from an import worksheet",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"fixed", "percent"},
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, err := promosync.ParseVariant(args[0])
			if err != nil {
				return err
			}
			if variant == promosync.VariantExport {
				return fmt.Errorf("use the export command to export offers")
			}
			return a.execute(cmd.Context(), promosync.NewJob(variant, dryRun, models.SyncTriggeredCLI))
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report planned offers without touching the shop or the sheet")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var policy, marker string
	var raw bool
	cmd := &cobra.Command{
		Use:       "status fixed|percent",
		Short:     "Print the rows of an import worksheet with their current status",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"fixed", "percent"},
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, err := promosync.ParseVariant(args[0])
			if err != nil {
				return err
			}
			lg, ok := a.components.Ledgers[variant]
			if !ok {
				return fmt.Errorf("no worksheet for %s", variant)
			}
			out := cmd.OutOrStdout()
			if raw {
				table, err := lg.ReadTable(cmd.Context())
				if err != nil {
					return err
				}
				for _, line := range table {
					fmt.Fprintln(out, strings.Join(line, "\t"))
				}
				return nil
			}
			filter, err := ledger.ParseRowFilter(policy, marker)
			if err != nil {
				return err
			}
			rows, err := lg.ReadRows(cmd.Context(), filter)
			if err != nil {
				return err
			}
			for _, r := range rows {
				fmt.Fprintf(out, "%d\t%s\t%s\n", r.RowNumber, r.Code, r.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&policy, "exclude", "none", "Row filter: none, exact or contains")
	cmd.Flags().StringVar(&marker, "marker", "", "Status text the filter compares against")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print every cell of the worksheet, header included")
	return cmd
}

func newProductsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "Save the full product listing as an xlsx snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, n, err := a.components.Exporter.SnapshotProducts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"products": n, "snapshot": path})
		},
	}
}

func newProductCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "product <product-id>",
		Short: "Show one catalog product with its active special offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid product id %q", args[0])
			}
			p, err := a.components.Client.GetProduct(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show recorded runs, or one run with its rows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journal := a.components.Service.Journal()
			if len(args) == 1 {
				run, rows, err := journal.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{"run": run, "rows": rows})
			}
			runs, err := journal.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")
	return cmd
}

// newTokenCmd needs only the API secret, so it skips connecting to the shop
// and the databases.
func newTokenCmd(a *app) *cobra.Command {
	var (
		opts   rootOptions
		userID int
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.site, _ = cmd.Flags().GetString("site")
			return a.loadSettings(opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := utils.JwtGenerate(a.settings.APISecret, userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().IntVar(&userID, "user-id", 0, "Operator id carried in the token")
	cmd.Flags().StringVar(&role, "role", "operator", "Role carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
