package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin"
	_ "github.com/jackc/pgx/stdlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"schemamigrator/internal/app"
	"schemamigrator/internal/config"
	"schemamigrator/internal/domain"
	"schemamigrator/internal/infrastructure/database"
	"schemamigrator/internal/infrastructure/filesource"
	"schemamigrator/internal/infrastructure/metrics"
)

var (
	cli = kingpin.New("schemamigrator", "Applies and reverts versioned schema migrations.")

	configPath     = cli.Flag("config", "YAML config file.").Envar("MIGRATE_CONFIG").String()
	driver         = cli.Flag("driver", "Database driver: postgres, pgx, mysql or sqlite.").Envar("MIGRATE_DRIVER").String()
	dsn            = cli.Flag("dsn", "Connection string of the target database.").Envar("MIGRATE_DSN").String()
	migrationsDir  = cli.Flag("migrations-dir", "Directory of <id>_<name>.yaml descriptors.").Envar("MIGRATE_DIR").String()
	ledgerTable    = cli.Flag("ledger-table", "Table recording applied migrations.").Envar("MIGRATE_LEDGER_TABLE").String()
	lockName       = cli.Flag("lock-name", "Advisory lock name.").Envar("MIGRATE_LOCK_NAME").String()
	lockMode       = cli.Flag("lock-mode", "Wait for the lock (block) or give up at once (fail-fast).").Envar("MIGRATE_LOCK_MODE").Enum(string(config.LockBlock), string(config.LockFailFast))
	lockTimeout    = cli.Flag("lock-timeout", "How long block mode waits for the lock.").Envar("MIGRATE_LOCK_TIMEOUT").Duration()
	pushgatewayURL = cli.Flag("pushgateway", "Prometheus Pushgateway URL for run metrics.").Envar("MIGRATE_PUSHGATEWAY").String()
	logLevel       = cli.Flag("log-level", "Log level.").Envar("MIGRATE_LOG_LEVEL").String()
	logFormat      = cli.Flag("log-format", "Log format: json or text.").Envar("MIGRATE_LOG_FORMAT").String()

	upCmd    = cli.Command("up", "Apply pending migrations.")
	upTarget = upCmd.Flag("target", "Stop after this migration id.").String()

	downCmd    = cli.Command("down", "Revert applied migrations, newest first.")
	downTarget = downCmd.Flag("target", "Keep this migration and everything before it; omit to revert all.").String()

	statusCmd = cli.Command("status", "Print applied and pending migrations.")

	createCmd  = cli.Command("create", "Write an empty descriptor file.")
	createName = createCmd.Arg("name", "Migration name, e.g. add_invoice_status.").Required().String()
)

func main() {
	if err := config.LoadEnvFiles(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	command := kingpin.MustParse(cli.Parse(os.Args[1:]))

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, command, cfg, logger); err != nil {
		logger.WithError(err).Error("command failed")
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	cfg.Merge(config.Config{
		Driver:         *driver,
		DSN:            *dsn,
		MigrationsDir:  *migrationsDir,
		LedgerTable:    *ledgerTable,
		LockName:       *lockName,
		LockMode:       config.LockMode(*lockMode),
		LockTimeout:    *lockTimeout,
		PushgatewayURL: *pushgatewayURL,
		LogLevel:       *logLevel,
		LogFormat:      *logFormat,
	})
	return cfg, nil
}

func newLogger(cfg config.Config) (*log.Entry, error) {
	logger := log.New()
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger.WithField("driver", cfg.Driver), nil
}

func run(ctx context.Context, command string, cfg config.Config, logger *log.Entry) error {
	if command == createCmd.FullCommand() {
		if err := cfg.ValidateSource(); err != nil {
			return err
		}
		path, err := app.CreateDescriptorFile(cfg.MigrationsDir, *createName, time.Now())
		if err != nil {
			return err
		}
		fmt.Println("Generated new migration file...", path)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config")
	}
	service, db, collector, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	switch command {
	case upCmd.FullCommand():
		target, err := parseTarget(*upTarget)
		if err != nil {
			return err
		}
		result, err := service.Up(ctx, target)
		pushMetrics(cfg, collector, logger)
		printResult(os.Stdout, "applied", result)
		return err
	case downCmd.FullCommand():
		target, err := parseTarget(*downTarget)
		if err != nil {
			return err
		}
		result, err := service.Down(ctx, target)
		pushMetrics(cfg, collector, logger)
		printResult(os.Stdout, "reverted", result)
		return err
	case statusCmd.FullCommand():
		report, err := service.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(os.Stdout, report)
		if len(report.Unknown) > 0 {
			return errors.Wrapf(domain.ErrLedgerInconsistent, "%d applied migrations are not registered", len(report.Unknown))
		}
		return nil
	default:
		return errors.Errorf("unknown command %q", command)
	}
}

func newService(ctx context.Context, cfg config.Config, logger *log.Entry) (*app.MigrationService, *sql.DB, *metrics.Collector, error) {
	descriptors, err := filesource.NewSource(cfg.MigrationsDir).Descriptors()
	if err != nil {
		return nil, nil, nil, err
	}
	registry, err := app.LoadRegistry(descriptors)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.WithField("migrations", registry.Len()).Debug("registry loaded")

	dialect, err := database.DialectFor(cfg.Driver)
	if err != nil {
		return nil, nil, nil, err
	}
	ledger, err := database.NewLedger(cfg.LedgerTable, dialect)
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := database.Open(ctx, database.OpenOptions{
		Driver:  cfg.Driver,
		DSN:     cfg.DSN,
		Retries: cfg.ConnectRetries,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	locker, err := database.LockerFor(cfg.Driver, db, cfg.LockTable)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}

	collector := metrics.NewCollector()
	service := app.NewMigrationService(db, registry, ledger, locker, dialect, app.ServiceOptions{
		Lock: app.LockOptions{
			Name:         cfg.LockName,
			FailFast:     cfg.LockMode == config.LockFailFast,
			Timeout:      cfg.LockTimeout,
			PollInterval: cfg.LockPollInterval,
		},
		Observer: collector,
	}, logger)
	return service, db, collector, nil
}

func parseTarget(s string) (domain.Target, error) {
	if s == "" {
		return domain.Latest(), nil
	}
	id, err := domain.ParseMigrationID(s)
	if err != nil {
		return domain.Target{}, errors.Wrapf(err, "invalid target %q", s)
	}
	return domain.TargetID(id), nil
}

func pushMetrics(cfg config.Config, collector *metrics.Collector, logger *log.Entry) {
	if cfg.PushgatewayURL == "" {
		return
	}
	if err := collector.Push(cfg.PushgatewayURL, "schemamigrator", database.TargetName(cfg.Driver, cfg.DSN)); err != nil {
		logger.WithError(err).Warn("failed to push metrics")
	}
}

// printResult stays silent for idle runs; the error alone explains them.
func printResult(w io.Writer, verb string, result domain.Result) {
	if result.State == domain.StateIdle {
		return
	}
	if result.AppliedCount == 0 && result.State == domain.StateCompleted {
		fmt.Fprintln(w, "Nothing to do.")
		return
	}
	fmt.Fprintf(w, "%s %d migration(s), state %s", verb, result.AppliedCount, result.State)
	if result.HasSuccess {
		fmt.Fprintf(w, ", last %s", result.LastSuccessfulID)
	}
	fmt.Fprintln(w)
}

func printStatus(w io.Writer, report domain.StatusReport) {
	if len(report.Migrations) == 0 && len(report.Unknown) == 0 {
		fmt.Fprintln(w, "No migrations found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tAPPLIED AT")
	for _, m := range report.Migrations {
		status, at := "pending", ""
		if m.Applied {
			status = "applied"
			at = m.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Name, status, at)
	}
	for _, e := range report.Unknown {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Name, "unknown", e.AppliedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nTotal: %d, Applied: %d, Pending: %d\n",
		len(report.Migrations), len(report.Migrations)-report.Pending(), report.Pending())
}
