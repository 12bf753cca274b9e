// Package cli implements the CLI of the `combs_broker` app
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/combs-dev/combs/internal/common"
	internal_runtime "github.com/combs-dev/combs/internal/runtime"
	"github.com/combs-dev/combs/internal/security"
	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/catalog"
	"github.com/combs-dev/combs/pkg/broker/db"
	"github.com/combs-dev/combs/pkg/broker/dispatch"
	"github.com/combs-dev/combs/pkg/broker/http"
	"github.com/combs-dev/combs/pkg/broker/identity"
	"github.com/combs-dev/combs/pkg/broker/lifecycle"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/report"
	"github.com/combs-dev/combs/pkg/broker/routing"
	"github.com/combs-dev/combs/pkg/broker/scheduler"
	"github.com/combs-dev/combs/pkg/broker/settlement"
	"github.com/combs-dev/combs/pkg/broker/usage"
	"github.com/prometheus/common/model"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
)

// AppConfig contains the configuration of the broker read from the config
// file.
type AppConfig struct {
	Broker BrokerConfig `yaml:"combs_broker"`
}

// SetDirectory joins any relative file paths with dir.
func (c *AppConfig) SetDirectory(dir string) {
	c.Broker.Identity.Web.SetDirectory(dir)

	for i := range c.Broker.Clusters {
		c.Broker.Clusters[i].Web.SetDirectory(dir)
	}
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *AppConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = AppConfig{
		BrokerConfig{
			Data: DataConfig{
				Path:            "data",
				RetentionPeriod: model.Duration(30 * 24 * time.Hour),
				PurgeInterval:   model.Duration(time.Hour),
				BackupInterval:  model.Duration(24 * time.Hour),
			},
			Web: WebConfig{
				RequestsLimit: 30,
			},
			Identity: identity.Config{
				CacheTTL: model.Duration(5 * time.Minute),
			},
			Routing: routing.Config{
				Weights: routing.DefaultWeights,
			},
			Metering: MeteringConfig{
				PollInterval: model.Duration(30 * time.Second),
			},
			Billing: BillingConfig{
				PlatformFeeRate: 0.05,
				AutoSettle:      true,
			},
			Dispatch: dispatch.Config{
				Capacity:    1024,
				Workers:     4,
				MaxRetries:  5,
				RetryDelay:  model.Duration(time.Second),
				TaskTimeout: model.Duration(5 * time.Minute),
			},
		},
	}

	type plain AppConfig

	return unmarshal((*plain)(c))
}

// BrokerConfig contains the configuration of the brokerage server.
type BrokerConfig struct {
	Data      DataConfig        `yaml:"data"`
	Web       WebConfig         `yaml:"web"`
	Clusters  []models.Cluster  `yaml:"clusters"`
	Offerings []models.Offering `yaml:"offerings"`
	Identity  identity.Config   `yaml:"identity"`
	Routing   routing.Config    `yaml:"routing"`
	Metering  MeteringConfig    `yaml:"metering"`
	Billing   BillingConfig     `yaml:"billing"`
	Dispatch  dispatch.Config   `yaml:"dispatch"`
	Report    report.Config     `yaml:"report"`
}

// DataConfig contains the storage related configuration.
type DataConfig struct {
	Path            string         `yaml:"path"`
	BackupPath      string         `yaml:"backup_path"`
	RetentionPeriod model.Duration `yaml:"retention_period"`
	PurgeInterval   model.Duration `yaml:"purge_interval"`
	BackupInterval  model.Duration `yaml:"backup_interval"`

	// Set by a hidden CLI flag, used only in testing
	SkipPurge bool `yaml:"-"`
}

// WebConfig carries the API server settings that live in the config file
// rather than on the command line.
type WebConfig struct {
	MaxQueryPeriod         model.Duration   `yaml:"max_query_period"`
	UserHeader             string           `yaml:"user_header"`
	AdminUsers             []string         `yaml:"admin_users"`
	RequestsLimit          int              `yaml:"requests_limit"`
	MinIdentityScore       models.JSONFloat `yaml:"min_identity_score"`
	RequiredIdentityStatus string           `yaml:"required_identity_status"`
}

// MeteringConfig controls the usage polling sweep.
type MeteringConfig struct {
	PollInterval model.Duration `yaml:"poll_interval"`
}

// BillingConfig controls invoice generation and settlement.
type BillingConfig struct {
	PlatformFeeRate models.JSONFloat `yaml:"platform_fee_rate"`
	AutoSettle      bool             `yaml:"auto_settle"`
}

// BrokerApp represents the `combs_broker` cli.
type BrokerApp struct {
	appName string
	App     kingpin.Application
}

// NewBrokerApp returns a new BrokerApp instance.
func NewBrokerApp() (*BrokerApp, error) {
	return &BrokerApp{
		appName: base.BrokerAppName,
		App:     base.BrokerApp,
	}, nil
}

// Main is the entry point of the `combs_broker` command.
func (b *BrokerApp) Main() error {
	var (
		webListenAddress = b.App.Flag(
			"web.listen-address",
			"Address on which to expose the brokerage API and web interface.",
		).Default(":9020").String()
		webConfigFile = b.App.Flag(
			"web.config.file",
			"Path to configuration file that can enable TLS or authentication. See: https://github.com/prometheus/exporter-toolkit/blob/master/docs/web-configuration.md",
		).Envar("COMBS_BROKER_WEB_CONFIG_FILE").Default("").String()
		configFile = b.App.Flag(
			"config.file",
			"Path to combs_broker configuration file.",
		).Envar("COMBS_BROKER_CONFIG_FILE").Default("").String()
		enableDebugServer = b.App.Flag(
			"web.debug-server",
			"Enable /debug/pprof profiling endpoints. (default: disabled).",
		).Default("false").Bool()
		maxProcs = b.App.Flag(
			"runtime.gomaxprocs", "The target number of CPUs Go will run on (GOMAXPROCS)",
		).Envar("GOMAXPROCS").Default("1").Int()

		// Hidden test flags
		skipPurge = b.App.Flag(
			"storage.data.skip-purge",
			"Skip purging records past the retention period. Used only in testing. (default is false)",
		).Hidden().Default("false").Bool()
		disableChecks = b.App.Flag(
			"test.disable.checks",
			"Disable sanity checks. Used only in testing. (default is false)",
		).Hidden().Default("false").Bool()
		dropPrivs = b.App.Flag(
			"security.drop-privileges",
			"Drop privileges and run as nobody when broker is started as root.",
		).Default("true").Hidden().Bool()
	)

	// Socket activation only available on Linux
	systemdSocket := func() *bool { b := false; return &b }() //nolint:nlreturn
	if runtime.GOOS == "linux" {
		systemdSocket = b.App.Flag(
			"web.systemd-socket",
			"Use systemd socket activation listeners instead of port listeners (Linux only).",
		).Hidden().Bool()
	}

	promslogConfig := &promslog.Config{}
	flag.AddFlags(&b.App, promslogConfig)
	b.App.Version(version.Print(b.appName))
	b.App.UsageWriter(os.Stdout)
	b.App.HelpFlag.Short('h')

	_, err := b.App.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to parse CLI flags: %w", err)
	}

	// Get absolute path for web config file if provided
	var webConfigFilePath string
	if *webConfigFile != "" {
		webConfigFilePath, err = filepath.Abs(*webConfigFile)
		if err != nil {
			return fmt.Errorf("failed to get absolute path of the web config file: %w", err)
		}
	}

	configFilePath, err := filepath.Abs(*configFile)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of the config file: %w", err)
	}

	// Make broker config
	config, err := common.MakeConfig[AppConfig](configFilePath)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set directory for reading files
	config.SetDirectory(filepath.Dir(configFilePath))

	// This is used only in tests
	config.Broker.Data.SkipPurge = *skipPurge

	// Return error if backup interval of less than 1 day is used
	if config.Broker.Data.BackupPath != "" &&
		time.Duration(config.Broker.Data.BackupInterval) < 24*time.Hour && !*disableChecks {
		return fmt.Errorf("back up interval of less than 1 day is not supported")
	}

	// Setup data directories
	if config, err = createDirs(config); err != nil {
		return err
	}

	// Set logger here after properly configuring promslog
	logger := promslog.New(promslogConfig)

	logger.Info("Starting "+b.appName, "version", version.Info())
	logger.Info(
		"Operational information", "build_context", version.BuildContext(),
		"host_details", internal_runtime.Uname(), "fd_limits", internal_runtime.FdLimits(),
	)

	runtime.GOMAXPROCS(*maxProcs)
	logger.Debug("Go MAXPROCS", "procs", runtime.GOMAXPROCS(0))

	if *dropPrivs {
		securityCfg := &security.Config{
			RunAsUser:      "nobody",
			Caps:           nil,
			ReadPaths:      []string{webConfigFilePath, configFilePath},
			ReadWritePaths: []string{config.Broker.Data.Path, config.Broker.Data.BackupPath},
		}

		// Drop all unnecessary privileges
		if err := security.DropPrivileges(securityCfg); err != nil {
			return err
		}
	}

	// Create context that listens for the interrupt signal from the OS
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the store first, everything else reads or writes through it
	store, err := db.New(&db.Config{
		Logger:          logger,
		DataPath:        config.Broker.Data.Path,
		DataBackupPath:  config.Broker.Data.BackupPath,
		RetentionPeriod: time.Duration(config.Broker.Data.RetentionPeriod),
		SkipPurge:       config.Broker.Data.SkipPurge,
	})
	if err != nil {
		logger.Error("Failed to open broker DB", "err", err)

		return err
	}

	ctlg, err := catalog.New(config.Broker.Clusters, config.Broker.Offerings)
	if err != nil {
		logger.Error("Invalid catalog config", "err", err)

		return err
	}

	manager, err := scheduler.NewManager(logger, config.Broker.Clusters)
	if err != nil {
		logger.Error("Failed to create scheduler manager", "err", err)

		return err
	}

	verifier, err := identity.New(config.Broker.Identity, logger)
	if err != nil {
		logger.Error("Failed to create identity verifier", "err", err)

		return err
	}

	tracker := lifecycle.NewTracker(logger, store)
	router := routing.New(config.Broker.Routing, ctlg, manager, store, verifier, store, logger)
	accountant := usage.New(logger, store, manager, tracker)

	settler, err := settlement.New(logger, store, float64(config.Broker.Billing.PlatformFeeRate))
	if err != nil {
		logger.Error("Invalid billing config", "err", err)

		return err
	}

	reporter, err := report.New(logger, store, report.NoopSigner{}, &config.Broker.Report)
	if err != nil {
		logger.Error("Failed to create status reporter", "err", err)

		return err
	}

	queue, err := dispatch.New(logger, &config.Broker.Dispatch, flagAttention(logger, store))
	if err != nil {
		logger.Error("Failed to create dispatch queue", "err", err)

		return err
	}

	// Wire the task handlers and the terminal transition hooks before any
	// worker or server starts
	pl := newPipeline(logger, store, manager, tracker, router, accountant, settler, reporter, queue, config.Broker.Billing.AutoSettle)
	pl.register()

	if err := queue.Start(); err != nil {
		logger.Error("Failed to start dispatch queue", "err", err)

		return err
	}

	// Declare wait group and tickers
	var wg sync.WaitGroup

	var backupTicker *time.Ticker

	// Initialize tickers. We will stop the tickers immediately after signal
	// has received
	sweepTicker := time.NewTicker(time.Duration(config.Broker.Metering.PollInterval))
	purgeTicker := time.NewTicker(time.Duration(config.Broker.Data.PurgeInterval))

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			// This will ensure that we will run the sweeps as soon as go
			// routine starts instead of waiting for ticker to tick
			pl.routeSweep(ctx)
			pl.finalizeSweep(ctx)
			pl.pollSweep(ctx)

			select {
			case <-sweepTicker.C:
				continue
			case <-ctx.Done():
				logger.Info("Received Interrupt. Stopping pipeline sweeps")

				return
			}
		}
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			select {
			case <-purgeTicker.C:
				if err := store.Purge(ctx); err != nil {
					logger.Error("Failed to purge expired records", "err", err)
				}
			case <-ctx.Done():
				logger.Info("Received Interrupt. Stopping DB purge")

				return
			}
		}
	}()

	// Start backup go routine only when a backup path is provided
	if config.Broker.Data.BackupPath != "" {
		backupTicker = time.NewTicker(time.Duration(config.Broker.Data.BackupInterval))

		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-backupTicker.C:
					// Dont run backup as soon as go routine is spawned. In
					// prod it can take very long depending on the size of DB
					// and so wait until first tick to run it
					logger.Info("Backing up broker DB")

					if err := store.Backup(); err != nil {
						logger.Error("Failed to backup DB", "err", err)
					}
				case <-ctx.Done():
					logger.Info("Received Interrupt. Stopping DB backup")

					return
				}
			}
		}()
	}

	server, err := http.NewBrokerServer(&http.Config{
		Logger:                 logger,
		Address:                *webListenAddress,
		WebSystemdSocket:       *systemdSocket,
		WebConfigFile:          webConfigFilePath,
		EnableDebugServer:      *enableDebugServer,
		RequestsLimit:          config.Broker.Web.RequestsLimit,
		MaxQueryPeriod:         time.Duration(config.Broker.Web.MaxQueryPeriod),
		UserHeader:             config.Broker.Web.UserHeader,
		AdminUsers:             config.Broker.Web.AdminUsers,
		MinIdentityScore:       float64(config.Broker.Web.MinIdentityScore),
		RequiredIdentityStatus: config.Broker.Web.RequiredIdentityStatus,
		Store:                  store,
		Catalog:                ctlg,
		Verifier:               verifier,
		Queue:                  queue,
		Canceller:              manager,
		Tracker:                tracker,
		Settler:                settler,
	})
	if err != nil {
		logger.Error("Failed to create broker server", "err", err)

		return err
	}

	// Initializing the server in a goroutine so that it won't block the
	// graceful shutdown handling below
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Failed to start server", "err", err)
		}
	}()

	// Listen for the interrupt signal
	<-ctx.Done()

	// Stop tickers
	sweepTicker.Stop()
	purgeTicker.Stop()

	if backupTicker != nil {
		backupTicker.Stop()
	}

	// Wait for all sweep go routines to finish
	wg.Wait()

	// Drain in-flight pipeline work before anything it writes through closes
	queue.Stop()

	// Restore default behavior on the interrupt signal and notify user of shutdown
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the requests it is currently handling
	shutDownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutDownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "err", err)
	}

	verifier.Stop()

	if err := reporter.Stop(); err != nil {
		logger.Error("Failed to close report channel", "err", err)
	}

	// Close DB only after everything that reads it has stopped
	if err := store.Stop(); err != nil {
		logger.Error("Failed to close DB connection", "err", err)
	}

	logger.Info("Broker exiting")
	logger.Info("See you next time!!")

	return nil
}

// createDirs makes data directories and sets paths to absolute in config.
func createDirs(config *AppConfig) (*AppConfig, error) {
	var err error

	config.Broker.Data.Path, err = filepath.Abs(config.Broker.Data.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for data.path=%s: %w", config.Broker.Data.Path, err)
	}

	if config.Broker.Data.BackupPath != "" {
		if config.Broker.Data.BackupPath, err = filepath.Abs(config.Broker.Data.BackupPath); err != nil {
			return nil, fmt.Errorf(
				"failed to get absolute path for data.backup_path=%s: %w",
				config.Broker.Data.BackupPath,
				err,
			)
		}
	}

	// Check if data path exists and create one if it does not
	if _, err := os.Stat(config.Broker.Data.Path); os.IsNotExist(err) {
		if err := os.MkdirAll(config.Broker.Data.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if config.Broker.Data.BackupPath != "" {
		if _, err := os.Stat(config.Broker.Data.BackupPath); os.IsNotExist(err) {
			if err := os.MkdirAll(config.Broker.Data.BackupPath, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create backup data directory: %w", err)
			}
		}
	}

	return config, nil
}
