// Package main implements the offsync daemon: a local store that keeps
// working offline and reconciles with an authoritative remote store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/api"
	"github.com/cybertec-postgresql/offsync/internal/config"
	"github.com/cybertec-postgresql/offsync/internal/connectivity"
	"github.com/cybertec-postgresql/offsync/internal/db"
	"github.com/cybertec-postgresql/offsync/internal/etcd"
	"github.com/cybertec-postgresql/offsync/internal/log"
	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/offline"
	"github.com/cybertec-postgresql/offsync/internal/queue"
	"github.com/cybertec-postgresql/offsync/internal/remote"
	"github.com/cybertec-postgresql/offsync/internal/sqlite"
	"github.com/cybertec-postgresql/offsync/internal/store"
	syncer "github.com/cybertec-postgresql/offsync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	Store         string        `short:"s" env:"OFFSYNC_STORE" long:"store" description:"Local store: sqlite file path or postgres:// DSN" default:"offsync.db"`
	EtcdDSN       string        `short:"e" env:"OFFSYNC_ETCD_DSN" long:"etcd-dsn" description:"etcd connection string of the authoritative store"`
	RemoteURL     string        `short:"r" env:"OFFSYNC_REMOTE_URL" long:"remote-url" description:"Base URL of a REST remote store"`
	ConfigFile    string        `short:"c" env:"OFFSYNC_CONFIG" long:"config" description:"YAML file with strategies, priorities and compaction"`
	LogLevel      string        `short:"l" env:"OFFSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogFile       string        `env:"OFFSYNC_LOG_FILE" long:"log-file" description:"Write logs to this file with size based rotation"`
	LogJSON       bool          `long:"log-json" description:"Log in JSON format"`
	SyncInterval  time.Duration `long:"sync-interval" description:"Periodic sync interval while online" default:"30s"`
	SyncSchedule  string        `long:"sync-schedule" description:"Cron schedule replacing the sync interval"`
	MaxAttempts   uint32        `long:"max-attempts" description:"Retries of a failing operation before it is parked" default:"3"`
	BaseDelay     time.Duration `long:"base-delay" description:"Base delay of the retry backoff" default:"1s"`
	RemoteTimeout time.Duration `long:"remote-timeout" description:"Timeout of a single remote call" default:"10s"`
	Strategy      string        `long:"strategy" description:"Default conflict strategy, overrides the config file"`
	HTTPAddr      string        `long:"http-addr" description:"Listen address of the operator API"`
	ServeRemote   string        `long:"serve-remote" description:"Serve the etcd store over REST on this address"`
	Version       bool          `short:"v" long:"version" description:"Show version information"`
	Help          bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// Validate checks option combinations go-flags cannot express
func (c *Config) Validate() error {
	switch {
	case c.EtcdDSN == "" && c.RemoteURL == "":
		return errors.New("one of --etcd-dsn or --remote-url is required")
	case c.EtcdDSN != "" && c.RemoteURL != "":
		return errors.New("--etcd-dsn and --remote-url are mutually exclusive")
	case c.ServeRemote != "" && c.EtcdDSN == "":
		return errors.New("--serve-remote requires --etcd-dsn")
	}
	return syncer.ValidateSchedule(c.SyncSchedule)
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("offsync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string, json bool, file string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(json))
	logrus.SetOutput(log.Output(log.FileOptions{Path: file, Compress: true}))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("offsync logging initialized")
	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// backend is a local store that also holds the sync queue
type backend interface {
	store.Store
	queue.Queue
}

func isPostgresDSN(s string) bool {
	return strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://")
}

// openStore opens the sqlite file or connects to PostgreSQL and migrates it
func openStore(ctx context.Context, dsn string) (backend, error) {
	if !isPostgresDSN(dsn) {
		return sqlite.Open(ctx, dsn)
	}
	pool, err := db.NewWithRetry(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL after retries: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return db.NewStore(pool), nil
}

// syncConfig merges the command line over the coordinator defaults
func syncConfig(c *Config, file config.File) syncer.Config {
	cfg := syncer.DefaultConfig()
	cfg.SyncInterval = c.SyncInterval
	cfg.MaxAttempts = c.MaxAttempts
	cfg.BaseDelay = c.BaseDelay
	cfg.RemoteTimeout = c.RemoteTimeout
	cfg.Schedule = file.SyncSchedule
	if c.SyncSchedule != "" {
		cfg.Schedule = c.SyncSchedule
	}
	return cfg
}

func serve(ctx context.Context, name string, srv *http.Server) {
	go func() {
		logrus.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).WithField("server", name).Error("HTTP server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	opts, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	if err := opts.Validate(); err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(opts.LogLevel, opts.LogJSON, opts.LogFile); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	loader, file, err := config.Load(opts.ConfigFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config file")
	}
	if opts.Strategy != "" {
		file.Strategy = opts.Strategy
		if err := file.Validate(); err != nil {
			logrus.WithError(err).Fatal("Invalid --strategy")
		}
	}
	loader.Watch(func(f config.File) {
		if f.LogLevel == "" {
			return
		}
		if level, err := logrus.ParseLevel(f.LogLevel); err == nil {
			logrus.SetLevel(level)
			logrus.WithField("level", level).Info("Log level changed")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	local, err := openStore(ctx, opts.Store)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open local store")
	}
	defer local.Close()

	var (
		rc         remote.Client
		etcdClient *etcd.EtcdClient
	)
	if opts.EtcdDSN != "" {
		etcdClient, err = etcd.NewEtcdClientWithRetry(ctx, opts.EtcdDSN)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to etcd after retries")
		}
		defer etcdClient.Close()
		rc = etcd.NewRemote(etcdClient)
	} else {
		rc = remote.NewHTTPClient(opts.RemoteURL, opts.RemoteTimeout)
	}

	prober := connectivity.NewProber(rc.Ping, file.ProbeInterval, opts.RemoteTimeout)
	go prober.Run(ctx)

	engine, err := offline.New(syncer.Deps{
		Store:        local,
		Queue:        local,
		Remote:       rc,
		Connectivity: prober,
		Resolver:     file.Resolver(),
	},
		offline.WithSyncConfig(syncConfig(opts, file)),
		offline.WithCompaction(file.Policy()),
		offline.WithPriorities(file.Priority),
		offline.WithNotifier(offline.LogNotifier{}),
	)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create sync engine")
	}
	engine.Start(ctx)
	defer engine.Close()

	if etcdClient != nil {
		// remote changes pushed by other clients start a pull right away
		go etcdClient.WatchChanges(ctx, func(t model.EntityType) {
			logrus.WithField("type", t).Debug("Remote change observed")
			engine.Coordinator().Trigger()
		})
	}
	if opts.HTTPAddr != "" {
		serve(ctx, "operator", api.Server(opts.HTTPAddr, engine))
	}
	if opts.ServeRemote != "" {
		serve(ctx, "remote", &http.Server{
			Addr:              opts.ServeRemote,
			Handler:           remote.Handler(rc),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	<-ctx.Done()
	logrus.Info("Graceful shutdown completed")
}
