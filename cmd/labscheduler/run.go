package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MxBlackSheep/labscheduler/config"
	"github.com/MxBlackSheep/labscheduler/internal/executor"
	"github.com/MxBlackSheep/labscheduler/internal/instrumentdb"
	"github.com/MxBlackSheep/labscheduler/internal/metrics"
	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/MxBlackSheep/labscheduler/internal/notify"
	"github.com/MxBlackSheep/labscheduler/internal/preexec"
	"github.com/MxBlackSheep/labscheduler/internal/processmonitor"
	"github.com/MxBlackSheep/labscheduler/internal/scheduler"
	"github.com/MxBlackSheep/labscheduler/internal/store"
	"github.com/MxBlackSheep/labscheduler/logger"
)

func runCmd(argv []string) {
	fs := newFlagSet("run")
	configPath := fs.String("config", "", "path to config file (YAML/JSON)")
	keyPath := fs.String("key-file", "labscheduler.key", "path to the password-at-rest encryption key")
	fs.Parse(argv)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labscheduler: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if err := seedNotificationSettings(st, cfg); err != nil {
		log.Fatalf("seed notification settings: %v", err)
	}

	metricsRecorder := metrics.New(log)

	monitor := processmonitor.New(cfg.ProcessMonitor.CheckInterval(), log)

	var instrument *instrumentdb.Adapter
	if cfg.InstrumentDB.DriverName != "" {
		instrument = instrumentdb.Open(cfg.InstrumentDB.DriverName, cfg.InstrumentDB.DSN, log)
		defer instrument.Close()
	}

	execCfg := executor.Config{
		VendorBinaryPath:        cfg.Executor.VendorBinaryPath,
		MethodBasePath:          cfg.Executor.MethodBasePath,
		ExecutionTimeoutMinutes: cfg.Executor.ExecutionTimeoutMinutes,
		MaxRetryAttempts:        cfg.Executor.MaxRetryAttempts,
		AbortStates:             scheduler.DefaultConfig().AbortStates,
	}
	exec := executor.New(execCfg, monitor, executorRunStateReader(instrument), log)

	pipeline := preexec.New(instrumentMutator(instrument), log)

	password := func(settings *model.NotificationSettings) string {
		plain, err := config.DecryptPassword(*keyPath, settings.PasswordEncrypted)
		if err != nil {
			log.Errorf("decrypt smtp password: %v", err)
			return ""
		}
		return plain
	}
	notifier := notify.New(st, log, cfg.Scheduler.EnableNotifications, password, metricsRecorder)

	schedCfg := scheduler.Config{
		CheckInterval:       cfg.Scheduler.CheckInterval(),
		MaxConcurrentJobs:   cfg.Scheduler.MaxConcurrentJobs,
		StartupDelay:        cfg.Scheduler.StartupDelay(),
		EnableNotifications: cfg.Scheduler.EnableNotifications,
		AbortStates:         scheduler.DefaultConfig().AbortStates,
	}
	engine := scheduler.New(schedCfg, st, monitor, exec, pipeline, notifier, runStateReader(instrument), metricsRecorder, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	var metricsServerErr chan error
	if cfg.Metrics.Enabled {
		metricsServerErr = make(chan error, 1)
		go func() { metricsServerErr <- metricsRecorder.StartServer(ctx, cfg.Metrics.Port) }()
	}

	log.Infof("labscheduler running (check interval %s, max concurrent jobs %d)", schedCfg.CheckInterval, schedCfg.MaxConcurrentJobs)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
		log.Infof("shutdown signal received")
	case err := <-metricsServerErr:
		if err != nil {
			log.Errorf("metrics server error: %v", err)
		}
	}

	cancel()
	engine.Stop()
	log.Infof("labscheduler stopped")
}

// runStateReader returns a's ShouldBlockDueToAbort/LastRunState
// methods as scheduler.RunStateReader, or a true nil interface when a
// is nil — assigning a nil *Adapter straight into an interface
// variable would instead produce a non-nil interface wrapping a nil
// pointer, and every Adapter method dereferences a.available first.
func runStateReader(a *instrumentdb.Adapter) scheduler.RunStateReader {
	if a == nil {
		return nil
	}
	return a
}

// executorRunStateReader is runStateReader's twin for
// executor.InstrumentRunStateReader, which exposes LastRunState
// rather than ShouldBlockDueToAbort.
func executorRunStateReader(a *instrumentdb.Adapter) executor.InstrumentRunStateReader {
	if a == nil {
		return nil
	}
	return a
}

func instrumentMutator(a *instrumentdb.Adapter) preexec.InstrumentDB {
	if a == nil {
		return nil
	}
	return a
}

// seedNotificationSettings writes the config file's SMTP block into
// the store on first run so internal/notify reads a settings row
// without an operator having to configure it twice. Existing store
// settings are left untouched.
func seedNotificationSettings(st store.Store, cfg *config.AppConfig) error {
	existing, err := st.GetNotificationSettings()
	if err == nil && existing != nil && existing.Host != "" {
		return nil
	}

	settings := &model.NotificationSettings{
		Host:              cfg.SMTP.Host,
		Port:              cfg.SMTP.Port,
		Username:          cfg.SMTP.Username,
		Sender:            cfg.SMTP.From,
		PasswordEncrypted: cfg.SMTP.PasswordEncrypted,
		UseTLS:            cfg.SMTP.UseTLS,
		UseSSL:            cfg.SMTP.UseSSL,
		UpdatedAt:         time.Now(),
		UpdatedBy:         "system",
	}
	return st.SaveNotificationSettings(settings)
}
