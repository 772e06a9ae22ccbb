package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/MxBlackSheep/labscheduler/config"
	"github.com/MxBlackSheep/labscheduler/internal/executor"
	"github.com/MxBlackSheep/labscheduler/internal/instrumentdb"
	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/MxBlackSheep/labscheduler/internal/preexec"
	"github.com/MxBlackSheep/labscheduler/internal/processmonitor"
	"github.com/MxBlackSheep/labscheduler/logger"
)

// onceCmd runs a single experiment immediately, bypassing the
// schedule store and the tick loop entirely — for manual/ad-hoc runs
// ("dry run this method right now") without creating a schedule.
func onceCmd(argv []string) {
	fs := newFlagSet("once")
	configPath := fs.String("config", "", "path to config file (YAML/JSON)")
	experimentName := fs.String("experiment", "", "experiment/method name")
	experimentPath := fs.String("path", "", "path to the method file; a relative path is joined to the directory two levels above executor.method_base_path")
	timeoutMinutes := fs.Int("timeout-minutes", 0, "override executor.execution_timeout_minutes for this run")
	fs.Parse(argv)

	if *experimentName == "" || *experimentPath == "" {
		fmt.Fprintln(os.Stderr, "labscheduler once: --experiment and --path are required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labscheduler: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

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
		MaxRetryAttempts:        0,
		AbortStates:             []string{"Aborted", "Error"},
	}
	if *timeoutMinutes > 0 {
		execCfg.ExecutionTimeoutMinutes = *timeoutMinutes
	}
	exec := executor.New(execCfg, monitor, executorRunStateReader(instrument), log)
	pipeline := preexec.New(instrumentMutator(instrument), log)

	now := time.Now()
	schedule := model.NewSchedule(fmt.Sprintf("once-%d", now.UnixNano()), now)
	schedule.ExperimentName = *experimentName
	schedule.ExperimentPath = *experimentPath
	schedule.ScheduleType = model.ScheduleOnce
	schedule.StartTime = &now

	execution := model.NewJobExecution(fmt.Sprintf("exec-once-%d", now.UnixNano()), schedule.ScheduleID, now)
	execution.Status = model.StatusRunning
	execution.StartTime = &now

	result := pipeline.Run(schedule)
	if !result.Success {
		pipeline.Cleanup(result.Steps)
		fmt.Fprintf(os.Stderr, "pre-execution checks failed: %s\n", result.FailureReason)
		os.Exit(1)
	}

	ctx := context.Background()
	success := exec.Execute(ctx, schedule, execution)
	pipeline.Cleanup(result.Steps)

	if !success {
		fmt.Fprintf(os.Stderr, "execution failed: %s\n", execution.ErrorMessage)
		os.Exit(1)
	}

	fmt.Printf("execution %s for %s completed successfully\n", execution.ExecutionID, schedule.ExperimentName)
}
