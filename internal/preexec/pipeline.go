// Package preexec runs a schedule's configured prerequisites before
// the executor spawns the vendor binary, with paired cleanup handlers
// unwound in reverse order on first failure (§4.D).
package preexec

import (
	"strings"

	"github.com/MxBlackSheep/labscheduler/internal/model"
	"github.com/sirupsen/logrus"
)

// InstrumentDB is the subset of instrumentdb.Adapter the built-in
// steps need. Declared here (rather than depending on the instrumentdb
// package directly) so steps can be unit tested against a fake.
type InstrumentDB interface {
	ResetAllScheduledToRunFlags() error
	SetScheduledToRunFlag(experimentName string, on bool) error
	SetExclusiveEvoYeastExperiment(experimentID string) error
	ResetHamiltonTables(experimentName string, tables []string) error
}

// StepOptions carries the parsed argument list from a step token's
// `:csv` suffix.
type StepOptions struct {
	Tables []string
}

// StepResult is what a handler returns for one step.
type StepResult struct {
	Name    string
	Success bool
	Message string
	Cleanup func() error
}

// StepHandler implements one pre-execution step.
type StepHandler func(s *model.Schedule, db InstrumentDB, opts StepOptions) StepResult

// RunResult summarizes a full pipeline run.
type RunResult struct {
	Success       bool
	Steps         []StepResult
	FailureReason string
}

// Pipeline is a registry of normalized step names to handlers,
// grounded on pre_execution.py's PreExecutionPipeline. Constructed
// explicitly per use — never a package singleton.
type Pipeline struct {
	db       InstrumentDB
	log      *logrus.Logger
	registry map[string]StepHandler
}

// New builds a Pipeline with the three built-in steps registered.
func New(db InstrumentDB, log *logrus.Logger) *Pipeline {
	p := &Pipeline{db: db, log: log, registry: make(map[string]StepHandler)}
	p.RegisterStep("ScheduledToRun", p.scheduledToRunStep)
	p.RegisterStep("ResetHamiltonTables", p.resetHamiltonTablesStep)
	p.RegisterStep("EvoYeastExperiment", p.evoYeastExperimentStep)
	return p
}

// RegisterStep adds or replaces a handler under name's normalized form.
func (p *Pipeline) RegisterStep(name string, handler StepHandler) {
	p.registry[normalizeStepName(name)] = handler
}

// Run executes schedule.Prerequisites in order, stopping and unwinding
// cleanups on the first failure.
func (p *Pipeline) Run(schedule *model.Schedule) RunResult {
	if len(schedule.Prerequisites) == 0 {
		return RunResult{Success: true}
	}

	var results []StepResult
	for _, raw := range schedule.Prerequisites {
		name, opts := parseStepToken(raw)
		handler, ok := p.registry[name]
		if !ok {
			reason := "unknown pre-execution step '" + raw + "'"
			p.logError(reason)
			p.cleanup(results)
			return RunResult{Success: false, Steps: results, FailureReason: reason}
		}

		result := handler(schedule, p.db, opts)
		results = append(results, result)
		if !result.Success {
			reason := result.Message
			if reason == "" {
				reason = "pre-execution step '" + raw + "' failed"
			}
			p.logError(reason)
			p.cleanup(results)
			return RunResult{Success: false, Steps: results, FailureReason: reason}
		}
	}
	return RunResult{Success: true, Steps: results}
}

// Cleanup runs the cleanup handlers of results in reverse order,
// swallowing individual failures (each is logged, not propagated) —
// exposed so callers can unwind a successful run's cleanups after the
// execution that followed it completes, mirroring the run-then-cleanup
// life cycle pre_execution.py's callers drive externally.
func (p *Pipeline) Cleanup(results []StepResult) {
	p.cleanup(results)
}

func (p *Pipeline) cleanup(results []StepResult) {
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.Cleanup == nil {
			continue
		}
		if err := r.Cleanup(); err != nil {
			p.logWarn("pre-execution cleanup for " + r.Name + " failed: " + err.Error())
		}
	}
}

func (p *Pipeline) logError(msg string) {
	if p.log != nil {
		p.log.Error(msg)
	}
}

func (p *Pipeline) logWarn(msg string) {
	if p.log != nil {
		p.log.Warn(msg)
	}
}

// normalizeStepName strips all non-alphanumeric characters and
// lowercases, so "ScheduledToRun" and "scheduled_to_run" resolve to
// the same handler (§4.D).
func normalizeStepName(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseStepToken splits a `<name>[:<csv-args>]` token into its
// normalized name and parsed options.
func parseStepToken(raw string) (string, StepOptions) {
	name := raw
	var opts StepOptions
	if idx := strings.Index(raw, ":"); idx >= 0 {
		name = raw[:idx]
		argPart := raw[idx+1:]
		for _, item := range strings.Split(argPart, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				opts.Tables = append(opts.Tables, item)
			}
		}
	}
	return normalizeStepName(name), opts
}
