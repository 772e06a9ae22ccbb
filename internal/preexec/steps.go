package preexec

import (
	"strings"

	"github.com/MxBlackSheep/labscheduler/internal/model"
)

func (p *Pipeline) scheduledToRunStep(s *model.Schedule, db InstrumentDB, _ StepOptions) StepResult {
	if err := db.ResetAllScheduledToRunFlags(); err != nil {
		return StepResult{Name: "ScheduledToRun", Success: false, Message: "failed to reset ScheduledToRun flags: " + err.Error()}
	}
	if err := db.SetScheduledToRunFlag(s.ExperimentName, true); err != nil {
		return StepResult{Name: "ScheduledToRun", Success: false, Message: "failed to set ScheduledToRun flag: " + err.Error()}
	}
	experimentName := s.ExperimentName
	return StepResult{
		Name:    "ScheduledToRun",
		Success: true,
		Message: "ScheduledToRun flag configured",
		Cleanup: func() error { return db.SetScheduledToRunFlag(experimentName, false) },
	}
}

func (p *Pipeline) resetHamiltonTablesStep(s *model.Schedule, db InstrumentDB, opts StepOptions) StepResult {
	if err := db.ResetHamiltonTables(s.ExperimentName, opts.Tables); err != nil {
		details := "default set"
		if len(opts.Tables) > 0 {
			details = strings.Join(opts.Tables, ", ")
		}
		return StepResult{Name: "ResetHamiltonTables", Success: false, Message: "failed to reset Hamilton tables (" + details + "): " + err.Error()}
	}
	return StepResult{Name: "ResetHamiltonTables", Success: true, Message: "Hamilton tables reset"}
}

func (p *Pipeline) evoYeastExperimentStep(_ *model.Schedule, db InstrumentDB, opts StepOptions) StepResult {
	if len(opts.Tables) == 0 {
		return StepResult{Name: "EvoYeastExperiment", Success: true, Message: "no EvoYeast experiment action configured"}
	}

	experimentID, action := parseEvoYeastPayload(opts.Tables[0])
	if experimentID == "" {
		return StepResult{Name: "EvoYeastExperiment", Success: false, Message: "missing ExperimentID for EvoYeast pre-execution step"}
	}

	switch action {
	case "none":
		return StepResult{Name: "EvoYeastExperiment", Success: true, Message: "EvoYeast experiment link set to no-op"}
	case "set":
		if err := db.SetExclusiveEvoYeastExperiment(experimentID); err != nil {
			return StepResult{Name: "EvoYeastExperiment", Success: false, Message: "failed to mark ExperimentID " + experimentID + " as ScheduledToRun: " + err.Error()}
		}
		return StepResult{Name: "EvoYeastExperiment", Success: true, Message: "ExperimentID " + experimentID + " selected for execution"}
	default:
		return StepResult{Name: "EvoYeastExperiment", Success: false, Message: "unsupported EvoYeast action '" + action + "'"}
	}
}

// parseEvoYeastPayload splits the `<id>|<action>` encoded prerequisite
// argument, defaulting to action "set" when no '|' is present and
// normalizing common aliases, mirroring pre_execution.py's
// _parse_evo_yeast_payload.
func parseEvoYeastPayload(token string) (id string, action string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "none"
	}
	if idx := strings.Index(token, "|"); idx >= 0 {
		id = strings.TrimSpace(token[:idx])
		action = strings.ToLower(strings.TrimSpace(token[idx+1:]))
	} else {
		id = token
		action = "set"
	}
	switch action {
	case "set", "activate", "exclusive":
		action = "set"
	case "none", "noop", "skip":
		action = "none"
	}
	return id, action
}
