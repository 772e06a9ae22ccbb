package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MxBlackSheep/labscheduler/internal/clock"
	"github.com/MxBlackSheep/labscheduler/internal/model"
)

// rendered is a subject/body pair ready to send.
type rendered struct {
	Subject string
	Body    string
}

// renderEvent builds the subject and labeled-line body for eventType,
// mirroring notifications.py's SchedulingNotificationService body
// style (a lead sentence, blank line, "Label: value" lines, optional
// trailing notes block) and scheduler_engine.py's long_running/aborted
// context dicts.
func renderEvent(eventType model.NotificationEventType, schedule *model.Schedule, execution *model.JobExecution, context map[string]any, note, actor string) rendered {
	switch eventType {
	case model.EventManualRecoveryRequired:
		return renderManualRecoveryRequired(schedule, note, actor)
	case model.EventManualRecoveryCleared:
		return renderManualRecoveryCleared(schedule, note, actor)
	case model.EventAborted:
		return renderAborted(schedule, execution, context)
	case model.EventLongRunning:
		return renderLongRunning(schedule, execution, context)
	case model.EventTest:
		return rendered{
			Subject: "Lab scheduler test notification",
			Body:    "This is a test notification sent from the lab instrument scheduler.",
		}
	default:
		return rendered{
			Subject: fmt.Sprintf("Lab scheduler event: %s", eventType),
			Body:    fmt.Sprintf("Experiment: %s\nSchedule ID: %s", schedule.ExperimentName, schedule.ScheduleID),
		}
	}
}

func renderManualRecoveryRequired(schedule *model.Schedule, note, actor string) rendered {
	lines := []string{
		"A scheduled experiment requires manual recovery before it can run again.",
		"",
		"Experiment: " + schedule.ExperimentName,
		"Schedule ID: " + schedule.ScheduleID,
		"Triggered by: " + actor,
	}
	if schedule.RecoveryMarkedAt != nil {
		lines = append(lines, "Marked at: "+clock.FormatISO(*schedule.RecoveryMarkedAt))
	}
	if note != "" {
		lines = append(lines, "", "Notes:", note)
	}
	return rendered{
		Subject: "Lab scheduler manual recovery required: " + schedule.ExperimentName,
		Body:    strings.Join(lines, "\n"),
	}
}

func renderManualRecoveryCleared(schedule *model.Schedule, note, actor string) rendered {
	lines := []string{
		"Manual recovery has been cleared for a scheduled experiment.",
		"",
		"Experiment: " + schedule.ExperimentName,
		"Schedule ID: " + schedule.ScheduleID,
		"Resolved by: " + actor,
	}
	if schedule.RecoveryResolvedAt != nil {
		lines = append(lines, "Resolved at: "+clock.FormatISO(*schedule.RecoveryResolvedAt))
	}
	if note != "" {
		lines = append(lines, "", "Resolution notes:", note)
	}
	return rendered{
		Subject: "Lab scheduler manual recovery cleared: " + schedule.ExperimentName,
		Body:    strings.Join(lines, "\n"),
	}
}

func renderAborted(schedule *model.Schedule, execution *model.JobExecution, context map[string]any) rendered {
	lines := []string{
		"A scheduled experiment run was aborted.",
		"",
		"Experiment: " + schedule.ExperimentName,
		"Schedule ID: " + schedule.ScheduleID,
		"Execution ID: " + execution.ExecutionID,
	}
	if execution.ErrorMessage != "" {
		lines = append(lines, "Error: "+execution.ErrorMessage)
	}
	lines = append(lines, contextLines(context)...)
	return rendered{
		Subject: "Lab scheduler run aborted: " + schedule.ExperimentName,
		Body:    strings.Join(lines, "\n"),
	}
}

func renderLongRunning(schedule *model.Schedule, execution *model.JobExecution, context map[string]any) rendered {
	lines := []string{
		"A scheduled experiment has exceeded its expected run time.",
		"",
		"Experiment: " + schedule.ExperimentName,
		"Schedule ID: " + schedule.ScheduleID,
		"Execution ID: " + execution.ExecutionID,
	}
	lines = append(lines, contextLines(context)...)
	return rendered{
		Subject: "Lab scheduler long-running alert: " + schedule.ExperimentName,
		Body:    strings.Join(lines, "\n"),
	}
}

// contextLines renders a context map as sorted "Label: value" lines,
// title-casing snake_case keys (elapsed_minutes -> "Elapsed minutes").
func contextLines(context map[string]any) []string {
	if len(context) == 0 {
		return nil
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys)+1)
	lines = append(lines, "")
	for _, k := range keys {
		label := strings.ReplaceAll(k, "_", " ")
		label = strings.ToUpper(label[:1]) + label[1:]
		lines = append(lines, fmt.Sprintf("%s: %v", label, context[k]))
	}
	return lines
}
