package jobqueue

import (
	"fmt"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
)

// ConflictType enumerates the kinds job_queue.py's _detect_conflicts
// distinguishes.
type ConflictType string

const (
	ConflictTimeOverlap ConflictType = "time_overlap"
	ConflictHamiltonBusy ConflictType = "hamilton_busy"
)

// Conflict describes one detected scheduling conflict.
type Conflict struct {
	Type                  ConflictType
	ConflictingScheduleIDs []string
	Message                string
	SuggestedResolution    string
	AlternativeTimes       []time.Time
	Severity               string // low, medium, high, critical
}

func hasBlockingConflict(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Severity == "high" || c.Severity == "critical" {
			return true
		}
	}
	return false
}

// detectConflicts checks schedule's window against currently tracked
// execution windows (time_overlap, severity high). It does not check
// whether the instrument is busy and never produces a
// ConflictHamiltonBusy entry; busy-ness only reaches the queue through
// Next's vendorBusy argument, which makes Next return nil and keep the
// job queued, so the queue has no direct process-monitor dependency. allExperiments,
// when non-nil, adds the buffered overlap check against other active
// schedules (medium severity), mirroring detect_scheduling_conflicts.
func (q *Queue) detectConflicts(schedule *model.Schedule, allExperiments []*model.Schedule) []Conflict {
	var conflicts []Conflict
	if schedule.StartTime == nil {
		return conflicts
	}
	end := schedule.StartTime.Add(time.Duration(schedule.EstimatedDurationMinutes) * time.Minute)

	var overlapping []string
	for _, w := range q.windows {
		if w.ScheduleID == schedule.ScheduleID {
			continue
		}
		if w.Overlaps(*schedule.StartTime, end) {
			overlapping = append(overlapping, w.ScheduleID)
		}
	}
	if len(overlapping) > 0 {
		conflicts = append(conflicts, Conflict{
			Type:                   ConflictTimeOverlap,
			ConflictingScheduleIDs: overlapping,
			Message:                fmt.Sprintf("time overlap with %d other experiments", len(overlapping)),
			SuggestedResolution:    "reschedule to avoid overlap",
			AlternativeTimes:       q.suggestAlternatives(schedule),
			Severity:               "high",
		})
	}

	for _, other := range allExperiments {
		if other.ScheduleID == schedule.ScheduleID || other.StartTime == nil || !other.IsActive {
			continue
		}
		otherEnd := other.StartTime.Add(time.Duration(other.EstimatedDurationMinutes) * time.Minute)
		bufferStart := schedule.StartTime.Add(-q.conflictBuffer)
		bufferEnd := end.Add(q.conflictBuffer)
		if other.StartTime.Before(bufferEnd) && otherEnd.After(bufferStart) {
			conflicts = append(conflicts, Conflict{
				Type:                   ConflictTimeOverlap,
				ConflictingScheduleIDs: []string{other.ScheduleID},
				Message:                "potential overlap with " + other.ExperimentName,
				SuggestedResolution:    "adjust timing to maintain buffer",
				Severity:               "medium",
			})
		}
	}

	return conflicts
}

// suggestAlternatives walks forward in 30-minute steps over the next
// 48 hours, returning up to 5 free slots, mirroring
// suggest_conflict_resolution.
func (q *Queue) suggestAlternatives(schedule *model.Schedule) []time.Time {
	var suggestions []time.Time
	now := time.Now()
	suggestedStart := now
	if schedule.StartTime != nil && schedule.StartTime.After(now) {
		suggestedStart = *schedule.StartTime
	}
	endSearch := now.Add(48 * time.Hour)
	checkTime := suggestedStart
	duration := time.Duration(schedule.EstimatedDurationMinutes) * time.Minute

	for checkTime.Before(endSearch) && len(suggestions) < 5 {
		testEnd := checkTime.Add(duration)
		free := true
		for _, w := range q.windows {
			if w.ScheduleID == schedule.ScheduleID {
				continue
			}
			if w.Overlaps(checkTime, testEnd) {
				free = false
				break
			}
		}
		if free {
			suggestions = append(suggestions, checkTime)
		}
		checkTime = checkTime.Add(30 * time.Minute)
	}
	return suggestions
}

// SuggestAlternatives exposes suggestAlternatives for external callers
// (e.g. an API layer offering the user alternative slots).
func (q *Queue) SuggestAlternatives(schedule *model.Schedule) []time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suggestAlternatives(schedule)
}

// DetectConflicts exposes detectConflicts for pre-enqueue inspection.
func (q *Queue) DetectConflicts(schedule *model.Schedule, allExperiments []*model.Schedule) []Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.detectConflicts(schedule, allExperiments)
}
