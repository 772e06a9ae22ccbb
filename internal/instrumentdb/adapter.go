// Package instrumentdb is the read-mostly adapter over the vendor
// instrument's own database: the latest Hamilton run state for a
// method, and the narrow set of writes the pre-execution pipeline
// needs (ScheduledToRun flags, Hamilton table resets). Grounded on
// original_source/database_manager.py's SchedulingDatabaseManager.
package instrumentdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// connectTimeout mirrors spec.md §5's "vendor-DB connect (5 s)".
const connectTimeout = 5 * time.Second

// Adapter is the vendor instrument database access point. Constructed
// explicitly per use (§9: no package singleton); connect failure is
// not fatal — every method degrades gracefully per
// database_manager.py's _hamilton_db_available pattern, logging and
// returning a zero value instead of propagating the error up into the
// scheduler loop.
type Adapter struct {
	db        *sqlx.DB
	available bool
	log       *logrus.Logger
}

// Open connects to driverName/dsn (e.g. "sqlserver" against the
// instrument's HamiltonVectorDB, or "sqlite" via
// github.com/glebarez/go-sqlite as a local stand-in when no vendor
// SQL Server is reachable). A connect failure never returns an error:
// the Adapter comes back unavailable and every method short-circuits,
// matching the original's try/except-at-construction-time behavior.
func Open(driverName, dsn string, log *logrus.Logger) *Adapter {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		log.Warnf("instrument database unavailable (%s): %v", driverName, err)
		return &Adapter{log: log}
	}

	if pingErr := pingWithTimeout(db, connectTimeout); pingErr != nil {
		log.Warnf("instrument database not reachable (%s): %v", driverName, pingErr)
		db.Close()
		return &Adapter{log: log}
	}

	log.Infof("instrument database connection established (%s)", driverName)
	return &Adapter{db: db, available: true, log: log}
}

func pingWithTimeout(db *sqlx.DB, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- db.Ping() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("ping timed out after %s", timeout)
	}
}

// Close releases the underlying connection, if any.
func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Adapter) isSQLServer() bool {
	return a.db != nil && a.db.DriverName() == "sqlserver"
}

// topOrLimit builds a "SELECT TOP n col... FROM ..." clause on
// SQL Server and an equivalent trailing "LIMIT n" form otherwise
// (spec.md §4.I: the pack carries no SQL Server driver, so the query
// builder branches on DriverName() rather than assuming T-SQL).
func (a *Adapter) topOrLimit(n int, columns, from, where, orderBy string) string {
	if a.isSQLServer() {
		q := fmt.Sprintf("SELECT TOP %d %s FROM %s", n, columns, from)
		if where != "" {
			q += " WHERE " + where
		}
		if orderBy != "" {
			q += " ORDER BY " + orderBy
		}
		return q
	}
	q := fmt.Sprintf("SELECT %s FROM %s", columns, from)
	if where != "" {
		q += " WHERE " + where
	}
	if orderBy != "" {
		q += " ORDER BY " + orderBy
	}
	return q + fmt.Sprintf(" LIMIT %d", n)
}

// LastRunState satisfies executor.InstrumentRunStateReader: the
// latest Hamilton RunState label for experimentName, built from the
// same candidate-name search GetLatestRunState uses.
func (a *Adapter) LastRunState(experimentName string) (string, error) {
	return a.GetLatestRunState(experimentName, "")
}

// GetLatestRunState searches HxRun for the most recent RunState
// matching methodName/experimentPath, mirroring
// get_latest_hamilton_run_state_by_name: an ordered candidate list
// (raw name, base name, stem, stem+.med, stem+.hsl, and the same for
// the path) is tried with equality first, then a LIKE fallback for
// terms of 3+ characters. The first non-empty mapped label wins.
func (a *Adapter) GetLatestRunState(methodName, experimentPath string) (string, error) {
	if !a.available {
		return "", nil
	}
	if methodName == "" && experimentPath == "" {
		return "", nil
	}

	candidates := runStateCandidates(methodName, experimentPath)

	for _, term := range candidates {
		if state, err := a.queryRunState(term, true); err == nil && state != "" {
			return state, nil
		}
	}
	for _, term := range candidates {
		if len(term) < 3 {
			continue
		}
		if state, err := a.queryRunState(term, false); err == nil && state != "" {
			return state, nil
		}
	}
	return "", nil
}

func (a *Adapter) queryRunState(term string, exact bool) (string, error) {
	comparator := "="
	value := term
	if !exact {
		comparator = "LIKE"
		value = "%" + term + "%"
	}
	query := a.topOrLimit(1, "RunState", "HamiltonVectorDB.dbo.HxRun", "MethodName "+comparator+" ?", "StartTime DESC")
	query = a.db.Rebind(query)

	var raw sql.NullString
	if err := a.db.Get(&raw, query, value); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		a.log.Debugf("run state query failed for %q (exact=%v): %v", term, exact, err)
		return "", err
	}
	if !raw.Valid {
		return "", nil
	}
	return translateState(raw.String), nil
}

// runStateCandidates builds the ordered candidate-name list spec.md
// §4.I/§6.3 describe for get_latest_run_state.
func runStateCandidates(methodName, experimentPath string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	add(methodName)
	if methodName != "" {
		base := filepath.Base(methodName)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		add(base)
		add(stem)
		add(stem + ".med")
		add(stem + ".hsl")
	}

	if experimentPath != "" {
		add(experimentPath)
		add(filepath.ToSlash(experimentPath))
		base := filepath.Base(experimentPath)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		add(base)
		add(stem)
		add(stem + ".med")
		add(stem + ".hsl")
		if strings.EqualFold(filepath.Ext(experimentPath), ".med") {
			hsl := strings.TrimSuffix(experimentPath, filepath.Ext(experimentPath)) + ".hsl"
			add(hsl)
			add(filepath.ToSlash(hsl))
		}
	}

	return out
}

// ShouldBlockDueToAbort satisfies scheduler.RunStateReader: the first
// candidate whose latest run state is in abortStates wins, mirroring
// should_block_due_to_abort.
func (a *Adapter) ShouldBlockDueToAbort(candidateNames []string, abortStates []string) (string, bool, error) {
	if !a.available {
		return "", false, nil
	}
	for _, candidate := range candidateNames {
		state, err := a.GetLatestRunState(candidate, "")
		if err != nil {
			continue
		}
		if state == "" {
			continue
		}
		for _, abortState := range abortStates {
			if state == abortState {
				return fmt.Sprintf("Hamilton reported last run as %s", state), true, nil
			}
		}
	}
	return "", false, nil
}

// ResetAllScheduledToRunFlags clears ScheduledToRun on every
// Experiments row. Unlike get_latest_hamilton_run_state_by_name's
// Python sibling (which only logs "not fully implemented yet"), this
// runs the real statement when the instrument DB is reachable —
// spec.md §6.3 documents it as a real write, not a mock.
func (a *Adapter) ResetAllScheduledToRunFlags() error {
	if !a.available {
		a.log.Infof("mock: reset all ScheduledToRun flags (instrument database unavailable)")
		return nil
	}
	_, err := a.db.Exec("UPDATE Experiments SET ScheduledToRun = 0")
	if err != nil {
		a.log.Errorf("failed to reset ScheduledToRun flags: %v", err)
	}
	return err
}

// SetScheduledToRunFlag sets ScheduledToRun for a single named
// experiment.
func (a *Adapter) SetScheduledToRunFlag(experimentName string, on bool) error {
	if !a.available {
		a.log.Infof("mock: setting ScheduledToRun flag for %s to %v (instrument database unavailable)", experimentName, on)
		return nil
	}
	value := 0
	if on {
		value = 1
	}
	_, err := a.db.Exec("UPDATE Experiments SET ScheduledToRun = ? WHERE ExperimentID = ?", value, experimentName)
	if err != nil {
		a.log.Errorf("failed to set ScheduledToRun flag for %s: %v", experimentName, err)
	}
	return err
}

// SetExclusiveEvoYeastExperiment clears every ScheduledToRun flag then
// sets it on experimentID alone, the two-statement transaction
// set_exclusive_evoyeast_experiment runs.
func (a *Adapter) SetExclusiveEvoYeastExperiment(experimentID string) error {
	if experimentID == "" {
		return fmt.Errorf("instrumentdb: experiment id is required")
	}
	if !a.available {
		a.log.Infof("mock: would set ExperimentID %s as exclusive ScheduledToRun (instrument database unavailable)", experimentID)
		return nil
	}

	tx, err := a.db.Beginx()
	if err != nil {
		return fmt.Errorf("instrumentdb: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE Experiments SET ScheduledToRun = 0"); err != nil {
		return fmt.Errorf("instrumentdb: clear ScheduledToRun: %w", err)
	}
	result, err := tx.Exec("UPDATE Experiments SET ScheduledToRun = 1 WHERE ExperimentID = ?", experimentID)
	if err != nil {
		return fmt.Errorf("instrumentdb: set ScheduledToRun: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows <= 0 {
		a.log.Warnf("ExperimentID %s not found while setting ScheduledToRun flag", experimentID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("instrumentdb: commit: %w", err)
	}
	a.log.Infof("ExperimentID %s marked ScheduledToRun", experimentID)
	return nil
}

// ResetHamiltonTables invokes the vendor's ResetHamiltonTables stored
// procedure for experimentName, optionally scoped to tables.
func (a *Adapter) ResetHamiltonTables(experimentName string, tables []string) error {
	if !a.available {
		info := "default set"
		if len(tables) > 0 {
			info = strings.Join(tables, ", ")
		}
		a.log.Infof("mock: reset Hamilton tables for %s (%s)", experimentName, info)
		return nil
	}

	query := "EXEC ResetHamiltonTables @ExperimentName = ?"
	args := []any{experimentName}
	if len(tables) > 0 {
		payload, err := json.Marshal(tables)
		if err != nil {
			return fmt.Errorf("instrumentdb: marshal table list: %w", err)
		}
		query = "EXEC ResetHamiltonTables @ExperimentName = ?, @TablesJson = ?"
		args = append(args, string(payload))
	}

	if _, err := a.db.Exec(query, args...); err != nil {
		a.log.Errorf("failed to reset Hamilton tables for %s: %v", experimentName, err)
		return err
	}
	a.log.Infof("Hamilton tables reset for experiment %s", experimentName)
	return nil
}
