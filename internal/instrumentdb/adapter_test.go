package instrumentdb

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/glebarez/go-sqlite"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE Experiments (
		ExperimentID TEXT PRIMARY KEY,
		UserDefinedID TEXT,
		Note TEXT,
		ScheduledToRun INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO Experiments (ExperimentID, ScheduledToRun) VALUES ('exp-1', 1), ('exp-2', 0)`)
	require.NoError(t, err)

	return &Adapter{db: db, available: true, log: testLogger()}
}

func unavailableAdapter() *Adapter {
	return &Adapter{log: testLogger()}
}

func TestTranslateStateMapsKnownCodes(t *testing.T) {
	assert.Equal(t, "Aborted", translateState("64"))
	assert.Equal(t, "Running", translateState("2"))
	assert.Equal(t, "Complete", translateState("3"))
	assert.Equal(t, "999", translateState("999"))
}

func TestRunStateCandidatesBuildsMedAndHslVariants(t *testing.T) {
	candidates := runStateCandidates("demo_method", "")
	assert.Contains(t, candidates, "demo_method")
	assert.Contains(t, candidates, "demo_method.med")
	assert.Contains(t, candidates, "demo_method.hsl")
}

func TestRunStateCandidatesDedupesAcrossNameAndPath(t *testing.T) {
	candidates := runStateCandidates("demo", "/methods/demo.med")
	seen := make(map[string]int)
	for _, c := range candidates {
		seen[c]++
	}
	for term, count := range seen {
		assert.Equalf(t, 1, count, "candidate %q appeared more than once", term)
	}
	assert.Contains(t, candidates, "/methods/demo.med")
	assert.Contains(t, candidates, "demo.hsl")
}

func TestTopOrLimitUsesLimitForNonSQLServerDrivers(t *testing.T) {
	a := openTestAdapter(t)
	q := a.topOrLimit(5, "ExperimentID", "Experiments", "ScheduledToRun = 1", "ExperimentID DESC")
	assert.Contains(t, q, "LIMIT 5")
	assert.NotContains(t, q, "TOP")
}

func TestGetLatestRunStateReturnsEmptyWhenUnavailable(t *testing.T) {
	a := unavailableAdapter()
	state, err := a.GetLatestRunState("demo", "")
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestShouldBlockDueToAbortReturnsFalseWhenUnavailable(t *testing.T) {
	a := unavailableAdapter()
	note, blocked, err := a.ShouldBlockDueToAbort([]string{"demo"}, []string{"Aborted", "Error"})
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Empty(t, note)
}

func TestResetAllScheduledToRunFlagsClearsEveryRow(t *testing.T) {
	a := openTestAdapter(t)
	require.NoError(t, a.ResetAllScheduledToRunFlags())

	var count int
	require.NoError(t, a.db.Get(&count, "SELECT COUNT(*) FROM Experiments WHERE ScheduledToRun = 1"))
	assert.Equal(t, 0, count)
}

func TestResetAllScheduledToRunFlagsIsNoopWhenUnavailable(t *testing.T) {
	a := unavailableAdapter()
	assert.NoError(t, a.ResetAllScheduledToRunFlags())
}

func TestSetExclusiveEvoYeastExperimentClearsOthersAndSetsTarget(t *testing.T) {
	a := openTestAdapter(t)
	require.NoError(t, a.SetExclusiveEvoYeastExperiment("exp-2"))

	rows, err := a.db.Query("SELECT ExperimentID, ScheduledToRun FROM Experiments ORDER BY ExperimentID")
	require.NoError(t, err)
	defer rows.Close()

	got := map[string]int{}
	for rows.Next() {
		var id string
		var flag int
		require.NoError(t, rows.Scan(&id, &flag))
		got[id] = flag
	}
	assert.Equal(t, 0, got["exp-1"])
	assert.Equal(t, 1, got["exp-2"])
}

func TestSetExclusiveEvoYeastExperimentRequiresID(t *testing.T) {
	a := openTestAdapter(t)
	assert.Error(t, a.SetExclusiveEvoYeastExperiment(""))
}

func TestResetHamiltonTablesIsNoopWhenUnavailable(t *testing.T) {
	a := unavailableAdapter()
	assert.NoError(t, a.ResetHamiltonTables("demo", []string{"RunQueue"}))
}
