package checkpoint

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"normflow/internal/blackboard"
	"normflow/internal/reference"
	"normflow/internal/repo"
	"normflow/internal/types"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "run.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// fixture builds a two-concept, two-item run with {a} complete.
func fixture(t *testing.T) (*repo.ConceptRepo, *repo.InferenceRepo, *blackboard.Blackboard) {
	t.Helper()
	concepts := repo.NewConceptRepo()
	for _, name := range []string{"{a}", "{b}"} {
		require.NoError(t, concepts.AddConcept(&repo.Concept{Name: name, Type: repo.TypeSemantical}, false, false))
	}
	require.NoError(t, concepts.AddReference("{a}", []interface{}{"1", "2"}, []string{"x"}))

	inferences := repo.NewInferenceRepo()
	entries := []*repo.InferenceEntry{
		{ConceptToInfer: "{a}", InferenceSequence: "simple", FlowInfo: repo.FlowInfo{FlowIndex: "1"}},
		{ConceptToInfer: "{b}", ValueConcepts: []string{"{a}"}, InferenceSequence: "imperative", FlowInfo: repo.FlowInfo{FlowIndex: "2"}},
	}
	for _, e := range entries {
		require.NoError(t, inferences.Add(e))
	}

	board := blackboard.New()
	board.SetConceptStatus("{a}", types.ConceptComplete)
	board.SetItemStatus("1", types.ItemCompleted)
	board.SetCompletionDetail("1", "success")
	board.MapConceptToFlowIndex("{a}", "1")
	return concepts, inferences, board
}

func TestManager_SaveAndLoadLatest(t *testing.T) {
	m := newManager(t)
	concepts, inferences, board := fixture(t)
	doc := CaptureState(concepts, inferences, board)

	if err := m.SaveCheckpoint("run-1", 1, 0, doc); err != nil {
		t.Fatal(err)
	}
	board.SetItemStatus("2", types.ItemInProgress)
	if err := m.SaveCheckpoint("run-1", 1, 1, CaptureState(concepts, inferences, board)); err != nil {
		t.Fatal(err)
	}

	loaded, cycle, count, err := m.LoadLatest("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if cycle != 1 || count != 1 {
		t.Errorf("Latest = (%d, %d)", cycle, count)
	}
	if loaded.Blackboard.ItemStatuses["2"] != types.ItemInProgress {
		t.Errorf("Latest snapshot missing in-progress item: %+v", loaded.Blackboard.ItemStatuses)
	}
	if _, ok := loaded.References["{a}"]; !ok {
		t.Error("Reference for {a} not persisted")
	}
	if loaded.ConceptSignatures["{a}"] == "" {
		t.Error("Concept signature not persisted")
	}
}

func TestManager_SaveCheckpointIsUpsert(t *testing.T) {
	m := newManager(t)
	concepts, inferences, board := fixture(t)
	if err := m.SaveCheckpoint("run-1", 3, 0, CaptureState(concepts, inferences, board)); err != nil {
		t.Fatal(err)
	}
	board.SetItemStatus("2", types.ItemFailed)
	if err := m.SaveCheckpoint("run-1", 3, 0, CaptureState(concepts, inferences, board)); err != nil {
		t.Fatal(err)
	}
	loaded, _, _, err := m.LoadLatest("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Blackboard.ItemStatuses["2"] != types.ItemFailed {
		t.Error("Second save at same key did not replace the row")
	}
}

func TestManager_HistoryAndRuns(t *testing.T) {
	m := newManager(t)
	id, err := m.RecordExecution("run-1", 1, "1", "simple", "completed", "{a}")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AppendLog(id, "attempt log"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordExecution("run-2", 1, "1", "simple", "failed", ""); err != nil {
		t.Fatal(err)
	}

	rows, err := m.History("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].FlowIndex != "1" || rows[0].ConceptInferred != "{a}" {
		t.Errorf("History rows = %+v", rows)
	}
	runs, err := m.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("Runs = %v", runs)
	}
}

func TestManager_RunMetadataRoundTrip(t *testing.T) {
	m := newManager(t)
	if err := m.SaveRunMetadata("run-1", map[string]interface{}{"forked_from": "default"}); err != nil {
		t.Fatal(err)
	}
	meta, err := m.LoadRunMetadata("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta["forked_from"] != "default" {
		t.Errorf("Metadata = %v", meta)
	}
	absent, err := m.LoadRunMetadata("nope")
	if err != nil || absent != nil {
		t.Errorf("Absent metadata = %v, %v", absent, err)
	}
}

func TestManager_MigratesLegacySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	legacy := `
	CREATE TABLE executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle INTEGER NOT NULL,
		flow_index TEXT NOT NULL,
		inference_type TEXT NOT NULL,
		status TEXT NOT NULL,
		concept_inferred TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE checkpoints (
		cycle INTEGER PRIMARY KEY,
		state_json TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	INSERT INTO checkpoints (cycle, state_json, timestamp) VALUES (1, '{}', '2026-01-01');
	`
	if _, err := db.Exec(legacy); err != nil {
		t.Fatal(err)
	}
	db.Close()

	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if !m.columnExists("executions", "run_id") {
		t.Error("executions.run_id not added")
	}
	if !m.columnExists("checkpoints", "inference_count") {
		t.Error("checkpoints.inference_count not added")
	}
	// The legacy row survives the primary-key rebuild under run "default".
	_, cycle, count, err := m.LoadLatest("default")
	if err != nil {
		t.Fatal(err)
	}
	if cycle != 1 || count != 0 {
		t.Errorf("Migrated row = (%d, %d)", cycle, count)
	}
}

func TestReconcile_OverwriteRestoresEverything(t *testing.T) {
	concepts, inferences, board := fixture(t)
	doc := CaptureState(concepts, inferences, board)

	fresh := blackboard.New()
	freshConcepts, _, _ := fixture(t)
	freshConcepts.ClearReference("{a}")

	rep, err := Reconcile(types.ReconcileOverwrite, doc, freshConcepts, inferences, fresh, false)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.GetConceptStatus("{a}") != types.ConceptComplete {
		t.Error("Concept status not restored")
	}
	entry, _ := freshConcepts.GetConcept("{a}")
	if entry.Reference == nil || !entry.Reference.HasData() {
		t.Error("Reference not restored")
	}
	if len(rep.RestoredConcepts) != 1 {
		t.Errorf("Report = %+v", rep)
	}
}

func TestReconcile_PatchDiscardsEditedConcept(t *testing.T) {
	concepts, inferences, board := fixture(t)
	doc := CaptureState(concepts, inferences, board)

	// Rebuild the repo with {a} edited: its signature no longer matches.
	edited := repo.NewConceptRepo()
	if err := edited.AddConcept(&repo.Concept{Name: "{a}", Type: repo.TypeSemantical, Context: "changed"}, false, false); err != nil {
		t.Fatal(err)
	}
	if err := edited.AddConcept(&repo.Concept{Name: "{b}", Type: repo.TypeSemantical}, false, false); err != nil {
		t.Fatal(err)
	}

	fresh := blackboard.New()
	rep, err := Reconcile(types.ReconcilePatch, doc, edited, inferences, fresh, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.DiscardedConcepts) != 1 || rep.DiscardedConcepts[0] != "{a}" {
		t.Errorf("Discarded = %v", rep.DiscardedConcepts)
	}
	if fresh.GetConceptStatus("{a}") != types.ConceptEmpty {
		t.Error("Edited concept must come back empty")
	}
	entry, _ := edited.GetConcept("{a}")
	if entry.Reference != nil {
		t.Error("Edited concept must lose its saved value")
	}
	// Both items touch {a}: the producer at "1" and the consumer at "2".
	if fresh.GetItemStatus("1") != types.ItemPending {
		t.Error("Producer of the edited concept must re-run")
	}
}

func TestReconcile_PatchKeepsMatchingConcept(t *testing.T) {
	concepts, inferences, board := fixture(t)
	doc := CaptureState(concepts, inferences, board)

	same, _, _ := fixture(t)
	same.ClearReference("{a}")
	fresh := blackboard.New()
	rep, err := Reconcile(types.ReconcilePatch, doc, same, inferences, fresh, false)
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := same.GetConcept("{a}")
	if entry.Reference == nil || !entry.Reference.HasData() {
		t.Error("Matching concept value must be restored")
	}
	if fresh.GetItemStatus("1") != types.ItemCompleted {
		t.Error("Matching item completion must survive")
	}
	if len(rep.DiscardedConcepts) != 0 {
		t.Errorf("Discarded = %v", rep.DiscardedConcepts)
	}
}

func TestReconcile_FillGapsOnlyFillsEmpty(t *testing.T) {
	concepts, inferences, board := fixture(t)
	doc := CaptureState(concepts, inferences, board)

	live, _, _ := fixture(t)
	if err := live.AddReference("{a}", []interface{}{"9"}, []string{"x"}); err != nil {
		t.Fatal(err)
	}
	fresh := blackboard.New()
	if _, err := Reconcile(types.ReconcileFillGaps, doc, live, inferences, fresh, false); err != nil {
		t.Fatal(err)
	}
	entry, _ := live.GetConcept("{a}")
	want := reference.MustFromData([]interface{}{"9"}, []string{"x"})
	if !entry.Reference.Equal(want) {
		t.Error("Live value must not be overwritten by FILL_GAPS")
	}
}

func TestReconcile_ForkDropsItemCompletion(t *testing.T) {
	concepts, inferences, board := fixture(t)
	doc := CaptureState(concepts, inferences, board)

	fresh := blackboard.New()
	freshConcepts, _, _ := fixture(t)
	rep, err := Reconcile(types.ReconcileOverwrite, doc, freshConcepts, inferences, fresh, true)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.GetConceptStatus("{a}") != types.ConceptComplete {
		t.Error("Fork keeps concept values")
	}
	if fresh.GetItemStatus("1") != types.ItemPending {
		t.Error("Fork must not keep item completion")
	}
	if len(rep.RestoredItems) != 0 {
		t.Errorf("Fork report restored items = %v", rep.RestoredItems)
	}
}

func TestRestoreNumericKeys(t *testing.T) {
	in := map[string]interface{}{
		"loops": map[string]interface{}{
			"0": "first",
			"1": map[string]interface{}{"2": "nested"},
		},
		"plain": "kept",
	}
	out := restoreNumericKeys(in)
	loops := out["loops"].(map[string]interface{})
	if loops["0"] != "first" {
		t.Errorf("loops = %v", loops)
	}
	nested := loops["1"].(map[string]interface{})
	if nested["2"] != "nested" {
		t.Errorf("nested = %v", nested)
	}
	if out["plain"] != "kept" {
		t.Errorf("plain = %v", out["plain"])
	}
}
