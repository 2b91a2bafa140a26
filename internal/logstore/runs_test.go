package logstore

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStartAndFinishRun(t *testing.T) {
	db := openTestDB(t)

	runID, err := db.StartRun("pipeline:demo")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if err := db.RecordStage(Stage{
		RunID: runID, Index: 0, BoxName: "fetch", Kind: "single",
		ResultText: "HELLO", DurationMS: 120, InputTokens: 10, OutputTokens: 5, ToolCalls: 1,
	}); err != nil {
		t.Fatalf("RecordStage: %v", err)
	}
	if err := db.RecordStage(Stage{
		RunID: runID, Index: 1, BoxName: "transform", Kind: "single",
		ResultText: "hello", DurationMS: 80, InputTokens: 8, OutputTokens: 3, ToolCalls: 0,
	}); err != nil {
		t.Fatalf("RecordStage: %v", err)
	}

	if err := db.FinishRun(runID, true, "hello", 2, 18, 8, 0.002); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, stages, err := db.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run == nil {
		t.Fatal("expected run, got nil")
	}
	if !run.Success || run.FinalText != "hello" || run.StageCount != 2 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	if stages[0].BoxName != "fetch" || stages[1].BoxName != "transform" {
		t.Fatalf("stages out of order: %+v", stages)
	}
}

func TestGetRunMissing(t *testing.T) {
	db := openTestDB(t)

	run, stages, err := db.GetRun(999)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run != nil || stages != nil {
		t.Fatalf("expected nil run and stages, got %+v / %+v", run, stages)
	}
}

func TestListRunsOrderAndLimit(t *testing.T) {
	db := openTestDB(t)

	for _, name := range []string{"a", "b", "c"} {
		id, err := db.StartRun(name)
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		db.FinishRun(id, true, name, 0, 0, 0, 0)
	}

	runs, err := db.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Name != "c" || runs[1].Name != "b" {
		t.Fatalf("expected newest-first order, got %+v", runs)
	}
}

func TestRecordStageFailure(t *testing.T) {
	db := openTestDB(t)

	runID, _ := db.StartRun("pipeline:boom")
	if err := db.RecordStage(Stage{
		RunID: runID, Index: 0, BoxName: "a", Kind: "single",
		IsError: true, ErrorMessage: "boom",
	}); err != nil {
		t.Fatalf("RecordStage: %v", err)
	}
	db.FinishRun(runID, false, "", 1, 0, 0, 0)

	run, stages, err := db.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Success {
		t.Fatal("expected run.Success = false")
	}
	if !stages[0].IsError || stages[0].ErrorMessage != "boom" {
		t.Fatalf("unexpected stage: %+v", stages[0])
	}
}
