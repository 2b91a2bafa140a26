package logstore

import (
	"database/sql"
	"time"
)

// Run is one completed (or in-flight) pipeline execution.
type Run struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Success      bool      `json:"success"`
	FinalText    string    `json:"final_text"`
	StageCount   int       `json:"stage_count"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Stage is one stage result within a Run (§"Pipeline stage": single VM or
// parallel group).
type Stage struct {
	ID           int64   `json:"id"`
	RunID        int64   `json:"run_id"`
	Index        int     `json:"index"`
	BoxName      string  `json:"box_name"`
	Kind         string  `json:"kind"` // "single" or "parallel"
	IsError      bool    `json:"is_error"`
	ErrorMessage string  `json:"error_message,omitempty"`
	ResultText   string  `json:"result_text"`
	DurationMS   int64   `json:"duration_ms"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	ToolCalls    int     `json:"tool_calls"`
}

// StartRun inserts a new run row and returns its assigned ID.
func (d *DB) StartRun(name string) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO runs (name, started_at) VALUES (?, ?)
	`, name, time.Now().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishRun records the terminal state of a run: success, final text, and
// the aggregate token/cost sums across its stages.
func (d *DB) FinishRun(runID int64, success bool, finalText string, stageCount int, inputTokens, outputTokens int64, costUSD float64) error {
	_, err := d.db.Exec(`
		UPDATE runs SET success = ?, final_text = ?, stage_count = ?,
			input_tokens = ?, output_tokens = ?, cost_usd = ?, finished_at = ?
		WHERE id = ?
	`, boolToInt(success), finalText, stageCount, inputTokens, outputTokens, costUSD,
		time.Now().Format(time.RFC3339), runID)
	return err
}

// RecordStage appends one stage result to a run.
func (d *DB) RecordStage(s Stage) error {
	_, err := d.db.Exec(`
		INSERT INTO stages (run_id, idx, box_name, kind, is_error, error_message,
			result_text, duration_ms, input_tokens, output_tokens, cost_usd, tool_calls)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.RunID, s.Index, s.BoxName, s.Kind, boolToInt(s.IsError), s.ErrorMessage,
		s.ResultText, s.DurationMS, s.InputTokens, s.OutputTokens, s.CostUSD, s.ToolCalls)
	return err
}

// GetRun returns a run and its stages ordered by index, or (nil, nil, nil)
// if the run does not exist.
func (d *DB) GetRun(runID int64) (*Run, []Stage, error) {
	row := d.db.QueryRow(`
		SELECT id, name, success, final_text, stage_count, input_tokens, output_tokens, cost_usd, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if err != nil || run == nil {
		return run, nil, err
	}

	rows, err := d.db.Query(`
		SELECT id, run_id, idx, box_name, kind, is_error, error_message, result_text,
			duration_ms, input_tokens, output_tokens, cost_usd, tool_calls
		FROM stages WHERE run_id = ? ORDER BY idx ASC
	`, runID)
	if err != nil {
		return run, nil, err
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var s Stage
		var isErr int
		if err := rows.Scan(&s.ID, &s.RunID, &s.Index, &s.BoxName, &s.Kind, &isErr,
			&s.ErrorMessage, &s.ResultText, &s.DurationMS, &s.InputTokens,
			&s.OutputTokens, &s.CostUSD, &s.ToolCalls); err != nil {
			return run, nil, err
		}
		s.IsError = isErr != 0
		stages = append(stages, s)
	}
	return run, stages, rows.Err()
}

// ListRuns returns the most recent runs, newest first, up to limit (0 means
// unbounded).
func (d *DB) ListRuns(limit int) ([]Run, error) {
	query := `
		SELECT id, name, success, final_text, stage_count, input_tokens, output_tokens, cost_usd, started_at, finished_at
		FROM runs ORDER BY id DESC
	`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = d.db.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = d.db.Query(query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var success int
	var startedStr, finishedStr string
	err := row.Scan(&r.ID, &r.Name, &success, &r.FinalText, &r.StageCount,
		&r.InputTokens, &r.OutputTokens, &r.CostUSD, &startedStr, &finishedStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Success = success != 0
	r.StartedAt, _ = time.Parse(time.RFC3339, startedStr)
	if finishedStr != "" {
		r.FinishedAt, _ = time.Parse(time.RFC3339, finishedStr)
	}
	return &r, nil
}

func scanRunRow(rows *sql.Rows) (*Run, error) {
	var r Run
	var success int
	var startedStr, finishedStr string
	err := rows.Scan(&r.ID, &r.Name, &success, &r.FinalText, &r.StageCount,
		&r.InputTokens, &r.OutputTokens, &r.CostUSD, &startedStr, &finishedStr)
	if err != nil {
		return nil, err
	}
	r.Success = success != 0
	r.StartedAt, _ = time.Parse(time.RFC3339, startedStr)
	if finishedStr != "" {
		r.FinishedAt, _ = time.Parse(time.RFC3339, finishedStr)
	}
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
