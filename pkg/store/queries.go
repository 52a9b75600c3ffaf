package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// InsertAgent inserts rec and returns the assigned id. Ids are monotonic
// per store.
func (s *Store) InsertAgent(ctx context.Context, rec *AgentRecord) (int64, error) {
	if !rec.Status.Valid() {
		return 0, fmt.Errorf("invalid status %q", rec.Status)
	}

	var id int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (name, status, parent_id, pid, start_time, prompt, log_path, engine_id, model, session_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Name, string(rec.Status), rec.ParentID, rec.PID,
			formatTime(rec.StartTime), TruncatePrompt(rec.Prompt), rec.LogPath,
			rec.EngineID, rec.Model, rec.SessionID,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert agent: %w", err)
	}
	rec.ID = id
	return id, nil
}

// AgentUpdate is a partial update of mutable agent fields. Nil fields are
// left untouched.
type AgentUpdate struct {
	Status     *Status
	EndTime    *time.Time
	DurationMS *int64
	PID        *int
	LogPath    *string
	Error      *string
	EngineID   *string
	Model      *string
	SessionID  *string
}

// UpdateAgent applies update to the agent row and, when telemetry is
// non-nil, upserts the telemetry row in the same transaction.
func (s *Store) UpdateAgent(ctx context.Context, id int64, update AgentUpdate, telemetry *Telemetry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := applyAgentUpdate(ctx, tx, id, update); err != nil {
			return err
		}
		if telemetry != nil {
			t := *telemetry
			t.AgentID = id
			if err := upsertTelemetry(ctx, tx, &t); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyAgentUpdate(ctx context.Context, tx *sql.Tx, id int64, update AgentUpdate) error {
	set := make([]string, 0, 8)
	args := make([]any, 0, 9)

	add := func(col string, val any) {
		set = append(set, col+" = ?")
		args = append(args, val)
	}

	if update.Status != nil {
		if !update.Status.Valid() {
			return fmt.Errorf("invalid status %q", *update.Status)
		}
		add("status", string(*update.Status))
	}
	if update.EndTime != nil {
		add("end_time", formatTime(*update.EndTime))
	}
	if update.DurationMS != nil {
		add("duration_ms", *update.DurationMS)
	}
	if update.PID != nil {
		add("pid", *update.PID)
	}
	if update.LogPath != nil {
		add("log_path", *update.LogPath)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.EngineID != nil {
		add("engine_id", *update.EngineID)
	}
	if update.Model != nil {
		add("model", *update.Model)
	}
	if update.SessionID != nil {
		add("session_id", *update.SessionID)
	}
	if len(set) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE agents SET " + strings.Join(set, ", ") + " WHERE id = ?"
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("agent %d not found", id)
	}
	return err
}

// UpsertTelemetry inserts or replaces the telemetry row for t.AgentID.
func (s *Store) UpsertTelemetry(ctx context.Context, t *Telemetry) error {
	return withRetry(ctx, func() error {
		return upsertTelemetryExec(ctx, s.db, t)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTelemetry(ctx context.Context, tx *sql.Tx, t *Telemetry) error {
	return upsertTelemetryExec(ctx, tx, t)
}

func upsertTelemetryExec(ctx context.Context, db execer, t *Telemetry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO telemetry (agent_id, tokens_in, tokens_out, cached_tokens, cache_creation_tokens, cache_read_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			cached_tokens = excluded.cached_tokens,
			cache_creation_tokens = excluded.cache_creation_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cost = excluded.cost`,
		t.AgentID, t.TokensIn, t.TokensOut,
		t.CachedTokens, t.CacheCreationTokens, t.CacheReadTokens, t.Cost,
	)
	return err
}

const agentColumns = `
	a.id, a.name, a.status, a.parent_id, a.pid, a.start_time, a.end_time,
	a.duration_ms, a.prompt, a.log_path, a.error, a.engine_id, a.model, a.session_id,
	t.agent_id, t.tokens_in, t.tokens_out, t.cached_tokens, t.cache_creation_tokens, t.cache_read_tokens, t.cost`

const agentFrom = ` FROM agents a LEFT JOIN telemetry t ON t.agent_id = a.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var rec AgentRecord
	var status, startTime string
	var endTime, errMsg, sessionID sql.NullString
	var durationMS sql.NullInt64
	var pid sql.NullInt64
	var parentID sql.NullInt64

	var tAgentID sql.NullInt64
	var tokensIn, tokensOut sql.NullInt64
	var cached, cacheCreation, cacheRead sql.NullInt64
	var cost sql.NullFloat64

	err := row.Scan(
		&rec.ID, &rec.Name, &status, &parentID, &pid, &startTime, &endTime,
		&durationMS, &rec.Prompt, &rec.LogPath, &errMsg, &rec.EngineID, &rec.Model, &sessionID,
		&tAgentID, &tokensIn, &tokensOut, &cached, &cacheCreation, &cacheRead, &cost,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	if parentID.Valid {
		v := parentID.Int64
		rec.ParentID = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		rec.PID = &v
	}
	if rec.StartTime, err = parseTime(startTime); err != nil {
		return nil, fmt.Errorf("corrupt start_time for agent %d: %w", rec.ID, err)
	}
	if endTime.Valid {
		t, err := parseTime(endTime.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt end_time for agent %d: %w", rec.ID, err)
		}
		rec.EndTime = &t
	}
	if durationMS.Valid {
		v := durationMS.Int64
		rec.DurationMS = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		rec.Error = &v
	}
	if sessionID.Valid {
		v := sessionID.String
		rec.SessionID = &v
	}

	if tAgentID.Valid {
		tel := &Telemetry{
			AgentID:   tAgentID.Int64,
			TokensIn:  int(tokensIn.Int64),
			TokensOut: int(tokensOut.Int64),
		}
		if cached.Valid {
			v := int(cached.Int64)
			tel.CachedTokens = &v
		}
		if cacheCreation.Valid {
			v := int(cacheCreation.Int64)
			tel.CacheCreationTokens = &v
		}
		if cacheRead.Valid {
			v := int(cacheRead.Int64)
			tel.CacheReadTokens = &v
		}
		if cost.Valid {
			v := cost.Float64
			tel.Cost = &v
		}
		rec.Telemetry = tel
	}

	return &rec, nil
}

// GetAgent fetches one record with its telemetry.
func (s *Store) GetAgent(ctx context.Context, id int64) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT"+agentColumns+agentFrom+" WHERE a.id = ?", id)
	rec, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %d: %w", id, err)
	}
	return rec, nil
}

// ListAgents returns every record ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	return s.queryAgents(ctx, "SELECT"+agentColumns+agentFrom+" ORDER BY a.id")
}

// ListChildren returns the direct children of parentID ordered by id.
func (s *Store) ListChildren(ctx context.Context, parentID int64) ([]*AgentRecord, error) {
	return s.queryAgents(ctx, "SELECT"+agentColumns+agentFrom+" WHERE a.parent_id = ? ORDER BY a.id", parentID)
}

// ListRoots returns records with no parent, ordered by id.
func (s *Store) ListRoots(ctx context.Context) ([]*AgentRecord, error) {
	return s.queryAgents(ctx, "SELECT"+agentColumns+agentFrom+" WHERE a.parent_id IS NULL ORDER BY a.id")
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var records []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ChildrenIndex loads all parent-to-children edges in one pass so callers
// can rebuild the full tree in O(n) without per-node queries.
func (s *Store) ChildrenIndex(ctx context.Context) (map[int64][]*AgentRecord, error) {
	records, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[int64][]*AgentRecord)
	for _, rec := range records {
		if rec.ParentID != nil {
			index[*rec.ParentID] = append(index[*rec.ParentID], rec)
		}
	}
	return index, nil
}

// DeleteAgents removes the given records and their telemetry. Telemetry
// rows go first to satisfy the foreign key.
func (s *Store) DeleteAgents(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM telemetry WHERE agent_id = ?", id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearAll wipes both tables, telemetry first.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM telemetry"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM agents")
		return err
	})
}
