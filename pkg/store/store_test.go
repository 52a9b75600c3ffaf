package store

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertRunning(t *testing.T, s *Store, name string) int64 {
	t.Helper()
	id, err := s.InsertAgent(context.Background(), &AgentRecord{
		Name:      name,
		Status:    StatusRunning,
		StartTime: time.Now(),
		Prompt:    "do the thing",
		EngineID:  "claude",
		Model:     "claude-sonnet-4-5",
	})
	if err != nil {
		t.Fatalf("InsertAgent: %v", err)
	}
	return id
}

func TestInsertAndGetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 30, 0, 123456000, time.UTC)
	pid := 4242
	id, err := s.InsertAgent(ctx, &AgentRecord{
		Name:      "coder",
		Status:    StatusRunning,
		PID:       &pid,
		StartTime: start,
		Prompt:    "implement the parser",
		LogPath:   "/logs/agent-1.log",
		EngineID:  "codex",
		Model:     "gpt-5-codex",
	})
	if err != nil {
		t.Fatalf("InsertAgent: %v", err)
	}

	rec, err := s.GetAgent(ctx, id)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if rec.Name != "coder" || rec.Status != StatusRunning || rec.EngineID != "codex" || rec.Model != "gpt-5-codex" {
		t.Errorf("record = %+v", rec)
	}
	if rec.PID == nil || *rec.PID != pid {
		t.Errorf("PID = %v, want %d", rec.PID, pid)
	}
	if !rec.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v (sub-second precision preserved)", rec.StartTime, start)
	}
	if rec.EndTime != nil || rec.DurationMS != nil || rec.Error != nil || rec.Telemetry != nil {
		t.Errorf("fresh record has terminal fields set: %+v", rec)
	}
}

func TestIDsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	prev := insertRunning(t, s, "first")
	for i := 0; i < 5; i++ {
		id := insertRunning(t, s, "next")
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
}

func TestInsertTruncatesPrompt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("p", PromptLimit+100)
	id, err := s.InsertAgent(ctx, &AgentRecord{
		Name: "a", Status: StatusRunning, StartTime: time.Now(), Prompt: long,
	})
	if err != nil {
		t.Fatalf("InsertAgent: %v", err)
	}

	rec, err := s.GetAgent(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got := len([]rune(rec.Prompt)); got != PromptLimit {
		t.Errorf("stored prompt length = %d, want %d", got, PromptLimit)
	}
}

func TestInsertRejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertAgent(context.Background(), &AgentRecord{
		Name: "a", Status: Status("exploded"), StartTime: time.Now(),
	})
	if err == nil {
		t.Fatal("InsertAgent accepted an invalid status")
	}
}

func TestUpdateAgentPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertRunning(t, s, "coder")

	session := "sess-abc"
	if err := s.UpdateAgent(ctx, id, AgentUpdate{SessionID: &session}, nil); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	rec, err := s.GetAgent(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.SessionID == nil || *rec.SessionID != session {
		t.Errorf("SessionID = %v, want %q", rec.SessionID, session)
	}
	// Untouched fields survive.
	if rec.EngineID != "claude" || rec.Status != StatusRunning {
		t.Errorf("unrelated fields changed: %+v", rec)
	}
}

func TestUpdateUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	status := StatusCompleted
	err := s.UpdateAgent(context.Background(), 9999, AgentUpdate{Status: &status}, nil)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestUpdateWithTelemetryIsJoinedOnRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertRunning(t, s, "coder")

	cost := 0.42
	cached := 128
	status := StatusCompleted
	err := s.UpdateAgent(ctx, id, AgentUpdate{Status: &status}, &Telemetry{
		TokensIn:     1000,
		TokensOut:    250,
		CachedTokens: &cached,
		Cost:         &cost,
	})
	if err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	rec, err := s.GetAgent(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	tel := rec.Telemetry
	if tel == nil {
		t.Fatal("telemetry not joined")
	}
	if tel.AgentID != id || tel.TokensIn != 1000 || tel.TokensOut != 250 {
		t.Errorf("telemetry = %+v", tel)
	}
	if tel.CachedTokens == nil || *tel.CachedTokens != cached {
		t.Errorf("CachedTokens = %v", tel.CachedTokens)
	}
	if tel.Cost == nil || *tel.Cost != cost {
		t.Errorf("Cost = %v", tel.Cost)
	}
	if tel.CacheCreationTokens != nil {
		t.Error("unset optional counter should stay nil")
	}
}

func TestUpsertTelemetryReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertRunning(t, s, "coder")

	if err := s.UpsertTelemetry(ctx, &Telemetry{AgentID: id, TokensIn: 10, TokensOut: 5}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTelemetry(ctx, &Telemetry{AgentID: id, TokensIn: 100, TokensOut: 50}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetAgent(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Telemetry == nil || rec.Telemetry.TokensIn != 100 || rec.Telemetry.TokensOut != 50 {
		t.Errorf("telemetry = %+v, want the second upsert", rec.Telemetry)
	}
}

func TestListRootsAndChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rootID := insertRunning(t, s, "root")
	otherRoot := insertRunning(t, s, "other")
	for _, name := range []string{"child-a", "child-b"} {
		_, err := s.InsertAgent(ctx, &AgentRecord{
			Name: name, Status: StatusRunning, StartTime: time.Now(), ParentID: &rootID,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	roots, err := s.ListRoots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 2 || roots[0].ID != rootID || roots[1].ID != otherRoot {
		t.Errorf("roots = %v", roots)
	}

	children, err := s.ListChildren(ctx, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 || children[0].Name != "child-a" || children[1].Name != "child-b" {
		t.Errorf("children = %v", children)
	}

	index, err := s.ChildrenIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(index[rootID]) != 2 || len(index[otherRoot]) != 0 {
		t.Errorf("index = %v", index)
	}
}

func TestDeleteAgentsRemovesTelemetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertRunning(t, s, "doomed")
	keep := insertRunning(t, s, "kept")
	if err := s.UpsertTelemetry(ctx, &Telemetry{AgentID: id, TokensIn: 1}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteAgents(ctx, []int64{id}); err != nil {
		t.Fatalf("DeleteAgents: %v", err)
	}

	if _, err := s.GetAgent(ctx, id); err == nil {
		t.Error("deleted agent still readable")
	}
	if _, err := s.GetAgent(ctx, keep); err != nil {
		t.Errorf("unrelated agent lost: %v", err)
	}
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertRunning(t, s, "a")
	if err := s.UpsertTelemetry(ctx, &Telemetry{AgentID: id, TokensIn: 1}); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	records, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("records = %v, want none", records)
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusSkipped} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusRunning, StatusPaused} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if Status("zombie").Valid() {
		t.Error("unknown status reported valid")
	}
}
