package logstream

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testHeader(id int64, name string) Header {
	return Header{
		AgentID:   id,
		Name:      name,
		EngineID:  "claude",
		Model:     "claude-sonnet-4-5",
		Prompt:    "multi\nline\nprompt",
		StartTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestWriteCreatesFileWithHeader(t *testing.T) {
	m := NewManager()
	defer m.CloseAll()
	path := filepath.Join(t.TempDir(), "logs", "agent-1.log")

	m.Register(1, path, testHeader(1, "coder"))

	// Registration alone must not touch the filesystem.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file created before first write")
	}

	m.Write(1, "hello\n")
	m.Write(1, "world\n")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "===╭─ Agent 1: coder ") {
		t.Errorf("missing header banner, got %q", content[:60])
	}
	if !strings.Contains(content, "===│ engine: claude  model: claude-sonnet-4-5\n") {
		t.Error("missing engine line")
	}
	if !strings.Contains(content, "===╰─ prompt: multi line prompt\n") {
		t.Error("prompt newlines should be flattened in the header")
	}
	if !strings.HasSuffix(content, "hello\nworld\n") {
		t.Errorf("chunks not appended after header: %q", content)
	}
	if n := strings.Count(content, "===╭─"); n != 1 {
		t.Errorf("header written %d times, want 1", n)
	}
}

func TestConcurrentWritesKeepOneHeader(t *testing.T) {
	m := NewManager()
	defer m.CloseAll()
	path := filepath.Join(t.TempDir(), "agent-1.log")
	m.Register(1, path, testHeader(1, "coder"))

	const writers = 4
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				m.Write(1, fmt.Sprintf("w%d-%d\n", w, i))
			}
		}(w)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)

	if n := strings.Count(content, "===╭─"); n != 1 {
		t.Errorf("header written %d times, want 1", n)
	}
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			line := fmt.Sprintf("w%d-%d\n", w, i)
			if !strings.Contains(content, line) {
				t.Fatalf("chunk %q lost", line)
			}
		}
	}
}

func TestResumedStreamKeepsOriginalHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-3.log")

	m := NewManager()
	m.Register(3, path, testHeader(3, "coder"))
	m.Write(3, "before pause\n")
	m.CloseAll()

	// A fresh manager resuming the same record reopens the file without
	// writing a second header.
	resumed := NewManager()
	defer resumed.CloseAll()
	resumed.Register(3, path, testHeader(3, "coder"))
	resumed.Write(3, "after resume\n")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)

	if n := strings.Count(content, "===╭─"); n != 1 {
		t.Errorf("header written %d times, want 1", n)
	}
	if !strings.Contains(content, "before pause\n") || !strings.HasSuffix(content, "after resume\n") {
		t.Errorf("content = %q", content)
	}
}

func TestRegisterSamePathIsNoop(t *testing.T) {
	m := NewManager()
	defer m.CloseAll()
	path := filepath.Join(t.TempDir(), "agent-5.log")

	m.Register(5, path, testHeader(5, "coder"))
	m.Write(5, "first\n")
	m.Register(5, path, testHeader(5, "coder"))
	m.Write(5, "second\n")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if n := strings.Count(content, "===╭─"); n != 1 {
		t.Errorf("header written %d times, want 1", n)
	}
	if !strings.HasSuffix(content, "first\nsecond\n") {
		t.Errorf("content = %q", content)
	}
}

func TestHeaderTruncatesLongPrompt(t *testing.T) {
	h := testHeader(7, "coder")
	h.Prompt = strings.Repeat("p", headerPromptLimit+50)
	rendered := h.render()

	if !strings.Contains(rendered, strings.Repeat("p", headerPromptLimit)+"…") {
		t.Error("long prompt not truncated with ellipsis")
	}
	if strings.Contains(rendered, strings.Repeat("p", headerPromptLimit+1)) {
		t.Error("prompt exceeds the header limit")
	}
}

func TestWriteToUnregisteredAgentIsNoop(t *testing.T) {
	m := NewManager()
	m.Write(42, "goes nowhere\n")
}

func TestPathLookup(t *testing.T) {
	m := NewManager()
	defer m.CloseAll()
	path := filepath.Join(t.TempDir(), "a.log")
	m.Register(3, path, testHeader(3, "x"))

	got, ok := m.Path(3)
	if !ok || got != path {
		t.Errorf("Path(3) = (%q, %v)", got, ok)
	}
	if _, ok := m.Path(4); ok {
		t.Error("Path(4) should miss")
	}

	m.Close(3)
	if _, ok := m.Path(3); ok {
		t.Error("Path should miss after Close")
	}
}

func TestRotationShiftsGenerations(t *testing.T) {
	if testing.Short() {
		t.Skip("writes ~11MiB")
	}
	m := NewManager()
	defer m.CloseAll()
	path := filepath.Join(t.TempDir(), "agent.log")
	m.Register(1, path, testHeader(1, "big"))

	// Size checks run every 100 writes; exceed MaxFileSize by then.
	chunk := strings.Repeat("x", MaxFileSize/100+1024)
	for i := 0; i < rotateCheckInterval; i++ {
		m.Write(1, chunk)
	}
	// The write after rotation reopens a fresh live file.
	m.Write(1, "fresh\n")

	rotated, err := os.Stat(path + ".1")
	if err != nil {
		t.Fatalf("rotated generation missing: %v", err)
	}
	if rotated.Size() <= MaxFileSize {
		t.Errorf("rotated file size = %d, want > %d", rotated.Size(), MaxFileSize)
	}

	live, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("live file missing after rotation: %v", err)
	}
	if string(live) != "fresh\n" {
		t.Errorf("live file = %q, want just the post-rotation write", string(live))
	}
}

func TestReadIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	if err := os.WriteFile(path, []byte("alpha\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	chunk, offset, err := ReadIncremental(path, 0)
	if err != nil {
		t.Fatalf("ReadIncremental: %v", err)
	}
	if string(chunk) != "alpha\n" || offset != 6 {
		t.Errorf("got (%q, %d), want (alpha\\n, 6)", chunk, offset)
	}

	// Nothing new.
	chunk, offset, err = ReadIncremental(path, offset)
	if err != nil || chunk != nil || offset != 6 {
		t.Errorf("idle read = (%q, %d, %v)", chunk, offset, err)
	}

	// Append and read only the delta.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("beta\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	chunk, offset, err = ReadIncremental(path, offset)
	if err != nil || string(chunk) != "beta\n" || offset != 11 {
		t.Errorf("delta read = (%q, %d, %v)", chunk, offset, err)
	}
}

func TestReadIncrementalRestartsAfterShrink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	if err := os.WriteFile(path, []byte("a long first generation\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, offset, err := ReadIncremental(path, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate rotation: the live file restarts smaller.
	if err := os.WriteFile(path, []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	chunk, offset, err := ReadIncremental(path, offset)
	if err != nil {
		t.Fatal(err)
	}
	if string(chunk) != "new\n" || offset != 4 {
		t.Errorf("post-shrink read = (%q, %d), want (new\\n, 4)", chunk, offset)
	}
}
