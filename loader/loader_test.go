package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{"array", `[{"a":1}, {"b":2}]`, []string{`{"a":1}`, `{"b":2}`}},
		{"single", "  {\"a\":1}\n", []string{`{"a":1}`}},
		{"ndjson", "{\"a\":1}\n{\"b\":2}\n\n{\"c\":3}\n", []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}},
		{"array keeps non-objects", `[1, null, {"a":1}]`, []string{`1`, `null`, `{"a":1}`}},
		{"empty array", `[]`, []string{}},
	}

	for _, c := range cases {
		payloads, err := Load(strings.NewReader(c.input))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.name, err)
		}
		if len(payloads) != len(c.want) {
			t.Fatalf("%s: expected %d payloads, got %d", c.name, len(c.want), len(payloads))
		}
		for i := range c.want {
			if string(payloads[i]) != c.want[i] {
				t.Fatalf("%s: payload %d: expected %s, got %s", c.name, i, c.want[i], payloads[i])
			}
		}
	}
}

func TestLoad_Empty(t *testing.T) {
	payloads, err := Load(strings.NewReader(" \n\t"))
	if err != nil || payloads != nil {
		t.Fatalf("expected no payloads, got %v, %v", payloads, err)
	}
}

func TestLoad_InvalidArray(t *testing.T) {
	for _, input := range []string{`[{"a":1}`, `[{"a":1},]`, `[1] [2]`} {
		if _, err := Load(strings.NewReader(input)); err == nil {
			t.Fatalf("%q: expected error", input)
		}
	}
}

func TestLoad_BrokenLineIsIsolated(t *testing.T) {
	payloads, err := Load(strings.NewReader("{\"a\":1}\n{\"a\":\n\r\n{\"a\":3}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{`{"a":1}`, `{"a":`, `{"a":3}`}
	if len(payloads) != len(want) {
		t.Fatalf("expected %d payloads, got %d: %q", len(want), len(payloads), payloads)
	}
	for i := range want {
		if string(payloads[i]) != want[i] {
			t.Fatalf("payload %d: expected %s, got %s", i, want[i], payloads[i])
		}
	}
}

func TestLoad_IndentedSingleRecord(t *testing.T) {
	payloads, err := Load(strings.NewReader("{\n  \"a\": 1,\n  \"b\": {\"c\": 2}\n}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payloads) != 1 || !strings.Contains(string(payloads[0]), `"c": 2`) {
		t.Fatalf("expected one indented record, got %q", payloads)
	}
}

func TestLoad_LineTooLong(t *testing.T) {
	long := `{"a":"` + strings.Repeat("x", MaxRecordBytes) + "\n"
	if _, err := Load(strings.NewReader(long)); err == nil {
		t.Fatalf("expected error for oversized line")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")
	if err := os.WriteFile(path, []byte("{\"a\":1}\n{\"b\":2}\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	payloads, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(payloads))
	}

	if _, err := LoadFile(path + ".missing"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWatcher_HandlesJSONFiles(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	seen := make(map[string]int)
	done := make(chan string, 4)

	w, err := NewWatcher(dir, 20*time.Millisecond, func(path string) {
		mu.Lock()
		seen[filepath.Base(path)]++
		mu.Unlock()
		done <- path
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(stopped)
	}()

	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "batch.json"), []byte(`{"a":1}`), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case path := <-done:
		if filepath.Base(path) != "batch.json" {
			t.Fatalf("unexpected file handled: %s", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for spool file")
	}

	cancel()
	<-stopped

	mu.Lock()
	defer mu.Unlock()
	if seen["ignored.txt"] != 0 {
		t.Fatalf("non-json file was handled")
	}
}

func TestNewWatcher_MissingDir(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "nope"), time.Millisecond, func(string) {}); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
