package overrides

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNewEmptyPathYieldsEmptyTable(t *testing.T) {
	m, err := New("", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	tbl := m.Get()
	if len(tbl.Labels) != 0 || len(tbl.Aliases) != 0 {
		t.Fatalf("expected empty table, got %+v", tbl)
	}
}

func TestNewMissingFileYieldsEmptyTable(t *testing.T) {
	m, err := New(filepath.Join(t.TempDir(), "does-not-exist.yaml"), false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	tbl := m.Get()
	if len(tbl.Labels) != 0 || len(tbl.Aliases) != 0 {
		t.Fatalf("expected empty table for missing file, got %+v", tbl)
	}
}

func TestNewLoadsExternalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	const doc = `
labels:
  "#search": "Search box"
aliases:
  submit: "button[type=submit]"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := New(path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	tbl := m.Get()
	if tbl.Labels["#search"] != "Search box" {
		t.Errorf("expected label override for #search, got %+v", tbl.Labels)
	}
	if tbl.Aliases["submit"] != "button[type=submit]" {
		t.Errorf("expected alias override for submit, got %+v", tbl.Aliases)
	}
}

func TestNewMalformedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	if err := os.WriteFile(path, []byte("not: valid: yaml: [["), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := New(path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	tbl := m.Get()
	if len(tbl.Labels) != 0 || len(tbl.Aliases) != 0 {
		t.Fatalf("expected empty table after malformed load, got %+v", tbl)
	}
}

func TestGetConcurrentReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	if err := os.WriteFile(path, []byte("labels:\n  \"#a\": \"A\"\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := New(path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = m.Get()
			}
		}()
	}
	wg.Wait()
}

func TestManualReloadPicksUpChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	if err := os.WriteFile(path, []byte("labels:\n  \"#a\": \"A\"\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := New(path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if m.Get().Labels["#a"] != "A" {
		t.Fatalf("expected initial label, got %+v", m.Get())
	}

	if err := os.WriteFile(path, []byte("labels:\n  \"#a\": \"B\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite fixture: %v", err)
	}
	if err := m.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if m.Get().Labels["#a"] != "B" {
		t.Fatalf("expected reloaded label, got %+v", m.Get())
	}
}

func TestHotReloadPicksUpFileChange(t *testing.T) {
	if testing.Short() {
		t.Skip("debounce-timing test skipped in short mode")
	}

	path := filepath.Join(t.TempDir(), "overrides.yaml")
	if err := os.WriteFile(path, []byte("labels:\n  \"#a\": \"A\"\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := New(path, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := os.WriteFile(path, []byte("labels:\n  \"#a\": \"B\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite fixture: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get().Labels["#a"] == "B" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected hot-reload to pick up change, got %+v", m.Get())
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	if err := os.WriteFile(path, []byte("labels:\n  \"#a\": \"A\"\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := New(path, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
