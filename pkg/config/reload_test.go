package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReloadAppliesChangedSections(t *testing.T) {
	current, _ := LoadString("[head]\ndpi: 300\n[buffer]\ncapacity: 100\n")
	r := NewReloader("", current)

	var applied []int
	r.Handle("head", func(sec *Section) error {
		dpi, err := sec.GetInt("dpi", 600)
		applied = append(applied, dpi)
		return err
	})

	next, _ := LoadString("[head]\ndpi: 150\n[buffer]\ncapacity: 200\n")
	results := r.ReloadWith(next)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got: %+v", results)
	}
	byName := map[string]ReloadResult{}
	for _, res := range results {
		byName[res.Section] = res
	}
	if !byName["head"].Applied || len(applied) != 1 || applied[0] != 150 {
		t.Errorf("head not applied: %+v, %v", byName["head"], applied)
	}
	if !errors.Is(byName["buffer"].Err, ErrRestartRequired) {
		t.Errorf("expected restart required for buffer, got: %v", byName["buffer"].Err)
	}
	if r.Current() != next {
		t.Error("expected next config to become current")
	}

	// Nothing changed the second time round.
	same, _ := LoadString("[head]\ndpi: 150\n[buffer]\ncapacity: 200\n")
	if results := r.ReloadWith(same); len(results) != 0 {
		t.Errorf("expected no results, got: %+v", results)
	}
}

func TestReloadFailureKeepsOldSection(t *testing.T) {
	current, _ := LoadString("[head]\ndpi: 300\n")
	r := NewReloader("", current)
	calls := 0
	r.Handle("head", func(sec *Section) error {
		calls++
		_, err := sec.GetIntRange("dpi", 1, 600)
		return err
	})

	bad, _ := LoadString("[head]\ndpi: 9000\n")
	results := r.ReloadWith(bad)
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected failed reload, got: %+v", results)
	}

	// The failed change is retried on the next reload.
	bad2, _ := LoadString("[head]\ndpi: 9000\n")
	r.ReloadWith(bad2)
	if calls != 2 {
		t.Errorf("expected handler retried, calls = %d", calls)
	}
}

func TestReloadDeletedSectionGetsDefaults(t *testing.T) {
	current, _ := LoadString("[head]\ndpi: 300\n")
	r := NewReloader("", current)
	var got int
	r.Handle("head", func(sec *Section) error {
		got, _ = sec.GetInt("dpi", 600)
		return nil
	})

	empty, _ := LoadString("")
	r.ReloadWith(empty)
	if got != 600 {
		t.Errorf("expected default dpi 600, got: %d", got)
	}
}

func TestReloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hp45.cfg")
	os.WriteFile(path, []byte("[head]\ndpi: 300\n"), 0644)
	current, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReloader(path, current)
	r.SetDebounce(0)
	r.Handle("head", func(*Section) error { return nil })

	os.WriteFile(path, []byte("[head]\ndpi: 200\n"), 0644)
	results, err := r.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(results) != 1 || !results[0].Applied {
		t.Errorf("unexpected results: %+v", results)
	}

	os.Remove(path)
	if _, err := r.Reload(); err == nil {
		t.Error("expected error for missing file")
	}
}
