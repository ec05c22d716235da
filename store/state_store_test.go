package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/types"
)

func setupStore(t *testing.T) *StateStore {
	t.Helper()
	return NewStateStore(t.TempDir())
}

func sampleState() *models.State {
	st := models.NewState()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.Projects = append(st.Projects, models.Project{
		ID:            models.NewID(),
		Name:          "app",
		RepoPath:      "/src/app",
		Status:        models.ProjectActive,
		LastTouchedAt: now,
	})
	st.FocusProjectID = st.Projects[0].ID
	st.Runs = append(st.Runs, models.Run{
		ID:            models.NewID(),
		ProjectID:     st.Projects[0].ID,
		RunName:       "feat-x",
		WorktreePath:  "/src/app/runs/feat-x",
		BranchName:    "run/feat-x",
		State:         models.RunCreated,
		CreatedAt:     now,
		LastTouchedAt: now,
	})
	return st
}

func TestLoad_MissingFileIsEmptyState(t *testing.T) {
	s := setupStore(t)
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Projects) != 0 || len(st.Runs) != 0 || st.FocusProjectID != "" {
		t.Errorf("expected empty state, got %+v", st)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := setupStore(t)
	want := sampleState()
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("round trip mismatch:\nsaved:  %+v\nloaded: %+v", want, got)
	}
}

func TestLoad_CleansCrashedTempFile(t *testing.T) {
	s := setupStore(t)
	valid := sampleState()
	if err := s.Save(valid); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a crash between write-temp and rename.
	if err := os.WriteFile(s.tmpPath, []byte(`{"partial":`), 0o644); err != nil {
		t.Fatalf("plant temp file: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load after crash: %v", err)
	}
	if len(got.Runs) != 1 || got.Runs[0].RunName != "feat-x" {
		t.Errorf("prior state not preserved: %+v", got)
	}
	if _, err := os.Stat(s.tmpPath); !os.IsNotExist(err) {
		t.Error("temp file should be cleaned on load")
	}
}

func TestLoad_CorruptSurfacesStateCorrupt(t *testing.T) {
	s := setupStore(t)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path, []byte("not json at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load()
	if types.KindOf(err) != types.KindStateCorrupt {
		t.Fatalf("error = %v, want StateCorrupt", err)
	}
}

func TestRepair_BacksUpCorruptFile(t *testing.T) {
	s := setupStore(t)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	st, backup, err := s.Repair()
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if backup == "" {
		t.Error("expected a backup path")
	}
	if data, err := os.ReadFile(backup); err != nil || string(data) != "garbage" {
		t.Errorf("backup does not hold the corrupt content: %q, %v", data, err)
	}
	if len(st.Projects) != 0 {
		t.Error("repaired state should be empty")
	}
	if _, err := s.Load(); err != nil {
		t.Errorf("registry should load after repair: %v", err)
	}
}

func TestRepair_NoopOnHealthyState(t *testing.T) {
	s := setupStore(t)
	if err := s.Save(sampleState()); err != nil {
		t.Fatal(err)
	}
	st, backup, err := s.Repair()
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if backup != "" {
		t.Errorf("healthy registry should not be backed up, got %q", backup)
	}
	if len(st.Runs) != 1 {
		t.Error("healthy state lost during repair")
	}
}

func TestMutate_ReloadModifyWrite(t *testing.T) {
	s := setupStore(t)
	if err := s.Save(sampleState()); err != nil {
		t.Fatal(err)
	}

	_, err := s.Mutate(func(st *models.State) error {
		st.Runs[0].State = models.RunFinished
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Runs[0].State != models.RunFinished {
		t.Errorf("state = %s, want finished", got.Runs[0].State)
	}
}

func TestInboxSpool_DrainedOnSave(t *testing.T) {
	s := setupStore(t)
	item := models.InboxItem{ID: models.NewID(), Text: "look into flaky test", CreatedAt: time.Now().UTC()}
	if err := s.AppendInboxSpool(item); err != nil {
		t.Fatalf("AppendInboxSpool: %v", err)
	}

	pending, err := s.PendingSpool()
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingSpool = %v, %v; want one item", pending, err)
	}

	if err := s.Save(models.NewState()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Inbox) != 1 || got.Inbox[0].Text != item.Text {
		t.Errorf("spool not drained into registry: %+v", got.Inbox)
	}
	if _, err := os.Stat(s.spoolPath); !os.IsNotExist(err) {
		t.Error("spool should be removed after drain")
	}
}

func TestInboxSpool_DrainSkipsDuplicatesAndGarbage(t *testing.T) {
	s := setupStore(t)
	item := models.InboxItem{ID: models.NewID(), Text: "once", CreatedAt: time.Now().UTC()}
	if err := s.AppendInboxSpool(item); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendInboxSpool(item); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(s.spoolPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{broken\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	if err := s.Save(models.NewState()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Inbox) != 1 {
		t.Errorf("inbox has %d items, want 1", len(got.Inbox))
	}
}

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	if err := AtomicWriteFile(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}
	if err := AtomicWriteFile(path, []byte(`{"a":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil || got["a"] != 2 {
		t.Errorf("content = %s, want a=2", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestWriteHandoff_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handoff.json")
	h := models.TemplateHandoff("app", "manual")

	if err := WriteHandoff(h, path); err != nil {
		t.Fatalf("WriteHandoff: %v", err)
	}
	got, err := LoadHandoff(path)
	if err != nil {
		t.Fatalf("LoadHandoff: %v", err)
	}
	if got.Meta.Project != "app" || len(got.Tasks) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
