package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/store"
)

func sampleSnapshot() store.Guide {
	return store.Guide{
		ID:          "gd_1",
		GuideID:     1,
		Name:        "Engine Assembly",
		Description: "Walkthrough for the training bench",
		Steps: []store.Step{
			{ID: "s1", Name: "Intro", Contents: []store.Content{
				{ID: "c1", Type: "spatial-object", Link: "https://cdn.local/models/wrench.glb"},
			}},
		},
	}
}

func TestGuideRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := sampleSnapshot()
	if err := svc.EnsureGuideRepo(1, initial, "avery"); err != nil {
		t.Fatalf("EnsureGuideRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// Second call for the same guide must be a no-op.
	if err := svc.EnsureGuideRepo(1, initial, "avery"); err != nil {
		t.Fatalf("EnsureGuideRepo() second call error = %v", err)
	}

	updated := initial
	updated.Name = "Engine Assembly v2"
	commit, err := svc.CommitSnapshot(1, updated, "avery", "Apply approved edit")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	history, err := svc.History(1, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}

	snapshot, err := svc.SnapshotByHash(1, commit.Hash)
	if err != nil {
		t.Fatalf("SnapshotByHash() error = %v", err)
	}
	if snapshot.Name != "Engine Assembly v2" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if len(snapshot.Steps) != 1 || snapshot.Steps[0].ID != "s1" {
		t.Fatalf("steps not preserved: %+v", snapshot.Steps)
	}
}

func TestConcurrentCommitSnapshot(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := sampleSnapshot()
	if err := svc.EnsureGuideRepo(1, initial, "avery"); err != nil {
		t.Fatalf("EnsureGuideRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := initial
			next.Description = fmt.Sprintf("revision-%02d", idx)
			if _, err := svc.CommitSnapshot(1, next, "avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitSnapshot() concurrent error = %v", err)
		}
	}

	history, err := svc.History(1, 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) < writers+1 {
		t.Fatalf("expected at least %d commits in history, got %d", writers+1, len(history))
	}

	head, err := svc.SnapshotByHash(1, history[0].Hash)
	if err != nil {
		t.Fatalf("SnapshotByHash() error = %v", err)
	}
	if !strings.HasPrefix(head.Description, "revision-") {
		t.Fatalf("unexpected head snapshot after concurrent commits: %+v", head)
	}
}

func TestRemoveGuideRepo(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureGuideRepo(7, sampleSnapshot(), "avery"); err != nil {
		t.Fatalf("EnsureGuideRepo() error = %v", err)
	}
	if err := svc.RemoveGuideRepo(7); err != nil {
		t.Fatalf("RemoveGuideRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "7")); !os.IsNotExist(err) {
		t.Fatalf("repo directory should be gone, stat err = %v", err)
	}
}
