package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ligustah/harvest/internal/manifest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func results() manifest.Manifest {
	ok := manifest.StudentResult{Section: "P1", Slug: "jsmith", CodioID: "s1", LocalPath: manifest.Str("P1/jsmith")}
	warn := manifest.StudentResult{Section: "P1", Slug: "alee", CodioID: "s2", LocalPath: manifest.Str("P1/alee"),
		Warnings: []string{"No index.html or entry page found"}}
	failed := manifest.StudentResult{Section: "P3", Slug: "bchen", CodioID: "s3"}
	failed.Fail("Failed to download Bo Chen: boom")
	return manifest.Manifest{ok, warn, failed}
}

func TestRecordAndRead(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	start := time.Date(2025, 9, 1, 8, 0, 0, 123, time.UTC)
	run := Run{
		ID:              NewRunID(),
		Assignment:      "About Me",
		Started:         start,
		Finished:        start.Add(90 * time.Second),
		Sections:        3,
		SectionFailures: 1,
		OK:              99, // overwritten from the manifest
		Bytes:           4096,
	}
	if err := s.Record(ctx, run, results()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.OK != 1 || got.Warning != 1 || got.Failed != 1 || got.Total() != 3 {
		t.Errorf("unexpected counts %+v", got)
	}
	if !got.Started.Equal(start) || got.Finished.Sub(got.Started) != 90*time.Second {
		t.Errorf("times not preserved: %v %v", got.Started, got.Finished)
	}
	if got.Sections != 3 || got.SectionFailures != 1 || got.Bytes != 4096 || got.DryRun {
		t.Errorf("unexpected run %+v", got)
	}

	outcomes, err := s.Outcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Slug != "alee" || outcomes[0].Status != manifest.StatusWarning {
		t.Errorf("unexpected first outcome %+v", outcomes[0])
	}
	last := outcomes[2]
	if last.Status != manifest.StatusFailed || last.Error != "Failed to download Bo Chen: boom" {
		t.Errorf("unexpected failed outcome %+v", last)
	}
	if outcomes[1].Error != "" {
		t.Errorf("successful outcome carries error %q", outcomes[1].Error)
	}
}

func TestRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		id := NewRunID()
		ids = append(ids, id)
		run := Run{ID: id, Assignment: "About Me", Started: base.Add(time.Duration(i) * time.Hour), Finished: base, DryRun: i == 1}
		if err := s.Record(ctx, run, nil); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	runs, err := s.Runs(ctx, 2)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Errorf("unexpected order %+v", runs)
	}
	if !runs[1].DryRun {
		t.Error("dry run flag not preserved")
	}

	all, err := s.Runs(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Errorf("Runs(0) = %d, %v", len(all), err)
	}
}

func TestRunNotFound(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Run(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRecordRequiresID(t *testing.T) {
	s := openTemp(t)
	if err := s.Record(context.Background(), Run{}, nil); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestRecordDuplicateIDRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	run := Run{ID: NewRunID(), Assignment: "About Me"}
	if err := s.Record(ctx, run, results()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, run, results()); err == nil {
		t.Fatal("expected duplicate run id to fail")
	}
	outcomes, err := s.Outcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outcomes) != 3 {
		t.Errorf("failed record left %d outcomes", len(outcomes))
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := NewRunID()
	if err := s.Record(ctx, Run{ID: id, Assignment: "About Me"}, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Run(ctx, id); err != nil {
		t.Errorf("run lost after reopen: %v", err)
	}
}

func TestNewRunIDIsUUID(t *testing.T) {
	if _, err := uuid.Parse(NewRunID()); err != nil {
		t.Errorf("NewRunID is not a UUID: %v", err)
	}
}
