package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

var ts = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func sample() Manifest {
	ok := StudentResult{
		Section:           "P1",
		FullName:          "Jonathan Smith",
		DisplayNameShort:  "Julian S",
		Username:          "jsmith",
		Slug:              "jsmith",
		CodioID:           "s1",
		LocalPath:         Str("P1/jsmith"),
		DownloadTimestamp: ts,
	}
	ok.SetEntryPage("site", "index.html")

	warn := StudentResult{
		Section:           "P1",
		FullName:          "Ann Lee",
		Slug:              "alee",
		CodioID:           "s2",
		LocalPath:         Str("P1/alee"),
		Warnings:          []string{"No index.html or entry page found"},
		DownloadTimestamp: ts,
	}

	failed := StudentResult{
		Section:           "P3",
		FullName:          "Bo Chen",
		Slug:              "bchen",
		CodioID:           "s3",
		LocalPath:         Str("P3/bchen"),
		DownloadTimestamp: ts,
	}
	failed.Fail("Failed to download Bo Chen: export task failed")

	return Manifest{failed, ok, warn}
}

func TestStatus(t *testing.T) {
	m := sample()
	want := []Status{StatusFailed, StatusOK, StatusWarning}
	for i := range m {
		if got := m[i].Status(); got != want[i] {
			t.Errorf("result %d status = %s, want %s", i, got, want[i])
		}
	}
}

func TestFailClearsLocation(t *testing.T) {
	m := sample()
	f := m[0]
	if f.LocalPath != nil || f.EntryPage != nil || f.EntryPagePath != nil || f.EntryPageFile != nil {
		t.Errorf("failed result must have nil location fields: %+v", f)
	}
	if len(f.Errors) != 1 {
		t.Errorf("expected one error, got %v", f.Errors)
	}
}

func TestMarshalShape(t *testing.T) {
	data, err := sample().Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(raw) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(raw))
	}

	failed, ok := raw[0], raw[1]
	if failed["local_path"] != nil || failed["entry_page"] != nil {
		t.Errorf("failed entry must serialize null paths: %v", failed)
	}
	if _, has := failed["errors"]; !has {
		t.Error("failed entry must carry errors")
	}
	if w, isList := failed["warnings"].([]any); !isList || len(w) != 0 {
		t.Errorf("warnings must be an empty list, got %#v", failed["warnings"])
	}
	if _, has := ok["errors"]; has {
		t.Error("successful entry must not carry an errors key")
	}
	if ok["entry_page"] != "site/index.html" || ok["entry_page_path"] != "site" || ok["entry_page_file"] != "index.html" {
		t.Errorf("unexpected entry page fields: %v", ok)
	}
	if ok["download_timestamp"] != "2025-09-01T12:00:00Z" {
		t.Errorf("unexpected timestamp %v", ok["download_timestamp"])
	}
}

func TestRootEntryPagePath(t *testing.T) {
	var r StudentResult
	r.SetEntryPage("", "index.html")
	if *r.EntryPage != "index.html" || *r.EntryPagePath != "" {
		t.Errorf("unexpected root entry page: %q in %q", *r.EntryPage, *r.EntryPagePath)
	}
}

func TestWriteLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build", "manifest.json")
	if err := Write(path, sample()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m) != 3 || m[1].Slug != "jsmith" || *m[1].EntryPage != "site/index.html" {
		t.Errorf("unexpected manifest: %+v", m)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".manifest-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSort(t *testing.T) {
	m := sample()
	m = append(m, StudentResult{Section: "Extra", Slug: "a"})
	m.Sort([]string{"P3", "P1"})

	var got []string
	for _, r := range m {
		got = append(got, r.Section+"/"+r.Slug)
	}
	want := "P3/bchen,P1/alee,P1/jsmith,Extra/a"
	if strings.Join(got, ",") != want {
		t.Errorf("sorted = %v, want %s", got, want)
	}
}

func TestSummarize(t *testing.T) {
	s := sample().Summarize([]string{"P1", "P3", "P5"})
	if len(s.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %+v", s.Sections)
	}
	p1 := s.Sections[0]
	if p1.Section != "P1" || p1.OK != 1 || p1.Warning != 1 || p1.Failed != 0 {
		t.Errorf("unexpected P1 summary %+v", p1)
	}
	if s.Sections[2].Total() != 0 {
		t.Errorf("expected empty P5, got %+v", s.Sections[2])
	}
	if s.Total.Total() != 3 || s.Total.Failed != 1 {
		t.Errorf("unexpected total %+v", s.Total)
	}
}

func TestPublishFetch(t *testing.T) {
	ctx := context.Background()
	bkt, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bkt.Close()

	latest, archived := PublishKeys("manifest.json", "run-1")
	if archived != "runs/run-1/manifest.json" {
		t.Errorf("unexpected archived key %q", archived)
	}
	if err := Publish(ctx, bkt, sample(), latest, archived); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, key := range []string{latest, archived} {
		m, err := Fetch(ctx, bkt, key)
		if err != nil {
			t.Fatalf("Fetch %s: %v", key, err)
		}
		if len(m) != 3 {
			t.Errorf("%s: expected 3 results, got %d", key, len(m))
		}
	}

	attrs, err := bkt.Attributes(ctx, latest)
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if attrs.ContentType != "application/json" {
		t.Errorf("unexpected content type %q", attrs.ContentType)
	}

	_, err = Fetch(ctx, bkt, "missing.json")
	if !errors.Is(err, ErrNotPublished) {
		t.Errorf("expected ErrNotPublished, got %v", err)
	}
}

func TestPublishURLFileBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	if err := PublishURL(ctx, "file://"+filepath.ToSlash(dir), sample(), "manifest.json"); err != nil {
		t.Fatalf("PublishURL: %v", err)
	}
	m, err := Load(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m) != 3 {
		t.Errorf("expected 3 results, got %d", len(m))
	}
}
