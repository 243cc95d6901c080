// Package manifest defines the per-student result records produced by a
// download run and how they are stored.
//
// The manifest is a JSON array of StudentResult written next to the
// downloaded projects. It lists every student the run attempted, failed
// ones included, and is the only artifact the site builder reads.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Status classifies a result.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// StudentResult is the outcome of one student job.
//
// Failed results carry at least one entry in Errors and nil location
// fields. Successful results always carry LocalPath; the entry page fields
// are nil when no entry page was found, which is recorded as a warning.
type StudentResult struct {
	Section          string  `json:"section"`
	FullName         string  `json:"full_name"`
	DisplayNameShort string  `json:"display_name_short"`
	Username         string  `json:"username"`
	Slug             string  `json:"slug"`
	CodioID          string  `json:"codio_id"`
	LocalPath        *string `json:"local_path"`

	// EntryPage is the entry page relative to LocalPath, e.g. "site/index.html".
	EntryPage *string `json:"entry_page"`
	// EntryPagePath is the directory part of EntryPage, "" for the root.
	EntryPagePath *string `json:"entry_page_path"`
	// EntryPageFile is the file name part of EntryPage.
	EntryPageFile *string `json:"entry_page_file"`
	EntryTitle    string  `json:"entry_title,omitempty"`

	Warnings          []string  `json:"warnings"`
	Errors            []string  `json:"errors,omitempty"`
	DownloadTimestamp time.Time `json:"download_timestamp"`
}

// Status reports whether the result failed, succeeded with warnings, or
// succeeded cleanly.
func (r *StudentResult) Status() Status {
	switch {
	case len(r.Errors) > 0:
		return StatusFailed
	case len(r.Warnings) > 0:
		return StatusWarning
	default:
		return StatusOK
	}
}

// Fail turns r into a failed result carrying msg.
func (r *StudentResult) Fail(msg string) {
	r.LocalPath = nil
	r.EntryPage = nil
	r.EntryPagePath = nil
	r.EntryPageFile = nil
	r.EntryTitle = ""
	r.Errors = append(r.Errors, msg)
}

// SetEntryPage records the entry page found under the project directory.
func (r *StudentResult) SetEntryPage(dir, file string) {
	full := file
	if dir != "" {
		full = dir + "/" + file
	}
	r.EntryPage = &full
	r.EntryPagePath = &dir
	r.EntryPageFile = &file
}

// Str returns a pointer to s, for the optional string fields.
func Str(s string) *string { return &s }

// Manifest is an ordered collection of results.
type Manifest []StudentResult

// Sort orders results by section rank and then slug. Sections missing
// from order sort after known ones, alphabetically.
func (m Manifest) Sort(order []string) {
	rank := make(map[string]int, len(order))
	for i, s := range order {
		rank[s] = i
	}
	sectionRank := func(s string) int {
		if r, ok := rank[s]; ok {
			return r
		}
		return len(order)
	}
	sort.SliceStable(m, func(i, j int) bool {
		ri, rj := sectionRank(m[i].Section), sectionRank(m[j].Section)
		if ri != rj {
			return ri < rj
		}
		if m[i].Section != m[j].Section {
			return m[i].Section < m[j].Section
		}
		return m[i].Slug < m[j].Slug
	})
}

// Marshal encodes m as indented JSON. Nil warning lists are written as
// empty arrays.
func (m Manifest) Marshal() ([]byte, error) {
	out := make(Manifest, len(m))
	copy(out, m)
	for i := range out {
		if out[i].Warnings == nil {
			out[i].Warnings = []string{}
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Parse decodes a manifest document.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// Write stores m at path. The file is replaced atomically so readers never
// observe a partial manifest.
func Write(path string, m Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// Load reads a manifest file.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// SectionSummary counts results of one section.
type SectionSummary struct {
	Section string
	OK      int
	Warning int
	Failed  int
}

// Total is the number of results in the section.
func (s SectionSummary) Total() int { return s.OK + s.Warning + s.Failed }

// Summary counts results per section and overall.
type Summary struct {
	Sections []SectionSummary
	Total    SectionSummary
}

// Summarize counts results by status. Sections appear in order first,
// then any others in order of first appearance.
func (m Manifest) Summarize(order []string) Summary {
	idx := make(map[string]int)
	var s Summary
	add := func(name string) int {
		if i, ok := idx[name]; ok {
			return i
		}
		idx[name] = len(s.Sections)
		s.Sections = append(s.Sections, SectionSummary{Section: name})
		return idx[name]
	}
	for _, name := range order {
		add(name)
	}
	for i := range m {
		j := add(m[i].Section)
		sec := &s.Sections[j]
		switch m[i].Status() {
		case StatusFailed:
			sec.Failed++
			s.Total.Failed++
		case StatusWarning:
			sec.Warning++
			s.Total.Warning++
		default:
			sec.OK++
			s.Total.OK++
		}
	}
	s.Total.Section = "total"
	return s
}
