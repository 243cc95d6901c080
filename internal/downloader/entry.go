package downloader

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// EntryCandidates are the landing page names looked for at each level, in
// order.
var EntryCandidates = []string{"index.html", "Index.html", "INDEX.HTML", "index.htm", "Index.htm"}

// FallbackCandidates are accepted at the project root when no
// EntryCandidates match anywhere.
var FallbackCandidates = []string{"home.html", "start.html", "main.html"}

// maxEntryDepth is how many directory levels below the root are searched.
const maxEntryDepth = 2

// EntryPage locates a project's landing page.
type EntryPage struct {
	// Dir is the slash-separated directory relative to the project root,
	// "" for the root itself.
	Dir  string
	File string
}

// Path is the page path relative to the project root.
func (e EntryPage) Path() string {
	return path.Join(e.Dir, e.File)
}

// FindEntryPage searches root for a landing page: EntryCandidates at the
// root, then in each first-level directory, then each second-level
// directory, and finally FallbackCandidates at the root. Hidden directories
// are not searched. Directories are visited in name order, so the result
// does not depend on the order the filesystem lists them.
func FindEntryPage(root string) (EntryPage, bool) {
	level := []string{""}
	for depth := 0; depth <= maxEntryDepth && len(level) > 0; depth++ {
		var next []string
		for _, dir := range level {
			files, subdirs := listDir(filepath.Join(root, filepath.FromSlash(dir)))
			if name, ok := firstMatch(files, EntryCandidates); ok {
				return EntryPage{Dir: dir, File: name}, true
			}
			for _, sub := range subdirs {
				next = append(next, path.Join(dir, sub))
			}
		}
		level = next
	}

	files, _ := listDir(root)
	if name, ok := firstMatch(files, FallbackCandidates); ok {
		return EntryPage{File: name}, true
	}
	return EntryPage{}, false
}

// listDir returns the regular files and the non-hidden directories in dir.
// Unreadable directories are treated as empty.
func listDir(dir string) (files map[string]bool, subdirs []string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}
	files = make(map[string]bool, len(entries))
	for _, e := range entries {
		switch {
		case e.Type().IsRegular():
			files[e.Name()] = true
		case e.IsDir() && !strings.HasPrefix(e.Name(), "."):
			subdirs = append(subdirs, e.Name())
		}
	}
	sort.Strings(subdirs)
	return files, subdirs
}

func firstMatch(files map[string]bool, candidates []string) (string, bool) {
	for _, c := range candidates {
		if files[c] {
			return c, true
		}
	}
	return "", false
}

// PageTitle returns the whitespace-normalized <title> of an HTML file, or
// "" when it has none or cannot be parsed.
func PageTitle(file string) string {
	f, err := os.Open(file)
	if err != nil {
		return ""
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}
