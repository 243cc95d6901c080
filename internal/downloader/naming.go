package downloader

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// PreferredNames maps legal first names to the name a student goes by.
var PreferredNames = map[string]string{
	"Alexander": "Alex",
	"Ann-Tarah": "Annie",
	"Finnegan":  "Finn",
	"Jonathan":  "Julian",
	"Nicolas":   "Nico",
	"Shiyang":   "April",
}

// NameOverrides maps whole names to a fixed display name. They take
// precedence over the first-name-plus-initial rule.
var NameOverrides = map[string]string{
	"Michael Holland": "Micky H",
	"Michael H":       "Micky H",
}

// DisplayName shortens a full name to "First L" for publication, using the
// preferred first name where one is known. Single-word names yield only the
// (preferred) first name.
func DisplayName(full string) string {
	full = strings.TrimSpace(full)
	if full == "" {
		return "Unknown Student"
	}
	if v, ok := NameOverrides[full]; ok {
		return v
	}

	parts := strings.Fields(full)
	first := preferred(parts[0])
	if len(parts) == 1 {
		return first
	}

	last := []rune(parts[len(parts)-1])
	return first + " " + strings.ToUpper(string(last[0]))
}

func preferred(first string) string {
	if v, ok := PreferredNames[first]; ok {
		return v
	}
	return first
}

var (
	unsafeChars  = regexp.MustCompile(`[<>:"/\\|?*]`)
	nonSlugChars = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	slugRuns     = regexp.MustCompile(`[-\s]+`)
)

// SanitizeName makes name usable as a single directory name: spaces become
// underscores, characters reserved on common filesystems and non-ASCII
// characters are dropped. An empty result, or one made only of dots, becomes
// "unknown".
func SanitizeName(name string) string {
	s := strings.ReplaceAll(name, " ", "_")
	s = unsafeChars.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, s)
	if strings.Trim(s, ".") == "" {
		return "unknown"
	}
	return s
}

// Slugify lowercases text, drops punctuation and joins words with hyphens.
func Slugify(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = nonSlugChars.ReplaceAllString(s, "")
	return slugRuns.ReplaceAllString(s, "-")
}

// StudentSlug derives the directory name for a student: the username when
// set, otherwise a slug of the full name.
func StudentSlug(username, fullName string) (user, slug string) {
	user = strings.TrimSpace(username)
	if user == "" {
		user = Slugify(fullName)
	}
	return user, SanitizeName(user)
}

// slugSet hands out directory names that are unique within one section.
// Names are compared case-insensitively so two students never share a
// directory on case-insensitive filesystems either.
type slugSet map[string]bool

// claim returns slug, or slug with the first free "-2", "-3", ... suffix.
func (s slugSet) claim(slug string) string {
	name := slug
	for i := 2; s[strings.ToLower(name)]; i++ {
		name = fmt.Sprintf("%s-%d", slug, i)
	}
	s[strings.ToLower(name)] = true
	return name
}
