package downloader

import (
	"strings"
	"testing"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Jonathan Smith", "Julian S"},
		{"Michael Holland", "Micky H"},
		{"Michael H", "Micky H"},
		{"Michael Jordan", "Michael J"},
		{"Shiyang", "April"},
		{"Plato", "Plato"},
		{"Ann-Tarah van der berg", "Annie B"},
		{"  Alexander   Ivanov ", "Alex I"},
		{"zoe ødegaard", "zoe Ø"},
		{"", "Unknown Student"},
		{"   ", "Unknown Student"},
	}
	for _, tt := range tests {
		if got := DisplayName(tt.in); got != tt.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"jsmith", "jsmith"},
		{"Jane Doe", "Jane_Doe"},
		{`a<b>c:d"e/f\g|h?i*j`, "abcdefghij"},
		{"josé", "jos"},
		{"ü", "unknown"},
		{"", "unknown"},
		{".", "unknown"},
		{"..", "unknown"},
		{".hidden", ".hidden"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Jane Doe", "jane-doe"},
		{"  O'Brien,  Pat ", "obrien-pat"},
		{"a - b", "a-b"},
		{"snake_case", "snake_case"},
		{"José Núñez", "josé-núñez"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStudentSlug(t *testing.T) {
	user, slug := StudentSlug("jsmith", "Jonathan Smith")
	if user != "jsmith" || slug != "jsmith" {
		t.Errorf("got %q/%q", user, slug)
	}

	user, slug = StudentSlug("", "José Núñez")
	if user != "josé-núñez" || slug != "jos-nez" {
		t.Errorf("fallback got %q/%q", user, slug)
	}
}

func TestSlugSetClaim(t *testing.T) {
	taken := make(slugSet)
	var got []string
	for _, slug := range []string{"unknown", "unknown", "jsmith", "JSmith", "unknown-2", "unknown"} {
		got = append(got, taken.claim(slug))
	}
	want := "unknown,unknown-2,jsmith,JSmith-2,unknown-2-2,unknown-3"
	if strings.Join(got, ",") != want {
		t.Errorf("claimed %s, want %s", strings.Join(got, ","), want)
	}
}
