package feature

import (
	"testing"
	"testing/fstest"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"features/detect-fraud-patterns/README.md": {Data: []byte("---\ntitle: Detect fraud\nvibe: focus\n---\n\n# Detect fraud patterns\n")},
		"features/runbook/README.md":               {Data: []byte("# Runbook\n\nNo front matter here.\n")},
		"features/runbook/feature.yaml":            {Data: []byte("vibe_tag: chill\n")},
		"features/plain/README.md":                 {Data: []byte("---\ntitle: Plain\n---\n")},
		"features/broken/README.md":                {Data: []byte("---\nvibe: [unclosed\n---\n")},
		"features/notadir":                         {Data: []byte("file")},
	}
}

func TestExists(t *testing.T) {
	d := NewDirectory(testFS(), "features")
	tests := []struct {
		path string
		want bool
	}{
		{"/features/detect-fraud-patterns", true},
		{"/features/runbook", true},
		{"/features/missing", false},
		{"/features/notadir", false},
		{"/elsewhere/runbook", false},
		{"/features/../features/runbook", false},
	}
	for _, tt := range tests {
		got, err := d.Exists(tt.path)
		if err != nil {
			t.Errorf("Exists(%q) error: %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Exists(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestDefaultTag(t *testing.T) {
	d := NewDirectory(testFS(), "/features/")
	tests := []struct {
		path string
		want string
	}{
		{"/features/detect-fraud-patterns", "focus"},
		{"/features/runbook", "chill"},
		{"/features/plain", ""},
		{"/features/missing", ""},
	}
	for _, tt := range tests {
		got, err := d.DefaultTag(tt.path)
		if err != nil {
			t.Errorf("DefaultTag(%q) error: %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DefaultTag(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDefaultTagMalformedFrontMatter(t *testing.T) {
	d := NewDirectory(testFS(), "features")
	if _, err := d.DefaultTag("/features/broken"); err == nil {
		t.Error("expected an error for malformed front matter")
	}
}
