package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"taskledger/internal/codec"
	"taskledger/internal/config"
	"taskledger/internal/store"
)

const activeText = "## 2026-02-15\n\n" +
	"| Priority | ID | Description | Feature | Effort | Vibe |\n" +
	"|---|---|---|---|---|---|\n" +
	"| High | F-26-02-15-00 | Detect | /features/detect-fraud-patterns | 2 | |\n"

func testTables() *Tables {
	return New(config.DefaultConfig().Layout)
}

func TestDomainsSortedAndUnique(t *testing.T) {
	snap := store.NewSnapshot("v1", map[string][]byte{
		"domains/zeta/tasks.md":      []byte(activeText),
		"domains/alpha/tasks.md":     []byte(activeText),
		"domains/alpha/completed.md": []byte(""),
		"domains/beta/completed.md":  []byte(""),
		"domains/beta/notes.md":      []byte("ignored"),
		"features/x/README.md":       []byte("ignored"),
	})
	got := testTables().Domains(snap)
	want := []string{"alpha", "beta", "zeta"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Domains() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingArchive(t *testing.T) {
	snap := store.NewSnapshot("v1", map[string][]byte{"domains/alpha/tasks.md": []byte(activeText)})
	d, err := testTables().Load(snap, "alpha")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !d.HasActive || d.HasArchive {
		t.Errorf("HasActive=%v HasArchive=%v, want true/false", d.HasActive, d.HasArchive)
	}
	if d.Backlog.Len() != 1 {
		t.Errorf("backlog has %d records, want 1", d.Backlog.Len())
	}
	if got := string(d.Archive.Encode()); got != "# Completed: alpha\n" {
		t.Errorf("empty archive encodes to %q", got)
	}
	if d.ActiveKey != "domains/alpha/tasks.md" || d.CompletedKey != "domains/alpha/completed.md" {
		t.Errorf("keys = %s, %s", d.ActiveKey, d.CompletedKey)
	}
}

func TestLoadMissingDomain(t *testing.T) {
	d, err := testTables().Load(store.NewSnapshot("v1", nil), "ghost")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if d.HasActive || d.HasArchive || d.Backlog.Len() != 0 {
		t.Errorf("expected an empty domain, got %+v", d)
	}
}

func TestLoadLocatesParseErrors(t *testing.T) {
	snap := store.NewSnapshot("v1", map[string][]byte{
		"domains/alpha/completed.md": []byte("## 2026-02-14\n\n| too | few |\n"),
	})
	_, err := testTables().Load(snap, "alpha")

	var fe *FileError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FileError, got %v", err)
	}
	if fe.Key != "domains/alpha/completed.md" {
		t.Errorf("Key = %q", fe.Key)
	}
	var pe *codec.ParseError
	if !errors.As(err, &pe) || pe.Line != 3 {
		t.Errorf("expected ParseError on line 3, got %v", err)
	}
}

func TestLoadAllKeepsOrder(t *testing.T) {
	files := map[string][]byte{}
	names := []string{"d", "a", "c", "b"}
	for _, n := range names {
		files["domains/"+n+"/tasks.md"] = []byte(activeText)
	}
	snap := store.NewSnapshot("v1", files)

	got, err := testTables().LoadAll(context.Background(), snap, names)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	for i, d := range got {
		if d.Name != names[i] {
			t.Errorf("position %d: got %s, want %s", i, d.Name, names[i])
		}
	}
}

func TestLoadAllFailsOnBadDomain(t *testing.T) {
	snap := store.NewSnapshot("v1", map[string][]byte{
		"domains/good/tasks.md": []byte(activeText),
		"domains/bad/tasks.md":  []byte("| stray |\n"),
	})
	if _, err := testTables().LoadAll(context.Background(), snap, []string{"good", "bad"}); err == nil {
		t.Fatal("expected an error for the malformed domain")
	}
}

func TestLoadReadableSetsBrokenDomainsAside(t *testing.T) {
	snap := store.NewSnapshot("v1", map[string][]byte{
		"domains/good/tasks.md":  []byte(activeText),
		"domains/bad/tasks.md":   []byte("| stray |\n"),
		"domains/later/tasks.md": []byte(activeText),
	})
	domains, broken, err := testTables().LoadReadable(context.Background(), snap, []string{"good", "bad", "later"})
	if err != nil {
		t.Fatalf("LoadReadable: %v", err)
	}
	var names []string
	for _, d := range domains {
		names = append(names, d.Name)
	}
	if diff := cmp.Diff([]string{"good", "later"}, names); diff != "" {
		t.Errorf("loaded domains mismatch (-want +got):\n%s", diff)
	}
	if len(broken) != 1 || broken[0].Domain != "bad" || broken[0].Key != "domains/bad/tasks.md" {
		t.Fatalf("broken = %+v", broken)
	}
	var pe *codec.ParseError
	if !errors.As(broken[0], &pe) {
		t.Errorf("broken domain error %v does not wrap a ParseError", broken[0])
	}
}
