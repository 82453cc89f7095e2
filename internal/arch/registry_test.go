package arch

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-smlp/internal/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry("root")
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(r.Register("root", "", Defaults(
		Default{"layers", 12},
		Default{"dim", 768},
		Default{"act", "gelu"},
	)))
	must(r.Register("mid", "root", Defaults(
		Default{"dim", 512},
		Default{"gate", false},
	)))
	must(r.Register("leaf", "mid", Defaults(
		Default{"gate", true},
	)))
	return r
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register("mid", "root", Defaults())

	var dup DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if dup.Name != "mid" {
		t.Errorf("DuplicateNameError.Name = %q, want mid", dup.Name)
	}
}

func TestRegisterRejectsOrphansAndRootParents(t *testing.T) {
	r := NewRegistry("root")
	if err := r.Register("child", "", Defaults()); !errors.Is(err, ErrOrphanPreset) {
		t.Errorf("expected ErrOrphanPreset, got %v", err)
	}
	if err := r.Register("root", "other", Defaults()); err == nil {
		t.Error("expected error for root with a parent")
	}
	if err := r.Register("x", "root", nil); err == nil {
		t.Error("expected error for nil rule")
	}
}

func TestResolveMostSpecificWins(t *testing.T) {
	r := newTestRegistry(t)

	got, err := r.Resolve("leaf", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := config.Record{
		"layers": 12,
		"dim":    512,
		"act":    "gelu",
		"gate":   true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resolved record mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveCallerValuesWin(t *testing.T) {
	r := newTestRegistry(t)
	partial := config.Record{"dim": 256, "gate": false}

	got, err := r.Resolve("leaf", partial)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got["dim"] != 256 || got["gate"] != false {
		t.Errorf("caller values overwritten: %v", got)
	}
	if len(partial) != 2 {
		t.Errorf("Resolve mutated the partial record: %v", partial)
	}
}

func TestResolveIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	first, err := r.Resolve("leaf", config.Record{"act": "relu"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Resolve("leaf", first)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-resolving changed the record (-first +second):\n%s", diff)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := newTestRegistry(t)

	var unknown UnknownPresetError
	if _, err := r.Resolve("unregistered_name", nil); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownPresetError, got %v", err)
	}
	if unknown.Name != "unregistered_name" {
		t.Errorf("Name = %q", unknown.Name)
	}
}

func TestResolveUnknownParent(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register("dangling", "missing_parent", Defaults()); err != nil {
		t.Fatal(err)
	}

	var unknown UnknownPresetError
	if _, err := r.Resolve("dangling", nil); !errors.As(err, &unknown) || unknown.Name != "missing_parent" {
		t.Errorf("expected UnknownPresetError for missing_parent, got %v", err)
	}
}

func TestResolveCycle(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register("a", "b", Defaults()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("b", "a", Defaults()); err != nil {
		t.Fatal(err)
	}

	var cyc CyclicInheritanceError
	if _, err := r.Resolve("a", nil); !errors.As(err, &cyc) {
		t.Fatalf("expected CyclicInheritanceError, got %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "a"}, cyc.Chain); diff != "" {
		t.Errorf("cycle chain mismatch (-want +got):\n%s", diff)
	}
}

func TestChainAndNames(t *testing.T) {
	r := newTestRegistry(t)

	chain, err := r.Chain("leaf")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"leaf", "mid", "root"}, chain); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"root", "mid", "leaf"}, r.Names()); diff != "" {
		t.Errorf("names should keep registration order (-want +got):\n%s", diff)
	}
}

func TestExplicit(t *testing.T) {
	r := newTestRegistry(t)
	got, err := r.Explicit("mid")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(config.Record{"dim": 512, "gate": false}, got); diff != "" {
		t.Errorf("explicit defaults mismatch (-want +got):\n%s", diff)
	}
	if _, err := r.Explicit("nope"); err == nil {
		t.Error("expected error for unknown preset")
	}
}
