package opstate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	v, ok, err := s.Get(context.Background(), "telegram", "offset")
	if err != nil || ok || v != "" {
		t.Errorf("Get = %q, %v, %v; want missing", v, ok, err)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, v := range []string{"first", "second"} {
		if err := s.Set(ctx, "ns", "k", v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}
	v, ok, err := s.Get(ctx, "ns", "k")
	if err != nil || !ok || v != "second" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}
}

func TestInt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, err := s.GetInt(ctx, "telegram", "offset", 0)
	if err != nil || n != 0 {
		t.Errorf("GetInt missing = %d, %v", n, err)
	}
	if err := s.SetInt(ctx, "telegram", "offset", 912345678901); err != nil {
		t.Fatal(err)
	}
	if n, err := s.GetInt(ctx, "telegram", "offset", 0); err != nil || n != 912345678901 {
		t.Errorf("GetInt = %d, %v", n, err)
	}

	s.Set(ctx, "telegram", "bad", "twelve")
	if n, err := s.GetInt(ctx, "telegram", "bad", 7); err == nil || n != 7 {
		t.Errorf("GetInt non-numeric = %d, %v", n, err)
	}
}

func TestNamespacesAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.Set(ctx, "topics", "-100:7", "lab")
	s.Set(ctx, "topics", "-100:9", "ops")
	s.Set(ctx, "telegram", "offset", "5")

	got, err := s.List(ctx, "topics")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := map[string]string{"-100:7": "lab", "-100:9": "ops"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	empty, err := s.List(ctx, "nothing")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("List empty = %v, %v", empty, err)
	}

	if err := s.Delete(ctx, "topics", "-100:7"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "topics", "missing"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "topics", "-100:7"); ok {
		t.Error("deleted key still present")
	}
	if v, _, _ := s.Get(ctx, "telegram", "offset"); v != "5" {
		t.Errorf("other namespace disturbed: %q", v)
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	open := func() *Store {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			t.Fatal(err)
		}
		s, err := NewStore(db)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	s := open()
	if err := s.SetInt(ctx, "telegram", "offset", 99); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s = open()
	defer s.Close()
	if n, err := s.GetInt(ctx, "telegram", "offset", 0); err != nil || n != 99 {
		t.Errorf("after reopen GetInt = %d, %v", n, err)
	}
}
