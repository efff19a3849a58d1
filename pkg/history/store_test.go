package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teslashibe/go-livevoice/pkg/transcript"
)

func newTestStore(t *testing.T, max int) (*JSONStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	store, err := NewJSONStore(path, max)
	if err != nil {
		t.Fatalf("NewJSONStore() error = %v", err)
	}
	return store, path
}

func record(ended time.Time, texts ...string) *Record {
	rec := &Record{
		StartedAt: ended.Add(-time.Minute),
		EndedAt:   ended,
		Outcome:   "ended",
		Voice:     "Kore",
	}
	for i, text := range texts {
		role := transcript.RoleUser
		if i%2 == 1 {
			role = transcript.RoleModel
		}
		rec.Transcript = append(rec.Transcript, transcript.Item{ID: text, Role: role, Text: text})
	}
	return rec
}

func TestJSONStore_SaveAndGet(t *testing.T) {
	store, path := newTestStore(t, 0)

	rec := record(time.Now(), "hello", "hi there")
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Save() should assign an ID")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store file not written: %v", err)
	}

	got, err := store.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Duration() != time.Minute {
		t.Errorf("Duration() = %v, want 1m", got.Duration())
	}

	if _, err := store.Get("missing"); err == nil {
		t.Error("Get() should fail for unknown IDs")
	}
}

func TestJSONStore_Persistence(t *testing.T) {
	store, path := newTestStore(t, 0)
	now := time.Now().Truncate(time.Second)

	if err := store.Save(record(now, "persisted")); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewJSONStore(path, 0)
	if err != nil {
		t.Fatalf("NewJSONStore() reopen error = %v", err)
	}
	if reopened.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reopened.Count())
	}
	recs, _ := reopened.List()
	if recs[0].Transcript[0].Text != "persisted" {
		t.Errorf("transcript = %+v", recs[0].Transcript)
	}
	if !recs[0].EndedAt.Equal(now) {
		t.Errorf("EndedAt = %v, want %v", recs[0].EndedAt, now)
	}
}

func TestJSONStore_ListNewestFirst(t *testing.T) {
	store, _ := newTestStore(t, 0)
	base := time.Now()

	for i, text := range []string{"first", "second", "third"} {
		if err := store.Save(record(base.Add(time.Duration(i)*time.Minute), text)); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"third", "second", "first"}
	for i, rec := range recs {
		if rec.Transcript[0].Text != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, rec.Transcript[0].Text, want[i])
		}
	}
}

func TestJSONStore_PrunesOldest(t *testing.T) {
	store, _ := newTestStore(t, 2)
	base := time.Now()

	for i, text := range []string{"a", "b", "c"} {
		if err := store.Save(record(base.Add(time.Duration(i)*time.Second), text)); err != nil {
			t.Fatal(err)
		}
	}

	if store.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", store.Count())
	}
	recs, _ := store.List()
	if recs[1].Transcript[0].Text != "b" {
		t.Errorf("oldest kept = %q, want b", recs[1].Transcript[0].Text)
	}
}

func TestJSONStore_Delete(t *testing.T) {
	store, _ := newTestStore(t, 0)
	rec := record(time.Now(), "bye")
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(rec.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if store.Count() != 0 {
		t.Errorf("Count() = %d, want 0", store.Count())
	}
	if err := store.Delete(rec.ID); err == nil {
		t.Error("Delete() of a missing record should fail")
	}
}

func TestJSONStore_Search(t *testing.T) {
	store, _ := newTestStore(t, 0)
	now := time.Now()
	store.Save(record(now, "I live in Lisbon", "What do you like about it?"))
	store.Save(record(now.Add(time.Second), "I study engineering"))

	tests := []struct {
		query string
		want  int
	}{
		{"lisbon", 1},
		{"LIKE", 1},
		{"I ", 2},
		{"paris", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := store.Search(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("Search(%q) = %d records, want %d", tt.query, len(got), tt.want)
			}
		})
	}
}

func TestNewJSONStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJSONStore(path, 0); err == nil {
		t.Error("NewJSONStore() should fail on a corrupt file")
	}
}
