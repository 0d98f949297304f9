package allocator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewFileStore(path)

	// Missing file yields the zero state, not an error.
	st, err := store.Load()
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if st.NextIndex != 0 || len(st.UsedAddresses) != 0 {
		t.Fatalf("unexpected initial state %+v", st)
	}

	want := State{NextIndex: 4, UsedAddresses: []string{"0xa", "0xb"}}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.NextIndex != want.NextIndex || len(got.UsedAddresses) != 2 {
		t.Fatalf("roundtrip mismatch %+v", got)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFileStore(path).Load(); err == nil {
		t.Fatal("corrupt state should fail loudly")
	}
}

func TestFileStoreReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewFileStore(path)

	if err := store.Save(State{NextIndex: 1}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.Save(State{NextIndex: 2}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single state file, found %d entries", len(entries))
	}

	st, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.NextIndex != 2 {
		t.Fatalf("stale state %+v", st)
	}
}
