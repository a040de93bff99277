package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/whatsgate-project/whatsgate/types"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	st, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st, root
}

func TestLoadMissingCreatesFresh(t *testing.T) {
	st, _ := newTestStore(t)

	creds, err := st.Load("alice")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if creds.Registered {
		t.Fatal("fresh credentials must be unregistered")
	}
	// First use claims the directory so the restore scan sees it.
	if !st.Exists("alice") {
		t.Fatal("directory not created on first load")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)

	in := &Credentials{
		Registered: true,
		Me:         &types.User{ID: "5511999990000:1@s.whatsapp.net", Name: "Alice"},
		Material:   json.RawMessage(`{"noiseKey":"abc"}`),
	}
	if err := st.Save("alice", in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := st.Load("alice")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !out.Registered || out.Me == nil || out.Me.ID != in.Me.ID {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if string(out.Material) != string(in.Material) {
		t.Fatalf("material mismatch: %s", out.Material)
	}
}

func TestLoadCorruptReportsStoreError(t *testing.T) {
	st, root := newTestStore(t)
	if err := st.Save("alice", &Credentials{Registered: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path := filepath.Join(root, "alice", "creds.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := st.Load("alice")
	if !types.IsStoreError(err) {
		t.Fatalf("expected a store error, got %T: %v", err, err)
	}
	var serr *types.StoreError
	errors.As(err, &serr)
	if serr.Code != types.ErrCodeStoreCorrupt {
		t.Fatalf("unexpected code %s", serr.Code)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	if err := st.Save("alice", &Credentials{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := st.Delete("alice"); err != nil {
			t.Fatalf("Delete #%d: %v", i+1, err)
		}
	}
	if st.Exists("alice") {
		t.Fatal("directory survived delete")
	}
}

func TestListReturnsDirectoriesOnly(t *testing.T) {
	st, root := newTestStore(t)
	for _, id := range []string{"alice", "bob"} {
		if err := st.Save(id, &Credentials{}); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}
	// Stray files in the root are not sessions.
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ids, err := st.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if len(seen) != 2 || !seen["alice"] || !seen["bob"] {
		t.Fatalf("unexpected listing: %v", ids)
	}
}
