package fsutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestListImagesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.TIF", "notes.txt", "sub/c.nef"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	got, err := ListImages(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{filepath.Join(dir, "a.TIF"), filepath.Join(dir, "b.png"), filepath.Join(dir, "sub/c.nef")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !NeedsMagick(want[2]) || NeedsMagick(want[1]) {
		t.Fatalf("unexpected decoder selection")
	}
}
