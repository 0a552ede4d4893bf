package resultsink

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendWritesHeaderAndBOMOnce(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	err := s.Append("t1_poi.csv", "餐饮服务", []POI{{ID: "1", Name: "a"}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	err = s.Append("t1_poi.csv", "餐饮服务", []POI{{ID: "2", Name: "b"}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "t1_poi.csv"))
	if err != nil {
		t.Fatalf("reading result file: %v", err)
	}
	if !bytes.HasPrefix(raw, utf8BOM) {
		t.Fatalf("expected file to start with UTF-8 BOM")
	}
	content := string(raw[len(utf8BOM):])
	lines := bytes.Count(raw, []byte("\n"))
	if lines != 3 {
		t.Fatalf("expected 1 header + 2 data lines, got %d lines: %q", lines, content)
	}
	if bytes.Count(raw, []byte("id,name,type")) != 1 {
		t.Fatalf("expected header to appear exactly once")
	}
}

func TestAppendCreatesDirectoryOnDemand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "results")
	s := New(dir)

	if err := s.Append("t1_poi.csv", "cat", []POI{{ID: "1"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected results directory to be created: %v", err)
	}
}

func TestAppendEmptyPOIsStillCreatesFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Append("t1_poi.csv", "cat", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "t1_poi.csv"))
	if err != nil {
		t.Fatalf("reading result file: %v", err)
	}
	if !bytes.HasPrefix(raw, utf8BOM) {
		t.Fatalf("expected BOM even with no rows")
	}
}
