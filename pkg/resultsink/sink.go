// Package resultsink is the append-only tabular writer for POI rows,
// one CSV file per job (spec.md §4.8).
package resultsink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// utf8BOM is written once at the start of a new result file so Excel and
// other legacy consumers detect the encoding correctly.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var header = []string{
	"id", "name", "type", "type_code", "address",
	"location", "tel", "business_area", "poi_type",
	"province", "city", "district",
}

// POI is the subset of vendor POI fields the sink writes, plus the
// category label attached by the crawl engine.
type POI struct {
	ID           string
	Name         string
	Type         string
	TypeCode     string
	Address      string
	Location     string
	Tel          string
	BusinessArea string
	Province     string
	City         string
	District     string
}

// Sink writes POI rows to per-job CSV files under a results directory.
type Sink struct {
	dir string

	mu sync.Mutex
}

// New creates a Sink rooted at dir, creating it on first write.
func New(dir string) *Sink {
	return &Sink{dir: dir}
}

// Append writes pois tagged with poiType to resultFile, creating the file
// (with a header row and UTF-8 BOM) if this is the first write.
func (s *Sink) Append(resultFile, poiType string, pois []POI) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	path := filepath.Join(s.dir, resultFile)
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening result file %s: %w", resultFile, err)
	}
	defer f.Close()

	if isNew {
		if _, err := f.Write(utf8BOM); err != nil {
			return fmt.Errorf("writing BOM to %s: %w", resultFile, err)
		}
	}

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("writing header to %s: %w", resultFile, err)
		}
	}

	for _, p := range pois {
		row := []string{
			p.ID, p.Name, p.Type, p.TypeCode, p.Address,
			p.Location, p.Tel, p.BusinessArea, poiType,
			p.Province, p.City, p.District,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing row to %s: %w", resultFile, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing %s: %w", resultFile, err)
	}
	return nil
}
