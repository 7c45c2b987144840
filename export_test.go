package pitstore

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// seedExportStore loads two customers where cust02 has never observed
// tx_amount, leaving one table cell missing.
func seedExportStore(t *testing.T) (*Store, time.Time) {
	t.Helper()
	store := newMemoryStore(t)
	asOf := time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC)

	seed := []Observation{
		obsAt("cust01", "credit_score", 720, asOf.Add(-48*time.Hour)),
		obsAt("cust01", "tx_amount", 100.5, asOf.Add(-24*time.Hour)),
		obsAt("cust02", "credit_score", 680, asOf.Add(-24*time.Hour)),
	}
	for _, obs := range seed {
		if err := store.Ingest(context.Background(), obs); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	return store, asOf
}

func readCSVFile(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return records
}

func TestExportTableCSV(t *testing.T) {
	store, asOf := seedExportStore(t)
	path := filepath.Join(t.TempDir(), "training.csv")

	result, err := store.ExportCSV(path, nil, nil, asOf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.RowsExported != 2 {
		t.Errorf("expected 2 rows, got %d", result.RowsExported)
	}
	if result.BytesWritten == 0 {
		t.Error("expected non-zero bytes written")
	}
	if len(result.Files) != 1 || result.Files[0] != path {
		t.Errorf("expected output file %q, got %v", path, result.Files)
	}

	records := readCSVFile(t, path)
	want := [][]string{
		{"entity_id", "credit_score", "tx_amount"},
		{"cust01", "720", "100.5"},
		// Missing cells export as empty fields.
		{"cust02", "680", ""},
	}
	if !reflect.DeepEqual(records, want) {
		t.Errorf("unexpected csv content:\n got %v\nwant %v", records, want)
	}
}

func TestExportTableCSVWithoutHeaders(t *testing.T) {
	store, asOf := seedExportStore(t)
	path := filepath.Join(t.TempDir(), "training.csv")

	config := DefaultExportConfig()
	config.OutputPath = path
	config.AsOf = asOf
	config.IncludeHeaders = false
	if _, err := NewExporter(store, config).Export(); err != nil {
		t.Fatalf("export: %v", err)
	}

	records := readCSVFile(t, path)
	if len(records) != 2 {
		t.Fatalf("expected 2 data rows without header, got %d", len(records))
	}
	if records[0][0] != "cust01" {
		t.Errorf("expected first row cust01, got %q", records[0][0])
	}
}

func TestExportTableCSVDirectoryOutput(t *testing.T) {
	store, asOf := seedExportStore(t)
	dir := t.TempDir()

	result, err := store.ExportCSV(dir, nil, nil, asOf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := filepath.Join(dir, "training.csv")
	if len(result.Files) != 1 || result.Files[0] != want {
		t.Fatalf("expected default file name %q, got %v", want, result.Files)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("stat output: %v", err)
	}
}

func TestExportTableJSON(t *testing.T) {
	store, asOf := seedExportStore(t)
	path := filepath.Join(t.TempDir(), "training.jsonl")

	config := DefaultExportConfig()
	config.Format = ExportFormatJSON
	config.OutputPath = path
	config.AsOf = asOf
	if _, err := NewExporter(store, config).Export(); err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	type row struct {
		EntityID string             `json:"entity_id"`
		AsOf     time.Time          `json:"as_of"`
		Features map[string]float64 `json:"features"`
	}
	var rows []row
	dec := json.NewDecoder(f)
	for {
		var r row
		if err := dec.Decode(&r); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("decode row: %v", err)
		}
		rows = append(rows, r)
	}

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].EntityID != "cust01" || rows[0].Features["tx_amount"] != 100.5 {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if !rows[0].AsOf.Equal(asOf) {
		t.Errorf("expected as_of %v, got %v", asOf, rows[0].AsOf)
	}
	// Missing features are omitted rather than zero-filled.
	if _, ok := rows[1].Features["tx_amount"]; ok {
		t.Errorf("expected tx_amount omitted for cust02, got %+v", rows[1].Features)
	}
}

func TestExportCompressed(t *testing.T) {
	store, asOf := seedExportStore(t)
	path := filepath.Join(t.TempDir(), "training.csv")

	config := DefaultExportConfig()
	config.OutputPath = path
	config.AsOf = asOf
	config.Compression = true
	result, err := NewExporter(store, config).Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := path + ".gz"
	if len(result.Files) != 1 || result.Files[0] != want {
		t.Fatalf("expected gz suffix on %q, got %v", want, result.Files)
	}

	f, err := os.Open(want)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()
	content, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read compressed export: %v", err)
	}
	if !strings.HasPrefix(string(content), "entity_id,credit_score,tx_amount") {
		t.Errorf("unexpected decompressed content: %q", content)
	}
}

func TestExportRejectsSensitivePaths(t *testing.T) {
	store, asOf := seedExportStore(t)

	for _, path := range []string{"", "/etc/pitstore.csv", "/proc/export.csv"} {
		if _, err := store.ExportCSV(path, nil, nil, asOf); err == nil {
			t.Errorf("expected error for output path %q", path)
		}
	}
}

func TestExportEntityAndFeatureSelection(t *testing.T) {
	store, asOf := seedExportStore(t)
	path := filepath.Join(t.TempDir(), "training.csv")

	if _, err := store.ExportCSV(path, []string{"cust01"}, []string{"credit_score"}, asOf); err != nil {
		t.Fatalf("export: %v", err)
	}

	records := readCSVFile(t, path)
	want := [][]string{
		{"entity_id", "credit_score"},
		{"cust01", "720"},
	}
	if !reflect.DeepEqual(records, want) {
		t.Errorf("unexpected csv content:\n got %v\nwant %v", records, want)
	}
}

func TestExportEmptyStore(t *testing.T) {
	store := newMemoryStore(t)
	path := filepath.Join(t.TempDir(), "training.csv")

	result, err := store.ExportCSV(path, nil, nil, time.Time{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.RowsExported != 0 || len(result.Files) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestExportObservationsCSV(t *testing.T) {
	store, _ := seedExportStore(t)
	path := filepath.Join(t.TempDir(), "observations.csv")

	result, err := store.ExportObservationsCSV(path)
	if err != nil {
		t.Fatalf("export observations: %v", err)
	}
	if result.RowsExported != 3 {
		t.Errorf("expected 3 rows, got %d", result.RowsExported)
	}

	records := readCSVFile(t, path)
	if len(records) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(records))
	}
	header := []string{"entity_id", "feature_name", "value", "observed_at", "recorded_at", "source"}
	if !reflect.DeepEqual(records[0], header) {
		t.Errorf("unexpected header: %v", records[0])
	}
	// Rows come out grouped by entity then feature.
	if records[1][0] != "cust01" || records[1][1] != "credit_score" || records[1][2] != "720" {
		t.Errorf("unexpected first row: %v", records[1])
	}
	if records[3][0] != "cust02" {
		t.Errorf("unexpected last row: %v", records[3])
	}
	// The default config renders RFC 3339 timestamps.
	if _, err := time.Parse(time.RFC3339Nano, records[1][3]); err != nil {
		t.Errorf("parse observed_at %q: %v", records[1][3], err)
	}
}

func TestExportObservationsFiltered(t *testing.T) {
	store, _ := seedExportStore(t)
	path := filepath.Join(t.TempDir(), "observations.jsonl")

	config := DefaultExportConfig()
	config.Format = ExportFormatJSON
	config.OutputPath = path
	config.EntityIDs = []string{"cust01"}
	config.FeatureNames = []string{"tx_amount"}
	result, err := NewExporter(store, config).ExportObservations()
	if err != nil {
		t.Fatalf("export observations: %v", err)
	}
	if result.RowsExported != 1 {
		t.Errorf("expected 1 row after filtering, got %d", result.RowsExported)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var row struct {
		EntityID    string  `json:"entity_id"`
		FeatureName string  `json:"feature_name"`
		Value       float64 `json:"value"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if row.EntityID != "cust01" || row.FeatureName != "tx_amount" || row.Value != 100.5 {
		t.Errorf("unexpected row: %+v", row)
	}
}

func TestFormatTimestamp(t *testing.T) {
	at := time.Date(2025, 10, 12, 8, 30, 0, 500, time.UTC)
	if got := formatTimestamp(at, ""); got != "1760257800000000500" {
		t.Errorf("unix nano format: got %q", got)
	}
	if got := formatTimestamp(at, time.RFC3339); got != "2025-10-12T08:30:00Z" {
		t.Errorf("rfc3339 format: got %q", got)
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	store, _ := seedExportStore(t)
	config := DefaultExportConfig()
	config.Format = ExportFormat(99)
	config.OutputPath = filepath.Join(t.TempDir(), "out.csv")
	if _, err := NewExporter(store, config).Export(); err == nil {
		t.Error("expected error for unsupported format")
	}
	if _, err := NewExporter(store, config).ExportObservations(); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestValidateExportPath(t *testing.T) {
	if _, err := validateExportPath("relative/out.csv"); err != nil {
		t.Errorf("relative path should resolve: %v", err)
	}
	if _, err := validateExportPath("/etc"); err == nil {
		t.Error("expected error for /etc itself")
	}
	if _, err := validateExportPath("/etcetera/out.csv"); err != nil {
		t.Errorf("prefix match must not catch /etcetera: %v", err)
	}
}
