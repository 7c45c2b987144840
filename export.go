package pitstore

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// validateExportPath validates that the output path is safe to write to.
// It prevents writes to sensitive system directories and ensures the path
// is absolute.
func validateExportPath(outputPath string) (string, error) {
	if outputPath == "" {
		return "", errors.New("output path required")
	}

	cleanPath := filepath.Clean(outputPath)
	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return "", fmt.Errorf("invalid output path: %w", err)
	}

	sensitivePatterns := []string{
		"/etc", "/bin", "/sbin", "/usr/bin", "/usr/sbin",
		"/boot", "/dev", "/proc", "/sys", "/root",
	}
	for _, pattern := range sensitivePatterns {
		if strings.HasPrefix(absPath, pattern+"/") || absPath == pattern {
			return "", fmt.Errorf("cannot write to sensitive directory: %s", pattern)
		}
	}

	return absPath, nil
}

// ExportFormat defines the output format for data export.
type ExportFormat int

const (
	// ExportFormatCSV exports data as CSV.
	ExportFormatCSV ExportFormat = iota
	// ExportFormatJSON exports data as JSON lines.
	ExportFormatJSON
)

// ExportConfig configures export operations.
type ExportConfig struct {
	// Format is the output format (CSV or JSON lines).
	Format ExportFormat

	// OutputPath is the file or directory for output.
	OutputPath string

	// EntityIDs restricts the export to these entities (empty = all).
	EntityIDs []string

	// FeatureNames restricts the export to these features (empty = all).
	FeatureNames []string

	// AsOf is the table export's resolution time (zero = now). Ignored by
	// observation exports, which dump the raw log.
	AsOf time.Time

	// FillPolicy for table exports (empty = store default).
	FillPolicy FillPolicy

	// Compression enables gzip compression.
	Compression bool

	// IncludeHeaders includes column headers (CSV).
	IncludeHeaders bool

	// TimestampFormat for human-readable timestamps (empty = Unix nano).
	TimestampFormat string
}

// DefaultExportConfig returns default export configuration.
func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		Format:          ExportFormatCSV,
		IncludeHeaders:  true,
		TimestampFormat: time.RFC3339Nano,
	}
}

// Exporter handles export operations.
type Exporter struct {
	store  *Store
	config ExportConfig
}

// NewExporter creates a new exporter.
func NewExporter(store *Store, config ExportConfig) *Exporter {
	return &Exporter{
		store:  store,
		config: config,
	}
}

// ExportResult contains export operation results.
type ExportResult struct {
	RowsExported int64
	BytesWritten int64
	Duration     time.Duration
	Files        []string
}

// Export writes a training table: one row per entity, one column per
// feature, every value resolved as of the configured time. Missing cells
// export as empty fields (CSV) or are omitted (JSON lines).
func (e *Exporter) Export() (*ExportResult, error) {
	start := time.Now()

	validatedPath, err := validateExportPath(e.config.OutputPath)
	if err != nil {
		return nil, err
	}
	e.config.OutputPath = validatedPath

	entityIDs := e.config.EntityIDs
	if len(entityIDs) == 0 {
		entityIDs = e.store.EntityIDs()
	}
	if len(entityIDs) == 0 {
		return &ExportResult{Duration: time.Since(start)}, nil
	}

	table, err := e.store.TrainingTable(TrainingTableRequest{
		EntityIDs:    entityIDs,
		FeatureNames: e.config.FeatureNames,
		AsOf:         e.config.AsOf,
		FillPolicy:   e.config.FillPolicy,
	})
	if err != nil {
		return nil, err
	}

	switch e.config.Format {
	case ExportFormatCSV:
		return e.exportTableCSV(table, start)
	case ExportFormatJSON:
		return e.exportTableJSON(table, start)
	default:
		return nil, fmt.Errorf("unsupported export format: %d", e.config.Format)
	}
}

// ExportObservations dumps the raw log, one row per observation, ordered
// by entity then feature then log order.
func (e *Exporter) ExportObservations() (*ExportResult, error) {
	start := time.Now()

	validatedPath, err := validateExportPath(e.config.OutputPath)
	if err != nil {
		return nil, err
	}
	e.config.OutputPath = validatedPath

	observations := e.filterObservations(e.store.log.snapshotAll())

	switch e.config.Format {
	case ExportFormatCSV:
		return e.exportObservationsCSV(observations, start)
	case ExportFormatJSON:
		return e.exportObservationsJSON(observations, start)
	default:
		return nil, fmt.Errorf("unsupported export format: %d", e.config.Format)
	}
}

func (e *Exporter) filterObservations(observations []Observation) []Observation {
	if len(e.config.EntityIDs) == 0 && len(e.config.FeatureNames) == 0 {
		return observations
	}
	entities := make(map[string]struct{}, len(e.config.EntityIDs))
	for _, id := range e.config.EntityIDs {
		entities[id] = struct{}{}
	}
	features := make(map[string]struct{}, len(e.config.FeatureNames))
	for _, name := range e.config.FeatureNames {
		features[name] = struct{}{}
	}

	out := observations[:0]
	for _, obs := range observations {
		if len(entities) > 0 {
			if _, ok := entities[obs.EntityID]; !ok {
				continue
			}
		}
		if len(features) > 0 {
			if _, ok := features[obs.FeatureName]; !ok {
				continue
			}
		}
		out = append(out, obs)
	}
	return out
}

// createOutput opens the output file, appending the default name when the
// path looks like a directory and the .gz suffix under compression.
func (e *Exporter) createOutput(defaultName string, suffixes ...string) (*os.File, io.Writer, func(), string, error) {
	outputPath := e.config.OutputPath
	matched := false
	for _, suffix := range suffixes {
		if strings.HasSuffix(outputPath, suffix) || strings.HasSuffix(outputPath, suffix+".gz") {
			matched = true
			break
		}
	}
	if !matched {
		outputPath = filepath.Join(outputPath, defaultName)
	}
	if e.config.Compression && !strings.HasSuffix(outputPath, ".gz") {
		outputPath += ".gz"
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return nil, nil, nil, "", fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return nil, nil, nil, "", fmt.Errorf("failed to create output file: %w", err)
	}

	var writer io.Writer = file
	closeAll := func() { file.Close() }
	if e.config.Compression {
		gzWriter := gzip.NewWriter(file)
		writer = gzWriter
		closeAll = func() {
			gzWriter.Close()
			file.Close()
		}
	}
	return file, writer, closeAll, outputPath, nil
}

func (e *Exporter) exportTableCSV(table *TrainingTable, startTime time.Time) (*ExportResult, error) {
	result := &ExportResult{}

	file, writer, closeAll, outputPath, err := e.createOutput("training.csv", ".csv")
	if err != nil {
		return nil, err
	}
	defer closeAll()

	csvWriter := csv.NewWriter(writer)

	if e.config.IncludeHeaders {
		header := append([]string{"entity_id"}, table.Features...)
		if err := csvWriter.Write(header); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}

	for i, entityID := range table.EntityIDs {
		record := make([]string, 0, len(table.Features)+1)
		record = append(record, entityID)
		for _, cell := range table.Cells[i] {
			if cell.Missing() {
				record = append(record, "")
				continue
			}
			record = append(record, strconv.FormatFloat(cell.Value, 'g', -1, 64))
		}
		if err := csvWriter.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write record: %w", err)
		}
		result.RowsExported++
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return nil, fmt.Errorf("csv write error: %w", err)
	}

	if info, err := file.Stat(); err == nil {
		result.BytesWritten = info.Size()
	}
	result.Duration = time.Since(startTime)
	result.Files = []string{outputPath}
	return result, nil
}

// tableRow is the JSON lines record for one entity's table row.
type tableRow struct {
	EntityID string             `json:"entity_id"`
	AsOf     time.Time          `json:"as_of"`
	Features map[string]float64 `json:"features"`
}

func (e *Exporter) exportTableJSON(table *TrainingTable, startTime time.Time) (*ExportResult, error) {
	result := &ExportResult{}

	file, writer, closeAll, outputPath, err := e.createOutput("training.jsonl", ".json", ".jsonl")
	if err != nil {
		return nil, err
	}
	defer closeAll()

	enc := json.NewEncoder(writer)
	for i, entityID := range table.EntityIDs {
		row := tableRow{
			EntityID: entityID,
			AsOf:     table.AsOf,
			Features: make(map[string]float64, len(table.Features)),
		}
		for j, cell := range table.Cells[i] {
			if cell.Missing() {
				continue
			}
			row.Features[table.Features[j]] = cell.Value
		}
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("failed to write record: %w", err)
		}
		result.RowsExported++
	}

	if info, err := file.Stat(); err == nil {
		result.BytesWritten = info.Size()
	}
	result.Duration = time.Since(startTime)
	result.Files = []string{outputPath}
	return result, nil
}

func (e *Exporter) exportObservationsCSV(observations []Observation, startTime time.Time) (*ExportResult, error) {
	result := &ExportResult{}

	file, writer, closeAll, outputPath, err := e.createOutput("observations.csv", ".csv")
	if err != nil {
		return nil, err
	}
	defer closeAll()

	csvWriter := csv.NewWriter(writer)

	if e.config.IncludeHeaders {
		header := []string{"entity_id", "feature_name", "value", "observed_at", "recorded_at", "source"}
		if err := csvWriter.Write(header); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}

	for _, obs := range observations {
		record := []string{
			obs.EntityID,
			obs.FeatureName,
			strconv.FormatFloat(obs.Value, 'g', -1, 64),
			formatTimestamp(obs.ObservedAt, e.config.TimestampFormat),
			formatTimestamp(obs.RecordedAt, e.config.TimestampFormat),
			obs.Source,
		}
		if err := csvWriter.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write record: %w", err)
		}
		result.RowsExported++
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return nil, fmt.Errorf("csv write error: %w", err)
	}

	if info, err := file.Stat(); err == nil {
		result.BytesWritten = info.Size()
	}
	result.Duration = time.Since(startTime)
	result.Files = []string{outputPath}
	return result, nil
}

// observationRow is the JSON lines record for one raw observation.
type observationRow struct {
	EntityID    string    `json:"entity_id"`
	FeatureName string    `json:"feature_name"`
	Value       float64   `json:"value"`
	ObservedAt  time.Time `json:"observed_at"`
	RecordedAt  time.Time `json:"recorded_at"`
	Source      string    `json:"source,omitempty"`
}

func (e *Exporter) exportObservationsJSON(observations []Observation, startTime time.Time) (*ExportResult, error) {
	result := &ExportResult{}

	file, writer, closeAll, outputPath, err := e.createOutput("observations.jsonl", ".json", ".jsonl")
	if err != nil {
		return nil, err
	}
	defer closeAll()

	enc := json.NewEncoder(writer)
	for _, obs := range observations {
		row := observationRow{
			EntityID:    obs.EntityID,
			FeatureName: obs.FeatureName,
			Value:       obs.Value,
			ObservedAt:  obs.ObservedAt,
			RecordedAt:  obs.RecordedAt,
			Source:      obs.Source,
		}
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("failed to write record: %w", err)
		}
		result.RowsExported++
	}

	if info, err := file.Stat(); err == nil {
		result.BytesWritten = info.Size()
	}
	result.Duration = time.Since(startTime)
	result.Files = []string{outputPath}
	return result, nil
}

// formatTimestamp formats a timestamp according to the configured format.
func formatTimestamp(t time.Time, format string) string {
	if format == "" {
		return strconv.FormatInt(t.UnixNano(), 10)
	}
	return t.UTC().Format(format)
}

// ExportCSV is a convenience method to export a training table to CSV.
func (s *Store) ExportCSV(path string, entityIDs, featureNames []string, asOf time.Time) (*ExportResult, error) {
	config := DefaultExportConfig()
	config.OutputPath = path
	config.EntityIDs = entityIDs
	config.FeatureNames = featureNames
	config.AsOf = asOf
	return NewExporter(s, config).Export()
}

// ExportObservationsCSV is a convenience method to dump the raw log to CSV.
func (s *Store) ExportObservationsCSV(path string) (*ExportResult, error) {
	config := DefaultExportConfig()
	config.OutputPath = path
	return NewExporter(s, config).ExportObservations()
}
