// Package writer emits extraction results as CSV files with a JSON manifest
// describing the columns, primary key and load mode.
package writer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/forcepull/forcepull/pkg/errors"
	"github.com/forcepull/forcepull/pkg/schema"
)

// Manifest is the sidecar file written next to the CSV. It carries the
// typed column list and load-mode hints a downstream loader needs.
type Manifest struct {
	Table       string          `json:"table"`
	Columns     []schema.Column `json:"columns"`
	PrimaryKey  []string        `json:"primary_key"`
	Incremental bool            `json:"incremental"`
	RowCount    int64           `json:"row_count"`
	CompletedAt time.Time       `json:"completed_at"`
}

var headerCharRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// NormalizeHeader rewrites a column name so downstream loaders accept it:
// every character outside [A-Za-z0-9_] becomes an underscore.
func NormalizeHeader(name string) string {
	return headerCharRe.ReplaceAllString(name, "_")
}

// CSVWriter streams rows into <dir>/<table>.csv. All writes go to a temp
// file; Commit renames it into place and emits the manifest, so a partially
// written run never overwrites the previous successful output. Commit is the
// single durability point of a run.
type CSVWriter struct {
	dir   string
	table string

	desc    schema.Descriptor
	columns []string

	file *os.File
	w    *csv.Writer
	rows int64

	committed bool
}

// NewCSVWriter creates a writer for one output table.
func NewCSVWriter(dir, table string) *CSVWriter {
	return &CSVWriter{dir: dir, table: table}
}

// Begin opens the temp file and writes the normalized header row.
func (c *CSVWriter) Begin(desc schema.Descriptor) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create output directory")
	}

	f, err := os.Create(c.tmpPath())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create output file")
	}

	c.desc = desc
	c.columns = desc.Names()
	c.file = f
	c.w = csv.NewWriter(f)

	if len(c.columns) > 0 {
		header := make([]string, len(c.columns))
		for i, name := range c.columns {
			header[i] = NormalizeHeader(name)
		}
		if err := c.w.Write(header); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to write header row")
		}
	}
	return nil
}

// WriteBatch appends one batch of rows. Cell order follows the schema; a
// field missing from a row yields an empty cell.
func (c *CSVWriter) WriteBatch(rows []map[string]interface{}) error {
	if c.w == nil {
		return errors.New(errors.ErrorTypeFile, "writer is not open")
	}

	record := make([]string, len(c.columns))
	for _, row := range rows {
		for i, name := range c.columns {
			record[i] = cellValue(row[name])
		}
		if err := c.w.Write(record); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to write row")
		}
		c.rows++
	}
	return nil
}

// RowCount returns the number of data rows written so far.
func (c *CSVWriter) RowCount() int64 { return c.rows }

// Commit flushes and renames the temp file into place, then writes the
// manifest. After Commit returns, the output is durable.
func (c *CSVWriter) Commit(incremental bool) error {
	if c.file == nil {
		return errors.New(errors.ErrorTypeFile, "writer is not open")
	}

	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush output")
	}
	if err := c.file.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close output file")
	}

	if err := os.Rename(c.tmpPath(), c.finalPath()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to move output file into place")
	}

	manifest := Manifest{
		Table:       c.table,
		Columns:     normalizedColumns(c.desc.Columns),
		PrimaryKey:  normalizedNames(c.desc.PrimaryKey),
		Incremental: incremental,
		RowCount:    c.rows,
		CompletedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to encode manifest")
	}
	if err := os.WriteFile(c.finalPath()+".manifest", data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write manifest")
	}

	c.committed = true
	return nil
}

// Abort discards the temp file. Safe to call after Commit, where it does
// nothing, so it can sit in a defer.
func (c *CSVWriter) Abort() {
	if c.committed || c.file == nil {
		return
	}
	c.file.Close()
	os.Remove(c.tmpPath())
}

func (c *CSVWriter) tmpPath() string {
	return filepath.Join(c.dir, c.table+".csv.tmp")
}

func (c *CSVWriter) finalPath() string {
	return filepath.Join(c.dir, c.table+".csv")
}

func normalizedColumns(cols []schema.Column) []schema.Column {
	out := make([]schema.Column, len(cols))
	for i, col := range cols {
		out[i] = schema.Column{Name: NormalizeHeader(col.Name), Type: col.Type}
	}
	return out
}

func normalizedNames(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = NormalizeHeader(n)
	}
	return out
}

// cellValue renders one field value as a CSV cell. Nested objects, which
// relationship queries produce, are serialized as JSON.
func cellValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}
