package writer

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcepull/forcepull/pkg/schema"
)

func testDescriptor() schema.Descriptor {
	return schema.Descriptor{
		Columns: []schema.Column{
			{Name: "Id", Type: schema.TypeString},
			{Name: "Is_Active__c", Type: schema.TypeBoolean},
			{Name: "Amount", Type: schema.TypeDecimal},
		},
		PrimaryKey: []string{"Id"},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Id", "Id"},
		{"Custom_Field__c", "Custom_Field__c"},
		{"Account.Name", "Account_Name"},
		{"weird name!", "weird_name_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeHeader(tt.in))
	}
}

func TestCSVWriterCommit(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, "Contact")

	require.NoError(t, w.Begin(testDescriptor()))
	require.NoError(t, w.WriteBatch([]map[string]interface{}{
		{"Id": "001", "Is_Active__c": true, "Amount": 12.5},
		{"Id": "002", "Is_Active__c": false, "Amount": nil},
	}))
	require.NoError(t, w.Commit(true))

	rows := readCSV(t, filepath.Join(dir, "Contact.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Id", "Is_Active__c", "Amount"}, rows[0])
	assert.Equal(t, []string{"001", "true", "12.5"}, rows[1])
	assert.Equal(t, []string{"002", "false", ""}, rows[2])

	// No temp file survives a commit
	_, err := os.Stat(filepath.Join(dir, "Contact.csv.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestCSVWriterManifest(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, "Contact")

	require.NoError(t, w.Begin(testDescriptor()))
	require.NoError(t, w.WriteBatch([]map[string]interface{}{
		{"Id": "001", "Is_Active__c": true, "Amount": 1.0},
	}))
	require.NoError(t, w.Commit(true))

	data, err := os.ReadFile(filepath.Join(dir, "Contact.csv.manifest"))
	require.NoError(t, err)

	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))

	assert.Equal(t, "Contact", m.Table)
	assert.True(t, m.Incremental)
	assert.Equal(t, int64(1), m.RowCount)
	assert.Equal(t, []string{"Id"}, m.PrimaryKey)
	require.Len(t, m.Columns, 3)
	assert.Equal(t, schema.Column{Name: "Id", Type: schema.TypeString}, m.Columns[0])
	assert.Equal(t, schema.Column{Name: "Amount", Type: schema.TypeDecimal}, m.Columns[2])
}

func TestCSVWriterMissingFieldYieldsEmptyCell(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, "Contact")

	require.NoError(t, w.Begin(testDescriptor()))
	require.NoError(t, w.WriteBatch([]map[string]interface{}{
		{"Id": "001"},
	}))
	require.NoError(t, w.Commit(false))

	rows := readCSV(t, filepath.Join(dir, "Contact.csv"))
	assert.Equal(t, []string{"001", "", ""}, rows[1])
}

func TestCSVWriterNestedValuesAsJSON(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, "Contact")

	desc := schema.Descriptor{
		Columns:    []schema.Column{{Name: "Account", Type: schema.TypeString}},
		PrimaryKey: []string{"Account"},
	}
	require.NoError(t, w.Begin(desc))
	require.NoError(t, w.WriteBatch([]map[string]interface{}{
		{"Account": map[string]interface{}{"Name": "Acme"}},
	}))
	require.NoError(t, w.Commit(false))

	rows := readCSV(t, filepath.Join(dir, "Contact.csv"))
	assert.JSONEq(t, `{"Name":"Acme"}`, rows[1][0])
}

func TestCSVWriterAbortRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, "Contact")

	require.NoError(t, w.Begin(testDescriptor()))
	require.NoError(t, w.WriteBatch([]map[string]interface{}{{"Id": "001"}}))
	w.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "abort must leave no files behind")
}

func TestCSVWriterAbortAfterCommitIsNoop(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, "Contact")

	require.NoError(t, w.Begin(testDescriptor()))
	require.NoError(t, w.Commit(false))
	w.Abort()

	_, err := os.Stat(filepath.Join(dir, "Contact.csv"))
	assert.NoError(t, err, "committed output must survive a deferred abort")
}

func TestCSVWriterEmptyResult(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, "Contact")

	require.NoError(t, w.Begin(testDescriptor()))
	require.NoError(t, w.Commit(false))

	rows := readCSV(t, filepath.Join(dir, "Contact.csv"))
	require.Len(t, rows, 1, "header only")
	assert.Equal(t, int64(0), w.RowCount())
}
