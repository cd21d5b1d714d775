// Package schema maps Salesforce field metadata onto the normalized column
// types the CSV destination understands.
package schema

import (
	"sort"
	"strings"

	"github.com/forcepull/forcepull/pkg/salesforce"
)

// Type is a normalized column type.
type Type string

const (
	TypeString    Type = "string"
	TypeBoolean   Type = "boolean"
	TypeDecimal   Type = "decimal"
	TypeTimestamp Type = "timestamp"
)

// Column is one output column with its normalized type.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Descriptor is the full output schema of one extraction.
type Descriptor struct {
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
}

// Names returns the column names in output order.
func (d Descriptor) Names() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// TypeForRemote maps a Salesforce field type onto a normalized type.
// Unrecognized types fall back to string, which is always safe for CSV.
func TypeForRemote(remote string) Type {
	switch strings.ToLower(remote) {
	case "boolean":
		return TypeBoolean
	case "int", "long", "double", "currency", "percent":
		return TypeDecimal
	case "date", "datetime", "time":
		return TypeTimestamp
	default:
		return TypeString
	}
}

// MapFields builds a Descriptor from describe metadata for the selected
// fields, preserving selection order.
func MapFields(selected []string, described []salesforce.FieldDescriptor, primaryKey []string) Descriptor {
	byName := make(map[string]string, len(described))
	for _, f := range described {
		byName[strings.ToLower(f.Name)] = f.Type
	}

	columns := make([]Column, 0, len(selected))
	for _, name := range selected {
		columns = append(columns, Column{
			Name: name,
			Type: TypeForRemote(byName[strings.ToLower(name)]),
		})
	}

	return Descriptor{Columns: columns, PrimaryKey: primaryKey}
}

// FromRowKeys builds an all-string Descriptor from observed row keys. This
// is the fallback for hand-written SOQL, where no describe metadata is
// consulted. Keys listed in preferred keep that order; the rest follow
// sorted, so the schema is deterministic across runs.
func FromRowKeys(keys []string, preferred []string, primaryKey []string) Descriptor {
	ordered := make([]string, 0, len(keys))
	used := make(map[string]bool, len(keys))
	for _, p := range preferred {
		for _, k := range keys {
			if !used[k] && strings.EqualFold(k, p) {
				ordered = append(ordered, k)
				used[k] = true
			}
		}
	}

	var rest []string
	for _, k := range keys {
		if !used[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	ordered = append(ordered, rest...)

	columns := make([]Column, 0, len(ordered))
	for _, name := range ordered {
		columns = append(columns, Column{Name: name, Type: TypeString})
	}

	return Descriptor{Columns: columns, PrimaryKey: primaryKey}
}

// FromColumnNames rebuilds an all-string Descriptor from a remembered column
// list, used when a run fetches zero rows and the previous run's columns
// carry the manifest.
func FromColumnNames(names []string, primaryKey []string) Descriptor {
	columns := make([]Column, 0, len(names))
	for _, name := range names {
		columns = append(columns, Column{Name: name, Type: TypeString})
	}
	return Descriptor{Columns: columns, PrimaryKey: primaryKey}
}
