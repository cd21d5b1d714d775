package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forcepull/forcepull/pkg/salesforce"
)

func TestTypeForRemote(t *testing.T) {
	tests := []struct {
		remote string
		want   Type
	}{
		{"boolean", TypeBoolean},
		{"int", TypeDecimal},
		{"long", TypeDecimal},
		{"double", TypeDecimal},
		{"currency", TypeDecimal},
		{"percent", TypeDecimal},
		{"date", TypeTimestamp},
		{"datetime", TypeTimestamp},
		{"time", TypeTimestamp},
		{"string", TypeString},
		{"id", TypeString},
		{"reference", TypeString},
		{"picklist", TypeString},
		{"email", TypeString},
		{"some_future_type", TypeString},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeForRemote(tt.remote))
		})
	}
}

func TestMapFields(t *testing.T) {
	described := []salesforce.FieldDescriptor{
		{Name: "Id", Type: "id", Queryable: true},
		{Name: "IsDeleted", Type: "boolean", Queryable: true},
		{Name: "Amount", Type: "currency", Queryable: true},
		{Name: "CloseDate", Type: "date", Queryable: true},
	}

	desc := MapFields([]string{"Id", "Amount", "IsDeleted"}, described, []string{"Id"})

	assert.Equal(t, []Column{
		{Name: "Id", Type: TypeString},
		{Name: "Amount", Type: TypeDecimal},
		{Name: "IsDeleted", Type: TypeBoolean},
	}, desc.Columns)
	assert.Equal(t, []string{"Id"}, desc.PrimaryKey)
	assert.Equal(t, []string{"Id", "Amount", "IsDeleted"}, desc.Names())
}

func TestFromRowKeysAllString(t *testing.T) {
	desc := FromRowKeys([]string{"Name", "Id"}, nil, []string{"Id"})

	for _, c := range desc.Columns {
		assert.Equal(t, TypeString, c.Type)
	}
	// Without a preferred order the keys come out sorted
	assert.Equal(t, []string{"Id", "Name"}, desc.Names())
}

func TestFromRowKeysPreferredOrder(t *testing.T) {
	desc := FromRowKeys(
		[]string{"Email", "Id", "Name"},
		[]string{"Name", "Id"},
		[]string{"Id"})

	// Preferred keys keep their order; the rest follow sorted
	assert.Equal(t, []string{"Name", "Id", "Email"}, desc.Names())
}

func TestFromColumnNames(t *testing.T) {
	desc := FromColumnNames([]string{"Id", "Name"}, []string{"Id"})
	assert.Equal(t, []Column{
		{Name: "Id", Type: TypeString},
		{Name: "Name", Type: TypeString},
	}, desc.Columns)
}
