// internal/common/validation/validator_test.go
package validation

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
	"sheetbridge/pkg/contract"
)

func row(t *testing.T, raw string) *models.RowData {
	t.Helper()
	d, err := models.DecodeRowData([]byte(raw))
	require.NoError(t, err)
	return d
}

func encoded(t *testing.T, d *models.RowData) string {
	t.Helper()
	b, err := d.Encode()
	require.NoError(t, err)
	return string(b)
}

// ==========================
// Coercion
// ==========================

func TestValidate_Coercion(t *testing.T) {
	c := &contract.Contract{Columns: map[string]contract.Column{
		"id":     {Type: contract.TypeString, Required: true},
		"age":    {Type: contract.TypeInteger},
		"score":  {Type: contract.TypeNumber},
		"active": {Type: contract.TypeBoolean},
		"born":   {Type: contract.TypeDate},
		"seen":   {Type: contract.TypeDatetime},
	}}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "strings are parsed into declared types",
			in:   `{"id":"a1","age":"42","score":"3.5","active":"YES","born":"2024-03-01","seen":"2024-03-01T10:00:00+02:00"}`,
			want: `{"id":"a1","age":42,"score":3.5,"active":true,"born":"2024-03-01","seen":"2024-03-01T08:00:00Z"}`,
		},
		{
			name: "native JSON values",
			in:   `{"id":7,"age":3.0,"score":2,"active":false}`,
			want: `{"id":"7","age":3,"score":2,"active":false}`,
		},
		{
			name: "naive datetime is UTC and undeclared columns pass through",
			in:   `{"extra":"<b>","id":"x","seen":"2024-03-01 10:00:00","active":"off"}`,
			want: `{"extra":"<b>","id":"x","seen":"2024-03-01T10:00:00Z","active":false}`,
		},
		{
			name: "null optional columns are left as given",
			in:   `{"id":"x","age":null}`,
			want: `{"id":"x","age":null}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(row(t, tt.in), c)
			require.True(t, res.OK, res.Reason)
			assert.JSONEq(t, tt.want, encoded(t, res.Row))
		})
	}
}

func TestValidate_PreservesColumnOrder(t *testing.T) {
	c := &contract.Contract{Columns: map[string]contract.Column{"b": {Type: contract.TypeInteger}}}
	res := Validate(row(t, `{"c":1,"b":"2","a":3}`), c)
	require.True(t, res.OK)
	assert.Equal(t, `{"c":1,"b":2,"a":3}`, encoded(t, res.Row))
}

func TestValidate_Rejections(t *testing.T) {
	c := &contract.Contract{Columns: map[string]contract.Column{
		"id":     {Type: contract.TypeString, Required: true},
		"age":    {Type: contract.TypeInteger},
		"active": {Type: contract.TypeBoolean},
		"seen":   {Type: contract.TypeDatetime},
		"score":  {Type: contract.TypeNumber},
	}}

	tests := []struct {
		name   string
		in     string
		reason string
	}{
		{"missing required", `{"age":1}`, "missing_required:id"},
		{"null required", `{"id":null}`, "missing_required:id"},
		{"integer garbage", `{"id":"a","age":"old"}`, "type_error:age:integer"},
		{"integer fraction", `{"id":"a","age":1.5}`, "type_error:age:integer"},
		{"boolean unknown token", `{"id":"a","active":"maybe"}`, "type_error:active:boolean"},
		{"datetime garbage", `{"id":"a","seen":"yesterday"}`, "type_error:seen:datetime"},
		{"number nan", `{"id":"a","score":"NaN"}`, "type_error:score:number"},
		{"first failing column in name order", `{"id":"a","active":"maybe","age":"x"}`, "type_error:active:boolean"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(row(t, tt.in), c)
			assert.False(t, res.OK)
			assert.Nil(t, res.Row)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestValidate_NoContract(t *testing.T) {
	d := row(t, `{"anything":"goes"}`)
	res := Validate(d, nil)
	assert.True(t, res.OK)
	assert.Same(t, d, res.Row)
}

// ==========================
// Validator lifecycle
// ==========================

func TestValidator_LoadMissingDisablesValidation(t *testing.T) {
	v := NewValidator(filepath.Join(t.TempDir(), "schema.json"), logger.NewTestLogger(t))
	require.NoError(t, v.Load())
	assert.Nil(t, v.Contract())
	assert.True(t, v.Validate(row(t, `{}`)).OK)
}

func TestValidator_ReplacePersistsAndApplies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	v := NewValidator(path, logger.NewTestLogger(t))
	require.NoError(t, v.Load())

	c, saved, err := v.Replace([]byte(`{"columns":{"id":{"type":"string","required":true}}}`))
	require.NoError(t, err)
	assert.Equal(t, path, saved)
	assert.True(t, c.Columns["id"].Required)

	res := v.Validate(row(t, `{"name":"x"}`))
	assert.Equal(t, "missing_required:id", res.Reason)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "columns")

	// a fresh validator sees the persisted contract
	other := NewValidator(path, logger.NewTestLogger(t))
	require.NoError(t, other.Load())
	assert.Equal(t, c, other.Contract())
}

func TestValidator_ReplaceRejectsBadDocuments(t *testing.T) {
	v := NewValidator(filepath.Join(t.TempDir(), "schema.json"), logger.NewTestLogger(t))

	for _, doc := range []string{
		`{"columns":{"id":{"type":"uuid"}}}`,
		`{"columns":{"id":{"required":"yes"}}}`,
		`{"cols":{}}`,
		`not json`,
	} {
		_, _, err := v.Replace([]byte(doc))
		assert.True(t, errors.Is(err, apperrors.ErrBadRequest), doc)
	}
	assert.Nil(t, v.Contract())
}

func TestValidator_ReloadSwitchesPath(t *testing.T) {
	dir := t.TempDir()
	second := filepath.Join(dir, "second.json")
	require.NoError(t, contract.Save(second, &contract.Contract{Columns: map[string]contract.Column{
		"n": {Type: contract.TypeInteger},
	}}))

	v := NewValidator(filepath.Join(dir, "first.json"), logger.NewTestLogger(t))
	require.NoError(t, v.Load())
	assert.Nil(t, v.Contract())

	require.NoError(t, v.Reload(second))
	assert.Equal(t, second, v.Path())
	assert.Equal(t, "type_error:n:integer", v.Validate(row(t, `{"n":"x"}`)).Reason)
}
