package validate_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/validate"
)

func validRecord() map[string]any {
	return map[string]any{
		"First Name":     "Ada",
		"Last Name":      "Lovelace",
		"Email":          "Ada@Example.com",
		"Street Address": "12 Analytical Way",
		"City":           "Austin",
		"State":          "tx",
		"Zip Code":       "78701",
	}
}

func TestValidate_TransformsThousandsSeparator(t *testing.T) {
	t.Parallel()

	v := validate.New(nil)
	res := v.Validate(map[string]any{"Total Sq.Ft.": "1,200"})

	field := res.Fields["Total Sq.Ft."]
	assert.Equal(t, validate.StatusValid, field.Status)
	assert.Equal(t, int64(1200), field.Value)
	for _, e := range res.Errors {
		assert.NotEqual(t, "Total Sq.Ft.", e.Field)
	}
}

func TestValidate_MissingEmail(t *testing.T) {
	t.Parallel()

	fields := validRecord()
	delete(fields, "Email")
	res := validate.New(nil).Validate(fields)

	assert.False(t, res.Valid)
	assert.Contains(t, res.MissingRequired, "Email")
	assert.Equal(t, validate.StatusMissing, res.Fields["Email"].Status)
}

func TestValidate_ValidRecord(t *testing.T) {
	t.Parallel()

	res := validate.New(nil).Validate(validRecord())
	require.True(t, res.Valid, res.Report())
	assert.Equal(t, "ada@example.com", res.Fields["Email"].Value)
	assert.Equal(t, "TX", res.Fields["State"].Value)
	assert.Equal(t, validate.StatusSkipped, res.Fields["Phone"].Status)
	assert.NoError(t, res.Err())
}

func TestValidate_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	fields := validRecord()
	fields["Total Sq.Ft."] = "2,000"
	before := make(map[string]any, len(fields))
	for k, v := range fields {
		before[k] = v
	}
	validate.New(nil).Validate(fields)
	assert.Equal(t, before, fields)
}

func TestValidate_FieldChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		field   string
		value   any
		wantErr string
	}{
		{name: "below min", field: "Total Sq.Ft.", value: "50", wantErr: "must be at least 100"},
		{name: "above max", field: "Total Sq.Ft.", value: 60000, wantErr: "must be at most 50000"},
		{name: "unparseable", field: "Total Sq.Ft.", value: "big", wantErr: "cannot parse value"},
		{name: "nan", field: "Bathrooms", value: "NaN", wantErr: "must be a number"},
		{name: "infinite", field: "Asking Price", value: "+Inf", wantErr: "must be a number"},
		{name: "nan float", field: "Bathrooms", value: math.NaN(), wantErr: "must be a number"},
		{name: "integer from nan", field: "Total Sq.Ft.", value: math.Inf(1), wantErr: "cannot parse value"},
		{name: "bad email", field: "Email", value: "not-an-email", wantErr: "valid email"},
		{name: "bad phone", field: "Phone", value: "12", wantErr: "valid phone"},
		{name: "bad state", field: "State", value: "ZZ", wantErr: "must be one of"},
		{name: "bad zip", field: "Zip Code", value: "7870", wantErr: "expected format"},
		{name: "short street", field: "Street Address", value: "ab", wantErr: "at least 3 characters"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fields := validRecord()
			fields[tc.field] = tc.value
			res := validate.New(nil).Validate(fields)

			require.False(t, res.Valid)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, tc.field, res.Errors[0].Field)
			assert.Contains(t, res.Errors[0].Message, tc.wantErr)
			assert.Equal(t, validate.StatusInvalid, res.Fields[tc.field].Status)
		})
	}
}

func TestValidate_BooleanIsAdvisory(t *testing.T) {
	t.Parallel()

	fields := validRecord()
	fields["Owner Occupied"] = "maybe"
	res := validate.New(nil).Validate(fields)
	assert.True(t, res.Valid)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "Owner Occupied", res.Warnings[0].Field)

	fields["Owner Occupied"] = "Yes"
	res = validate.New(nil).Validate(fields)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, true, res.Fields["Owner Occupied"].Value)
}

func TestValidate_UnknownAndPassthroughFields(t *testing.T) {
	t.Parallel()

	fields := validRecord()
	fields["id"] = "r-1"
	fields["created_at"] = "2024-01-01"
	fields["Favourite Colour"] = "green"

	v := validate.New(nil, validate.WithPassthrough("tenant"))
	fields["tenant"] = "acme"
	res := v.Validate(fields)

	assert.True(t, res.Valid)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "Favourite Colour", res.Warnings[0].Field)
	assert.Equal(t, validate.StatusUnknown, res.Fields["Favourite Colour"].Status)
	_, tracked := res.Fields["id"]
	assert.False(t, tracked)
}

func TestResult_ErrAndReport(t *testing.T) {
	t.Parallel()

	fields := validRecord()
	delete(fields, "City")
	fields["Email"] = "nope"
	res := validate.New(nil).Validate(fields)

	err := res.Err()
	require.Error(t, err)
	var ce *core.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.KindValidation, ce.Kind)
	assert.Equal(t, "City", ce.Field())

	report := res.Report()
	assert.True(t, strings.HasPrefix(report, "Validation failed"))
	assert.Contains(t, report, "  - City\n")
	assert.Contains(t, report, "Email: must be a valid email address")
}

func TestParseRules(t *testing.T) {
	t.Parallel()

	rs, err := validate.ParseRules([]byte(`
fields:
  - name: Units
    type: number
    transform: integer
    min: 1
  - name: Kind
    type: select
    options: [a, b]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Units", "Kind"}, rs.Fields())

	res := validate.New(rs).Validate(map[string]any{"Units": "0", "Kind": "B"})
	assert.False(t, res.Valid)
	assert.Equal(t, validate.StatusInvalid, res.Fields["Units"].Status)
	assert.Equal(t, "b", res.Fields["Kind"].Value)
}

func TestParseRules_Invalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad yaml":          "fields: [",
		"missing name":      "fields:\n  - type: string\n",
		"unknown type":      "fields:\n  - name: A\n    type: colour\n",
		"unknown transform": "fields:\n  - name: A\n    transform: rot13\n",
		"bad pattern":       "fields:\n  - name: A\n    pattern: '('\n",
		"select no options": "fields:\n  - name: A\n    type: select\n",
		"duplicate":         "fields:\n  - name: A\n  - name: A\n",
		"min over max":      "fields:\n  - name: A\n    type: number\n    min: 5\n    max: 1\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := validate.ParseRules([]byte(doc))
			assert.ErrorIs(t, err, validate.ErrRulesInvalid)
		})
	}
}

func TestNewRuleSet_CustomTransform(t *testing.T) {
	t.Parallel()

	rs, err := validate.NewRuleSet(validate.Rule{
		Name: "Code",
		TransformFunc: func(v any) (any, error) {
			return strings.ReplaceAll(v.(string), "-", ""), nil
		},
		Pattern: `^\d{6}$`,
	})
	require.NoError(t, err)

	res := validate.New(rs).Validate(map[string]any{"Code": "123-456"})
	assert.True(t, res.Valid)
	assert.Equal(t, "123456", res.Fields["Code"].Value)
}
