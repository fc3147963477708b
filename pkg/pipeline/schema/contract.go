package schema

import (
	"strings"
)

// OutputMode selects how result rows reach a sink.
type OutputMode string

const (
	// OutputModeBatch writes every result once the batch finishes.
	OutputModeBatch OutputMode = "batch"
	// OutputModeStream appends results as records complete.
	OutputModeStream OutputMode = "stream"
)

// Field captures the minimal behavior-relevant schema fields.
type Field struct {
	Name     string
	Type     string
	Nullable bool
}

// ResultContract is the column contract of the result table shared by the
// CSV writer and the SQL store.
type ResultContract struct {
	Mode   OutputMode
	Fields []Field
}

// Result column names.
const (
	ColRecordID     = "record_id"
	ColSuccess      = "success"
	ColState        = "state"
	ColFilled       = "filled"
	ColSkipped      = "skipped"
	ColCaptured     = "captured"
	ColPartial      = "partial"
	ColErrorKind    = "error_kind"
	ColErrorCode    = "error_code"
	ColErrorMessage = "error_message"
	ColTimestamp    = "timestamp"
)

// Results returns the result contract for mode.
func Results(mode OutputMode) ResultContract {
	return ResultContract{
		Mode: mode,
		Fields: []Field{
			{Name: ColRecordID, Type: "string"},
			{Name: ColSuccess, Type: "boolean"},
			{Name: ColState, Type: "string", Nullable: true},
			{Name: ColFilled, Type: "string", Nullable: true},
			{Name: ColSkipped, Type: "string", Nullable: true},
			{Name: ColCaptured, Type: "json", Nullable: true},
			{Name: ColPartial, Type: "boolean"},
			{Name: ColErrorKind, Type: "string", Nullable: true},
			{Name: ColErrorCode, Type: "string", Nullable: true},
			{Name: ColErrorMessage, Type: "string", Nullable: true},
			{Name: ColTimestamp, Type: "timestamp"},
		},
	}
}

// Header returns the column names in order.
func (c ResultContract) Header() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// Required returns the non-nullable column names.
func (c ResultContract) Required() []string {
	var out []string
	for _, f := range c.Fields {
		if !f.Nullable {
			out = append(out, f.Name)
		}
	}
	return out
}

func NormalizeMode(raw string) OutputMode {
	s := strings.TrimSpace(strings.ToLower(raw))
	switch s {
	case "stream", "streaming":
		return OutputModeStream
	default:
		return OutputModeBatch
	}
}
