package validate

import (
	"encoding/json"
	"fmt"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Code identifies a validation finding. Codes below 10 are structural; the
// rest follow the WOUDC error table numbering.
type Code int

const (
	CodeMissingTable        Code = 1
	CodeMissingField        Code = 2
	CodeEmptyValue          Code = 3
	CodeRowCount            Code = 4
	CodeMissingDatasetTable Code = 5
	CodeUnknownCategory     Code = 6
	CodeEmptyDatasetTable   Code = 7

	CodeUnknownProject     Code = 51
	CodeUnknownDataset     Code = 52
	CodeUmkehrLevel        Code = 53
	CodeLevelType          Code = 54
	CodeLevelNotNumeric    Code = 55
	CodeUnknownLevel       Code = 56
	CodeFormType           Code = 57
	CodeFormNotInteger     Code = 58
	CodeMissingDGDate      Code = 62
	CodeMissingVersion     Code = 63
	CodeVersionRange       Code = 64
	CodeVersionInteger     Code = 65
	CodeFutureDGDate       Code = 66
	CodeUnknownContributor Code = 67
	CodeStationIDPadded    Code = 70
	CodeUnknownStation     Code = 71
	CodeStationType        Code = 72
	CodeStationName        Code = 73
	CodeStationCountry     Code = 74
	CodeShipCountry        Code = 75
	CodeCoordinateType     Code = 76
	CodeHeightType         Code = 77
	CodeCoordinateRange    Code = 78
	CodeHeightRange        Code = 79
	CodeCoordinateDrift    Code = 80
	CodeHeightDrift        Code = 81
	CodeMissingInstrName   Code = 82
	CodeMissingInstrModel  Code = 83
	CodeUnknownInstrName   Code = 85
	CodeUnknownInstrModel  Code = 86
	CodeUnknownInstrument  Code = 87
	CodeUnknownDeployment  Code = 88
	CodeTimestampAfterDG   Code = 91
	CodeDateAfterDG        Code = 92
	CodeTimeBeforeTS       Code = 93
	CodeInvalidDate        Code = 95
	CodeParseFailure       Code = 209
)

type definition struct {
	severity Severity
	format   string
}

var definitions = map[Code]definition{
	CodeMissingTable:        {SeverityError, "missing required table #%s"},
	CodeMissingField:        {SeverityError, "missing required field %s in #%s"},
	CodeEmptyValue:          {SeverityError, "required field %s in #%s is empty"},
	CodeRowCount:            {SeverityError, "#%s must have exactly one row of values, found %d"},
	CodeMissingDatasetTable: {SeverityError, "dataset %s requires one of the tables %v"},
	CodeUnknownCategory:     {SeverityWarning, "no table definitions for dataset %s, dataset tables not checked"},
	CodeEmptyDatasetTable:   {SeverityError, "#%s has no rows of values"},

	CodeUnknownProject:     {SeverityError, "project %s is not registered"},
	CodeUnknownDataset:     {SeverityError, "dataset %s is not registered"},
	CodeUmkehrLevel:        {SeverityWarning, "UmkehrN14 level corrected to %s"},
	CodeLevelType:          {SeverityWarning, "#CONTENT.Level %s read as %s"},
	CodeLevelNotNumeric:    {SeverityError, "#CONTENT.Level %s is not a number"},
	CodeUnknownLevel:       {SeverityError, "level %s is not defined for dataset %s"},
	CodeFormType:           {SeverityWarning, "#CONTENT.Form %s read as %d"},
	CodeFormNotInteger:     {SeverityError, "#CONTENT.Form %s is not an integer"},
	CodeMissingDGDate:      {SeverityError, "#DATA_GENERATION.Date is missing or is not a date"},
	CodeMissingVersion:     {SeverityWarning, "#DATA_GENERATION.Version is missing, defaulting to 1.0"},
	CodeVersionRange:       {SeverityError, "#DATA_GENERATION.Version %s is outside [0, 20]"},
	CodeVersionInteger:     {SeverityWarning, "#DATA_GENERATION.Version %s should have a decimal part"},
	CodeFutureDGDate:       {SeverityError, "#DATA_GENERATION.Date %s is in the future"},
	CodeUnknownContributor: {SeverityError, "contributor %s is not registered for project %s"},
	CodeStationIDPadded:    {SeverityWarning, "#PLATFORM.ID %s padded to %s"},
	CodeUnknownStation:     {SeverityError, "station %s is not registered"},
	CodeStationType:        {SeverityError, "#PLATFORM.Type %s does not match the registered type %s"},
	CodeStationName:        {SeverityError, "#PLATFORM.Name %s does not match the registered name %s"},
	CodeStationCountry:     {SeverityError, "#PLATFORM.Country %s does not match the country of station %s"},
	CodeShipCountry:        {SeverityWarning, "ship has no country code, using XY"},
	CodeCoordinateType:     {SeverityError, "#LOCATION.%s %s is not a number"},
	CodeHeightType:         {SeverityError, "#LOCATION.Height %s is not a number"},
	CodeCoordinateRange:    {SeverityError, "#LOCATION.%s %s is outside [%g, %g]"},
	CodeHeightRange:        {SeverityError, "#LOCATION.Height %s is outside [-50, 5100]"},
	CodeCoordinateDrift:    {SeverityWarning, "#LOCATION.%s differs from the registered instrument location"},
	CodeHeightDrift:        {SeverityWarning, "#LOCATION.Height differs from the registered instrument location"},
	CodeMissingInstrName:   {SeverityWarning, "#INSTRUMENT.Name is missing, using UNKNOWN"},
	CodeMissingInstrModel:  {SeverityWarning, "#INSTRUMENT.Model is missing, using UNKNOWN"},
	CodeUnknownInstrName:   {SeverityError, "instrument name %s is not registered"},
	CodeUnknownInstrModel:  {SeverityError, "instrument model %s is not registered"},
	CodeUnknownInstrument:  {SeverityError, "instrument %s is not registered"},
	CodeUnknownDeployment:  {SeverityError, "deployment %s is not registered"},
	CodeTimestampAfterDG:   {SeverityError, "#%s date %s is after #DATA_GENERATION.Date"},
	CodeDateAfterDG:        {SeverityError, "#%s date %s is after #DATA_GENERATION.Date"},
	CodeTimeBeforeTS:       {SeverityWarning, "#%s time %s is earlier than #TIMESTAMP.Time"},
	CodeInvalidDate:        {SeverityError, "#%s date %s is not a date"},
	CodeParseFailure:       {SeverityError, "not a valid extended CSV file: %s"},
}

// Diagnostic is one finding. Line is the 1-based line of the payload it
// points at, 0 when it concerns the whole file.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     Code     `json:"code"`
	Line     int      `json:"line,omitempty"`
	Table    string   `json:"table,omitempty"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

// Report holds every diagnostic in the order the checks produced them.
// Passed is false when any diagnostic has error severity.
type Report struct {
	Passed      bool
	Diagnostics []Diagnostic
}

func (r *Report) Errors() []Diagnostic   { return r.filter(SeverityError) }
func (r *Report) Warnings() []Diagnostic { return r.filter(SeverityWarning) }

func (r *Report) filter(s Severity) []Diagnostic {
	out := []Diagnostic{}
	for _, d := range r.Diagnostics {
		if d.Severity == s {
			out = append(out, d)
		}
	}
	return out
}

// MarshalJSON renders the WOUDC validation summary.
func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Response bool         `json:"response"`
		Errors   []Diagnostic `json:"errors"`
		Warnings []Diagnostic `json:"warnings"`
	}{r.Passed, r.Errors(), r.Warnings()})
}

// where locates a diagnostic in the payload.
type where struct {
	line  int
	table string
	field string
}

func (r *Report) add(code Code, at where, args ...any) {
	def := definitions[code]
	r.Diagnostics = append(r.Diagnostics, Diagnostic{
		Severity: def.severity,
		Code:     code,
		Line:     at.line,
		Table:    at.table,
		Field:    at.field,
		Message:  fmt.Sprintf(def.format, args...),
	})
}

func (r *Report) hasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
