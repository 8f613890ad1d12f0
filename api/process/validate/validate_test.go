package validate_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/process/validate"
	"github.com/woudc/woudc-api/api/search/searchtesting"
	woudctesting "github.com/woudc/woudc-api/utils/pkg/testing"
)

const valid = `#CONTENT
Class,Category,Level,Form
WOUDC,TotalOzone,1.0,1

#DATA_GENERATION
Date,Agency,Version,ScientificAuthority
2020-02-01,MSC,1.0,Jane Doe

#PLATFORM
Type,ID,Name,Country,GAW_ID
STN,065,Toronto,CAN,

#INSTRUMENT
Name,Model,Number
Brewer,MKII,014

#LOCATION
Latitude,Longitude,Height
43.78,-79.47,198

#TIMESTAMP
UTCOffset,Date,Time
+00:00:00,2020-01-01,

* daily totals
#DAILY
Date,WLCode,ObsCode,ColumnO3
2020-01-01,9,0,312
2020-01-02,9,0,315
`

const prefix = "woudc_data_registry"

func index(name string) string { return prefix + "." + name }

func registry() *searchtesting.Memory {
	props := func(id string, p map[string]any) map[string]any {
		return map[string]any{"id": id, "type": "Feature", "properties": p}
	}
	return searchtesting.NewMemory().
		Add(index("project"), props("WOUDC", map[string]any{"identifier": "WOUDC"})).
		Add(index("dataset"),
			props("TotalOzone", map[string]any{"identifier": "TotalOzone"}),
			props("OzoneSonde", map[string]any{"identifier": "OzoneSonde"}),
		).
		Add(index("discovery_metadata"), props("TotalOzone", map[string]any{
			"identifier": "TotalOzone",
			"levels":     []any{map[string]any{"label_en": "Level 1.0"}, map[string]any{"label_en": "Level 2.0"}},
		})).
		Add(index("contributor"), props("MSC:WOUDC", map[string]any{"project": "WOUDC", "acronym": "MSC"})).
		Add(index("station"), props("065", map[string]any{
			"woudc_id": "065", "type": "STN", "name": "Toronto", "country_name_en": "Canada",
		})).
		Add(index("country"), props("CAN", map[string]any{"identifier": "CAN", "country_name_en": "Canada"})).
		Add(index("deployment"), props("065:MSC:WOUDC", map[string]any{"identifier": "065:MSC:WOUDC"})).
		Add(index("instrument"), map[string]any{
			"id":       "Brewer:MKII:014:TotalOzone:065:MSC:WOUDC",
			"type":     "Feature",
			"geometry": map[string]any{"type": "Point", "coordinates": []float64{-79.47, 43.78, 198}},
			"properties": map[string]any{
				"identifier": "Brewer:MKII:014:TotalOzone:065:MSC:WOUDC",
				"name":       "Brewer",
				"model":      "MKII",
			},
		})
}

func newProcess(t *testing.T, gw *searchtesting.Memory) *validate.Process {
	t.Helper()
	cfg := validate.Config{
		Logger: woudctesting.NewLogger(),
		Clock:  clockwork.NewFakeClockAt(time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	if gw != nil {
		cfg.Gateway = gw
		cfg.Resolver = dataset.NewResolver(prefix)
	}
	p, err := validate.New(cfg)
	require.NoError(t, err)
	return p
}

func codes(rep *validate.Report) []validate.Code {
	out := make([]validate.Code, 0, len(rep.Diagnostics))
	for _, d := range rep.Diagnostics {
		out = append(out, d.Code)
	}
	return out
}

func TestWOUDC_Validate_ValidFile(t *testing.T) {
	t.Parallel()
	rep, err := newProcess(t, nil).Execute(t.Context(), validate.Inputs{ExtCSV: valid})
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	assert.Empty(t, rep.Diagnostics)
}

func TestWOUDC_Validate_ValidFile_WithRegistry(t *testing.T) {
	t.Parallel()
	gw := registry()
	rep, err := newProcess(t, gw).Execute(t.Context(), validate.Inputs{ExtCSV: valid, CheckMetadata: true})
	require.NoError(t, err)
	assert.True(t, rep.Passed, "diagnostics: %+v", rep.Diagnostics)
	assert.Empty(t, rep.Diagnostics)

	touched := map[string]bool{}
	for _, c := range gw.Calls() {
		touched[c.Indices[0]] = true
	}
	for _, name := range []string{"project", "dataset", "discovery_metadata", "contributor", "station", "country", "deployment", "instrument"} {
		assert.True(t, touched[index(name)], "no lookup on %s", name)
	}
}

func TestWOUDC_Validate_MissingFieldNamesField(t *testing.T) {
	t.Parallel()
	text := strings.Replace(valid, "Date,Agency,Version,ScientificAuthority\n2020-02-01,MSC,1.0,Jane Doe",
		"Date,Version,ScientificAuthority\n2020-02-01,1.0,Jane Doe", 1)

	rep, err := newProcess(t, nil).Execute(t.Context(), validate.Inputs{ExtCSV: text})
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	require.Len(t, rep.Diagnostics, 1)
	d := rep.Diagnostics[0]
	assert.Equal(t, validate.CodeMissingField, d.Code)
	assert.Equal(t, validate.SeverityError, d.Severity)
	assert.Equal(t, "DATA_GENERATION", d.Table)
	assert.Equal(t, "Agency", d.Field)
	assert.Equal(t, 5, d.Line)
	assert.Contains(t, d.Message, "Agency")
}

func TestWOUDC_Validate_LocalChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		old    string
		new    string
		code   validate.Code
		passed bool
		line   int
	}{
		{name: "missing table", old: "#LOCATION\nLatitude,Longitude,Height\n43.78,-79.47,198\n", new: "", code: validate.CodeMissingTable},
		{name: "empty value", old: "STN,065,Toronto", new: "STN,065,", code: validate.CodeEmptyValue, line: 11},
		{name: "two content rows", old: "WOUDC,TotalOzone,1.0,1\n", new: "WOUDC,TotalOzone,1.0,1\nWOUDC,TotalOzone,1.0,1\n", code: validate.CodeRowCount, line: 1},
		{name: "missing dataset table", old: "#DAILY", new: "#MONTHLY", code: validate.CodeMissingDatasetTable, line: 3},
		{name: "unknown category", old: "WOUDC,TotalOzone", new: "WOUDC,Pollen", code: validate.CodeUnknownCategory, passed: true, line: 3},
		{name: "latitude range", old: "43.78,-79.47", new: "95,-79.47", code: validate.CodeCoordinateRange, line: 19},
		{name: "longitude not numeric", old: "43.78,-79.47", new: "43.78,west", code: validate.CodeCoordinateType, line: 19},
		{name: "height range", old: "-79.47,198", new: "-79.47,6000", code: validate.CodeHeightRange, line: 19},
		{name: "height not numeric", old: "-79.47,198", new: "-79.47,high", code: validate.CodeHeightType, line: 19},
		{name: "level not numeric", old: "TotalOzone,1.0", new: "TotalOzone,one", code: validate.CodeLevelNotNumeric, line: 3},
		{name: "integer level", old: "TotalOzone,1.0", new: "TotalOzone,1", code: validate.CodeLevelType, passed: true, line: 3},
		{name: "fractional form", old: "1.0,1\n", new: "1.0,1.0\n", code: validate.CodeFormType, passed: true, line: 3},
		{name: "form not integer", old: "1.0,1\n", new: "1.0,x\n", code: validate.CodeFormNotInteger, line: 3},
		{name: "version range", old: "MSC,1.0", new: "MSC,25.0", code: validate.CodeVersionRange, line: 7},
		{name: "integer version", old: "MSC,1.0", new: "MSC,1", code: validate.CodeVersionInteger, passed: true, line: 7},
		{name: "missing version", old: "MSC,1.0", new: "MSC,", code: validate.CodeMissingVersion, passed: true, line: 7},
		{name: "missing generation date", old: "2020-02-01,MSC", new: ",MSC", code: validate.CodeMissingDGDate, line: 7},
		{name: "future generation date", old: "2020-02-01,MSC", new: "2020-03-02,MSC", code: validate.CodeFutureDGDate, line: 7},
		{name: "short station id", old: "STN,065", new: "STN,65", code: validate.CodeStationIDPadded, passed: true, line: 11},
		{name: "ship without country", old: "STN,065,Toronto,CAN", new: "SHP,065,Toronto,", code: validate.CodeShipCountry, passed: true, line: 11},
		{name: "missing instrument name", old: "Brewer,MKII", new: "n/a,MKII", code: validate.CodeMissingInstrName, passed: true, line: 15},
		{name: "daily after generation", old: "2020-01-02,9", new: "2020-02-02,9", code: validate.CodeDateAfterDG, line: 29},
		{name: "timestamp after generation", old: "+00:00:00,2020-01-01", new: "+00:00:00,2020-02-05", code: validate.CodeTimestampAfterDG, line: 23},
		{name: "invalid daily date", old: "2020-01-02,9", new: "2020-13-02,9", code: validate.CodeInvalidDate, line: 29},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Contains(t, valid, tt.old)
			text := strings.Replace(valid, tt.old, tt.new, 1)

			rep, err := newProcess(t, nil).Execute(t.Context(), validate.Inputs{ExtCSV: text})
			require.NoError(t, err)
			assert.Equal(t, tt.passed, rep.Passed)
			require.Contains(t, codes(rep), tt.code)
			for _, d := range rep.Diagnostics {
				if d.Code == tt.code {
					assert.Equal(t, tt.line, d.Line)
					assert.NotEmpty(t, d.Message)
				}
			}
		})
	}
}

func TestWOUDC_Validate_MetadataOnlySkipsTimeSeries(t *testing.T) {
	t.Parallel()
	text := strings.Replace(valid, "2020-01-02,9", "2020-02-02,9", 1)

	rep, err := newProcess(t, nil).Execute(t.Context(), validate.Inputs{ExtCSV: text, MetadataOnly: true})
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	assert.Empty(t, rep.Diagnostics)
}

func TestWOUDC_Validate_ParseFailureIsReported(t *testing.T) {
	t.Parallel()
	for _, text := range []string{"", "not,an,extended,csv\n", "#CONTENT\n#PLATFORM\n"} {
		rep, err := newProcess(t, nil).Execute(t.Context(), validate.Inputs{ExtCSV: text})
		require.NoError(t, err)
		assert.False(t, rep.Passed)
		require.Len(t, rep.Diagnostics, 1)
		assert.Equal(t, validate.CodeParseFailure, rep.Diagnostics[0].Code)
	}
}

func TestWOUDC_Validate_RegistryFindings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		edits   []string
		want    []validate.Code
		without []validate.Code
	}{
		{
			name:    "unknown project skips contributor",
			edits:   []string{"WOUDC,TotalOzone", "GAW,TotalOzone"},
			want:    []validate.Code{validate.CodeUnknownProject},
			without: []validate.Code{validate.CodeUnknownContributor, validate.CodeUnknownDeployment, validate.CodeUnknownInstrument},
		},
		{
			name:    "unregistered dataset",
			edits:   []string{"WOUDC,TotalOzone,", "WOUDC,TotalOzoneObs,", "#DAILY", "#OBSERVATIONS"},
			want:    []validate.Code{validate.CodeUnknownDataset},
			without: []validate.Code{validate.CodeUnknownLevel, validate.CodeUnknownInstrument},
		},
		{
			name:  "level not in discovery metadata",
			edits: []string{"TotalOzone,1.0", "TotalOzone,3.0"},
			want:  []validate.Code{validate.CodeUnknownLevel},
		},
		{
			name:    "unknown contributor skips deployment",
			edits:   []string{"2020-02-01,MSC", "2020-02-01,NOAA"},
			want:    []validate.Code{validate.CodeUnknownContributor},
			without: []validate.Code{validate.CodeUnknownDeployment, validate.CodeUnknownInstrument},
		},
		{
			name:    "unknown station",
			edits:   []string{"STN,065", "STN,999"},
			want:    []validate.Code{validate.CodeUnknownStation},
			without: []validate.Code{validate.CodeUnknownDeployment},
		},
		{
			name:  "station name mismatch",
			edits: []string{"065,Toronto", "065,Montreal"},
			want:  []validate.Code{validate.CodeStationName},
		},
		{
			name:  "station country mismatch",
			edits: []string{"Toronto,CAN", "Toronto,USA"},
			want:  []validate.Code{validate.CodeStationCountry},
		},
		{
			name:    "unknown instrument model",
			edits:   []string{"Brewer,MKII", "Brewer,MKIV"},
			want:    []validate.Code{validate.CodeUnknownInstrModel},
			without: []validate.Code{validate.CodeUnknownInstrument},
		},
		{
			name:  "unknown instrument number",
			edits: []string{"MKII,014", "MKII,015"},
			want:  []validate.Code{validate.CodeUnknownInstrument},
		},
		{
			name:  "location drift",
			edits: []string{"43.78,-79.47", "45.5,-79.47"},
			want:  []validate.Code{validate.CodeCoordinateDrift},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for i := 0; i < len(tt.edits); i += 2 {
				require.Contains(t, valid, tt.edits[i])
			}
			text := strings.NewReplacer(tt.edits...).Replace(valid)

			rep, err := newProcess(t, registry()).Execute(t.Context(), validate.Inputs{ExtCSV: text, CheckMetadata: true})
			require.NoError(t, err)
			got := codes(rep)
			for _, c := range tt.want {
				assert.Contains(t, got, c)
			}
			for _, c := range tt.without {
				assert.NotContains(t, got, c)
			}
		})
	}
}

func TestWOUDC_Validate_RegistryUnavailable(t *testing.T) {
	t.Parallel()
	gw := registry().FailIndex(index("station"), apierr.New(apierr.Unavailable, "search", "connection refused"))

	rep, err := newProcess(t, gw).Execute(t.Context(), validate.Inputs{ExtCSV: valid, CheckMetadata: true})
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.True(t, apierr.Is(err, apierr.Unavailable))
}

func TestWOUDC_Validate_CheckMetadataNeedsStore(t *testing.T) {
	t.Parallel()
	_, err := newProcess(t, nil).Execute(t.Context(), validate.Inputs{ExtCSV: valid, CheckMetadata: true})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.Unavailable))
}

func TestWOUDC_Validate_ReportJSON(t *testing.T) {
	t.Parallel()
	text := strings.Replace(valid, "MSC,1.0", "MSC,1", 1)
	rep, err := newProcess(t, nil).Execute(t.Context(), validate.Inputs{ExtCSV: text})
	require.NoError(t, err)

	raw, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"response": true,
		"errors": [],
		"warnings": [{
			"severity": "warning",
			"code": 65,
			"line": 7,
			"table": "DATA_GENERATION",
			"field": "Version",
			"message": "#DATA_GENERATION.Version 1 should have a decimal part"
		}]
	}`, string(raw))
}

func TestWOUDC_Validate_ConfigRequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := validate.New(validate.Config{})
	require.Error(t, err)

	_, err = validate.New(validate.Config{Logger: woudctesting.NewLogger(), Gateway: searchtesting.NewMemory()})
	require.Error(t, err)
}
