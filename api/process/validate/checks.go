package validate

import (
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/woudc/woudc-api/api/extcsv"
)

type tableSpec struct {
	name   string
	fields []string
	// blank lists fields whose value may be empty; later checks report them.
	blank []string
	// repeats allows more than one row of values.
	repeats bool
}

var metadataTables = []tableSpec{
	{name: "CONTENT", fields: []string{"Class", "Category", "Level", "Form"}},
	{name: "DATA_GENERATION", fields: []string{"Date", "Agency", "Version"}, blank: []string{"Date", "Version"}},
	{name: "PLATFORM", fields: []string{"Type", "ID", "Name", "Country"}, blank: []string{"Country"}},
	{name: "INSTRUMENT", fields: []string{"Name", "Model", "Number"}, blank: []string{"Name", "Model", "Number"}},
	{name: "LOCATION", fields: []string{"Latitude", "Longitude"}},
	{name: "TIMESTAMP", fields: []string{"UTCOffset", "Date"}, repeats: true},
}

// datasetTables lists, per dataset, the tables of which at least one must
// be present.
var datasetTables = map[string][]string{
	"Broad-band":    {"GLOBAL", "DIFFUSE", "DIRECT"},
	"Lidar":         {"OZONE_PROFILE"},
	"Multi-band":    {"GLOBAL", "SIMULTANEOUS"},
	"OzoneSonde":    {"PROFILE"},
	"RocketSonde":   {"PROFILE"},
	"Spectral":      {"GLOBAL", "GLOBAL_SUMMARY", "GLOBAL_SUMMARY_NSF"},
	"TotalOzone":    {"DAILY"},
	"TotalOzoneObs": {"OBSERVATIONS"},
	"UmkehrN14":     {"N14_VALUES", "C_PROFILE"},
}

const (
	minHeight = -50
	maxHeight = 5100

	maxVersion = 20

	unknown = "UNKNOWN"
)

var waterCountries = []string{"*IW", "IW", "XZ"}

// checker carries one payload through the checks. Values read by earlier
// checks are normalized in place for the later ones.
type checker struct {
	file      *extcsv.File
	rep       *Report
	now       time.Time
	tolerance LocationTolerance

	project     string
	dataset     string
	level       float64
	levelOK     bool
	form        string
	agency      string
	dgDate      time.Time
	dgDateOK    bool
	stationType string
	stationID   string
	stationName string
	country     string
	instrName   string
	instrModel  string
	instrNumber string
	lat, lon    float64
	height      *float64
	locationOK  bool
}

// value reads field from the first row of table.
func (c *checker) value(table, field string) string {
	t := c.file.Table(table)
	if t == nil {
		return ""
	}
	v, _ := t.Value(field)
	return v
}

// at points at the first value row of table, or its header when it has none.
func (c *checker) at(table, field string) where {
	w := where{table: table, field: field}
	if t := c.file.Table(table); t != nil {
		w.line = t.Line
		if len(t.RowLines) > 0 {
			w.line = t.RowLines[0]
		}
	}
	return w
}

// structure checks the required tables and fields. The remaining checks
// only run on a payload that passes it.
func (c *checker) structure() bool {
	for _, spec := range metadataTables {
		t := c.file.Table(spec.name)
		if t == nil {
			c.rep.add(CodeMissingTable, where{table: spec.name}, spec.name)
			continue
		}
		if n := len(t.Rows); n == 0 || (n > 1 && !spec.repeats) {
			c.rep.add(CodeRowCount, where{line: t.Line, table: spec.name}, spec.name, n)
			continue
		}
		for _, field := range spec.fields {
			if !t.Has(field) {
				c.rep.add(CodeMissingField, where{line: t.Line, table: spec.name, field: field}, field, spec.name)
				continue
			}
			if _, ok := t.Value(field); !ok && !slices.Contains(spec.blank, field) {
				c.rep.add(CodeEmptyValue, c.at(spec.name, field), field, spec.name)
			}
		}
	}
	if c.rep.hasErrors() {
		return false
	}

	c.project = c.value("CONTENT", "Class")
	c.dataset = c.value("CONTENT", "Category")
	tables, ok := datasetTables[c.dataset]
	if !ok {
		c.rep.add(CodeUnknownCategory, c.at("CONTENT", "Category"), c.dataset)
		return true
	}
	found := false
	for _, name := range tables {
		t := c.file.Table(name)
		if t == nil {
			continue
		}
		found = true
		if len(t.Rows) == 0 {
			c.rep.add(CodeEmptyDatasetTable, where{line: t.Line, table: name}, name)
		}
	}
	if !found {
		c.rep.add(CodeMissingDatasetTable, c.at("CONTENT", "Category"), c.dataset, tables)
	}
	return !c.rep.hasErrors()
}

// local runs the checks that need nothing but the payload.
func (c *checker) local(metadataOnly bool) {
	c.checkContent()
	c.checkPlatform()
	c.checkInstrument()
	c.checkLocation()
	c.checkDataGeneration()
	if !metadataOnly {
		c.checkTimeSeries()
	}
}

func (c *checker) checkContent() {
	raw := c.value("CONTENT", "Level")
	if level, err := strconv.ParseFloat(raw, 64); err != nil {
		c.rep.add(CodeLevelNotNumeric, c.at("CONTENT", "Level"), raw)
	} else {
		c.level, c.levelOK = level, true
		if !strings.Contains(raw, ".") {
			c.rep.add(CodeLevelType, c.at("CONTENT", "Level"), raw, formatLevel(level))
		}
	}

	c.form = c.value("CONTENT", "Form")
	if _, err := strconv.Atoi(c.form); err != nil {
		f, ferr := strconv.ParseFloat(c.form, 64)
		if ferr != nil || f != math.Trunc(f) {
			c.rep.add(CodeFormNotInteger, c.at("CONTENT", "Form"), c.form)
		} else {
			c.rep.add(CodeFormType, c.at("CONTENT", "Form"), c.form, int(f))
			c.form = strconv.Itoa(int(f))
		}
	}

	if c.dataset == "UmkehrN14" && c.levelOK {
		want := 1.0
		if c.file.Table("C_PROFILE") != nil {
			want = 2.0
		}
		if c.level != want {
			c.rep.add(CodeUmkehrLevel, c.at("CONTENT", "Level"), formatLevel(want))
			c.level = want
		}
	}
}

// datasetKey names the dataset in the registry. UmkehrN14 is registered
// once per level.
func (c *checker) datasetKey() string {
	if c.dataset == "UmkehrN14" {
		return c.dataset + "_" + formatLevel(c.level)
	}
	return c.dataset
}

func (c *checker) checkPlatform() {
	c.stationType = c.value("PLATFORM", "Type")
	c.stationName = c.value("PLATFORM", "Name")
	c.country = c.value("PLATFORM", "Country")

	if c.stationType == "SHP" && (c.country == "" || slices.Contains(waterCountries, c.country)) {
		c.rep.add(CodeShipCountry, c.at("PLATFORM", "Country"))
		c.country = "XY"
	} else if c.country == "" {
		c.rep.add(CodeEmptyValue, c.at("PLATFORM", "Country"), "Country", "PLATFORM")
	}

	id := c.value("PLATFORM", "ID")
	c.stationID = id
	if len(id) < 3 {
		c.stationID = strings.Repeat("0", 3-len(id)) + id
		c.rep.add(CodeStationIDPadded, c.at("PLATFORM", "ID"), id, c.stationID)
	}
	c.agency = c.value("DATA_GENERATION", "Agency")
}

func (c *checker) checkInstrument() {
	c.instrName = c.value("INSTRUMENT", "Name")
	if isUnknown(c.instrName) {
		c.rep.add(CodeMissingInstrName, c.at("INSTRUMENT", "Name"))
		c.instrName = unknown
	}
	c.instrModel = c.value("INSTRUMENT", "Model")
	if isUnknown(c.instrModel) {
		c.rep.add(CodeMissingInstrModel, c.at("INSTRUMENT", "Model"))
		c.instrModel = unknown
	}
	c.instrNumber = c.value("INSTRUMENT", "Number")
	if isUnknown(c.instrNumber) {
		c.instrNumber = unknown
	}
}

func isUnknown(v string) bool {
	switch strings.ToLower(v) {
	case "", "na", "n/a":
		return true
	}
	return false
}

func (c *checker) checkLocation() {
	ok := true
	coordinate := func(field string, limit float64) float64 {
		raw := c.value("LOCATION", field)
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.rep.add(CodeCoordinateType, c.at("LOCATION", field), field, raw)
			ok = false
			return 0
		}
		if v < -limit || v > limit {
			c.rep.add(CodeCoordinateRange, c.at("LOCATION", field), field, raw, -limit, limit)
			ok = false
		}
		return v
	}
	c.lat = coordinate("Latitude", 90)
	c.lon = coordinate("Longitude", 180)

	if raw := c.value("LOCATION", "Height"); raw != "" {
		h, err := strconv.ParseFloat(raw, 64)
		switch {
		case err != nil:
			c.rep.add(CodeHeightType, c.at("LOCATION", "Height"), raw)
			ok = false
		case h < minHeight || h > maxHeight:
			c.rep.add(CodeHeightRange, c.at("LOCATION", "Height"), raw)
			ok = false
		default:
			c.height = &h
		}
	}
	c.locationOK = ok
}

func (c *checker) checkDataGeneration() {
	raw := c.value("DATA_GENERATION", "Date")
	if d, err := time.Parse(time.DateOnly, raw); err != nil {
		c.rep.add(CodeMissingDGDate, c.at("DATA_GENERATION", "Date"))
	} else {
		c.dgDate, c.dgDateOK = d, true
		today := c.now.UTC().Truncate(24 * time.Hour)
		if d.After(today) {
			c.rep.add(CodeFutureDGDate, c.at("DATA_GENERATION", "Date"), raw)
		}
	}

	version := c.value("DATA_GENERATION", "Version")
	if version == "" {
		c.rep.add(CodeMissingVersion, c.at("DATA_GENERATION", "Version"))
		return
	}
	v, err := strconv.ParseFloat(version, 64)
	if err != nil || v < 0 || v > maxVersion {
		c.rep.add(CodeVersionRange, c.at("DATA_GENERATION", "Version"), version)
		return
	}
	if version == strconv.Itoa(int(v)) {
		c.rep.add(CodeVersionInteger, c.at("DATA_GENERATION", "Version"), version)
	}
}

// checkTimeSeries flags dates later than the data generation date and
// times earlier than the first timestamp.
func (c *checker) checkTimeSeries() {
	tsTime := c.value("TIMESTAMP", "Time")
	for _, t := range c.file.Tables {
		if t.Name == "DATA_GENERATION" {
			continue
		}
		isTimestamp := strings.HasPrefix(t.Name, "TIMESTAMP")
		dates := t.Column("Date")
		for i, raw := range dates {
			if raw == "" {
				continue
			}
			at := where{line: t.RowLines[i], table: t.Name, field: "Date"}
			d, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				c.rep.add(CodeInvalidDate, at, t.Name, raw)
				continue
			}
			if !c.dgDateOK || !d.After(c.dgDate) {
				continue
			}
			if isTimestamp {
				c.rep.add(CodeTimestampAfterDG, at, t.Name, raw)
			} else {
				c.rep.add(CodeDateAfterDG, at, t.Name, raw)
			}
		}

		if tsTime == "" || isTimestamp {
			continue
		}
		for i, raw := range t.Column("Time") {
			// HH:MM:SS compares lexically.
			if len(raw) == len(tsTime) && raw < tsTime {
				c.rep.add(CodeTimeBeforeTS, where{line: t.RowLines[i], table: t.Name, field: "Time"}, t.Name, raw)
			}
		}
	}
}

// formatLevel renders a level with at least one decimal, as registered.
func formatLevel(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
