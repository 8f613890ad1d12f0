package query

import (
	"sort"

	"github.com/woudc/woudc-api/api/apierr"
)

// FieldType is the store-side type of a queryable property.
type FieldType int

const (
	Keyword FieldType = iota
	Number
	Date
	Bool
)

func (t FieldType) String() string {
	switch t {
	case Keyword:
		return "keyword"
	case Number:
		return "number"
	case Date:
		return "date"
	case Bool:
		return "boolean"
	default:
		return "unknown"
	}
}

// Field is a queryable property and the document path it is indexed under.
type Field struct {
	Name string
	Type FieldType
	Path string
}

// KeywordField is a text property with an exact-match ".raw" subfield.
func KeywordField(name string) Field {
	return Field{Name: name, Type: Keyword, Path: "properties." + name + ".raw"}
}

func NumberField(name string) Field {
	return Field{Name: name, Type: Number, Path: "properties." + name}
}

func DateField(name string) Field {
	return Field{Name: name, Type: Date, Path: "properties." + name}
}

func BoolField(name string) Field {
	return Field{Name: name, Type: Bool, Path: "properties." + name}
}

// Schema describes the fields a collection exposes. ID, Time and Geometry
// name the identifier property, the temporal property and the geometry path.
type Schema struct {
	ID       string
	Time     string
	Geometry string
	fields   map[string]Field
}

// NewSchema builds a schema from its fields. A later field with the same name
// replaces an earlier one.
func NewSchema(id, timeField, geometry string, fields ...Field) Schema {
	s := Schema{ID: id, Time: timeField, Geometry: geometry, fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		s.fields[f.Name] = f
	}
	return s
}

// Lookup returns the named field or an apierr.UnknownField error.
func (s Schema) Lookup(name string) (Field, error) {
	f, ok := s.fields[name]
	if !ok {
		return Field{}, apierr.Field(apierr.UnknownField, "translate", name, "field is not exposed by the collection")
	}
	return f, nil
}

// Has reports whether the schema exposes the named field.
func (s Schema) Has(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Fields returns the exposed fields sorted by name.
func (s Schema) Fields() []Field {
	out := make([]Field, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecordSchema is the layout of the data record indices.
var RecordSchema = NewSchema("identifier", "timestamp_date", "geometry",
	KeywordField("identifier"),
	KeywordField("content_class"),
	KeywordField("content_category"),
	NumberField("content_level"),
	NumberField("content_form"),
	DateField("data_generation_date"),
	KeywordField("data_generation_agency"),
	NumberField("data_generation_version"),
	KeywordField("platform_type"),
	KeywordField("platform_id"),
	KeywordField("platform_name"),
	KeywordField("platform_country"),
	KeywordField("country_name"),
	KeywordField("platform_gaw_id"),
	KeywordField("instrument_name"),
	KeywordField("instrument_model"),
	KeywordField("instrument_number"),
	KeywordField("timestamp_utcoffset"),
	DateField("timestamp_date"),
	KeywordField("timestamp_time"),
	DateField("timestamp_end_date"),
	NumberField("number_of_observations"),
	DateField("published_datetime"),
	DateField("processed_datetime"),
	KeywordField("url"),
	KeywordField("link_key"),
	BoolField("published"),
)

// PeerSchema is the layout of the partner network record index.
var PeerSchema = NewSchema("identifier", "start_datetime", "geometry",
	KeywordField("identifier"),
	KeywordField("source"),
	KeywordField("measurement"),
	KeywordField("station_id"),
	KeywordField("station_name"),
	KeywordField("country_id"),
	KeywordField("gaw_id"),
	KeywordField("instrument_type"),
	NumberField("level"),
	DateField("start_datetime"),
	DateField("end_datetime"),
	KeywordField("url"),
	KeywordField("link_key"),
)
