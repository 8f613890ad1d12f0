package search

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/query"
)

// Schema derives the queryable fields of index from its mapping. Text fields
// with a "raw" keyword subfield become exact-match keyword fields. idField and
// timeField name the identifier and temporal properties of the collection.
func (c *Client) Schema(ctx context.Context, index, idField, timeField string) (query.Schema, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.es.Indices.GetMapping(
		c.es.Indices.GetMapping.WithContext(callCtx),
		c.es.Indices.GetMapping.WithIndex(index),
	)
	if err != nil {
		return query.Schema{}, c.transportError(ctx, callCtx, "mapping", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return query.Schema{}, c.responseError("mapping", res)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return query.Schema{}, apierr.Wrap(apierr.Unavailable, "mapping", err)
	}
	return SchemaFromMapping(body, idField, timeField)
}

// SchemaFromMapping builds a schema from a GET _mapping response. Mappings of
// several indices behind one alias are merged.
func SchemaFromMapping(body []byte, idField, timeField string) (query.Schema, error) {
	if !gjson.ValidBytes(body) {
		return query.Schema{}, apierr.New(apierr.Unavailable, "mapping", "mapping response is not valid JSON")
	}

	var fields []query.Field
	gjson.ParseBytes(body).ForEach(func(_, idx gjson.Result) bool {
		idx.Get("mappings.properties.properties.properties").ForEach(func(name, def gjson.Result) bool {
			if f, ok := fieldFromMapping(name.String(), def); ok {
				fields = append(fields, f)
			}
			return true
		})
		return true
	})

	if len(fields) == 0 {
		return query.Schema{}, apierr.New(apierr.NotFound, "mapping", "index exposes no properties")
	}
	return query.NewSchema(idField, timeField, "geometry", fields...), nil
}

func fieldFromMapping(name string, def gjson.Result) (query.Field, bool) {
	path := "properties." + name
	switch def.Get("type").String() {
	case "text":
		if def.Get("fields.raw.type").String() == "keyword" {
			return query.KeywordField(name), true
		}
		return query.Field{}, false
	case "keyword", "constant_keyword", "wildcard":
		return query.Field{Name: name, Type: query.Keyword, Path: path}, true
	case "long", "integer", "short", "byte", "double", "float", "half_float", "scaled_float", "unsigned_long":
		return query.NumberField(name), true
	case "date", "date_nanos":
		return query.DateField(name), true
	case "boolean":
		return query.BoolField(name), true
	}
	return query.Field{}, false
}
