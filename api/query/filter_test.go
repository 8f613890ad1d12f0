package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/query"
)

func TestWOUDC_Query_Filter_Compile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		filter string
		want   string
	}{
		{
			name:   "equality",
			filter: `{"op":"=","args":[{"property":"platform_country"},"CAN"]}`,
			want:   `{"term":{"properties.platform_country.raw":"CAN"}}`,
		},
		{
			name:   "not equal",
			filter: `{"op":"<>","args":[{"property":"instrument_name"},"Brewer"]}`,
			want:   `{"bool":{"must_not":[{"term":{"properties.instrument_name.raw":"Brewer"}}]}}`,
		},
		{
			name:   "comparison",
			filter: `{"op":">=","args":[{"property":"number_of_observations"},10]}`,
			want:   `{"range":{"properties.number_of_observations":{"gte":10}}}`,
		},
		{
			name:   "literal first flips",
			filter: `{"op":"<","args":[10,{"property":"number_of_observations"}]}`,
			want:   `{"range":{"properties.number_of_observations":{"gt":10}}}`,
		},
		{
			name:   "numeric keyword",
			filter: `{"op":"=","args":[{"property":"platform_id"},77]}`,
			want:   `{"term":{"properties.platform_id.raw":"77"}}`,
		},
		{
			name: "and or not",
			filter: `{"op":"and","args":[
				{"op":"or","args":[
					{"op":"=","args":[{"property":"platform_id"},"077"]},
					{"op":"=","args":[{"property":"platform_id"},"065"]}
				]},
				{"op":"not","args":[{"op":"=","args":[{"property":"content_level"},2]}]}
			]}`,
			want: `{"bool":{"filter":[
				{"bool":{"should":[
					{"term":{"properties.platform_id.raw":"077"}},
					{"term":{"properties.platform_id.raw":"065"}}
				],"minimum_should_match":1}},
				{"bool":{"must_not":[{"term":{"properties.content_level":2}}]}}
			]}}`,
		},
		{
			name:   "in",
			filter: `{"op":"in","args":[{"property":"content_category"},["TotalOzone","UmkehrN14"]]}`,
			want:   `{"terms":{"properties.content_category.raw":["TotalOzone","UmkehrN14"]}}`,
		},
		{
			name:   "between dates",
			filter: `{"op":"between","args":[{"property":"timestamp_date"},{"date":"2020-01-01"},{"date":"2020-12-31"}]}`,
			want:   `{"range":{"properties.timestamp_date":{"gte":"2020-01-01","lte":"2020-12-31"}}}`,
		},
		{
			name:   "like",
			filter: `{"op":"like","args":[{"property":"platform_name"},"Toronto%_x*"]}`,
			want:   `{"wildcard":{"properties.platform_name.raw":{"value":"Toronto*?x\\*"}}}`,
		},
		{
			name:   "is null",
			filter: `{"op":"isNull","args":[{"property":"link_key"}]}`,
			want:   `{"bool":{"must_not":[{"exists":{"field":"properties.link_key.raw"}}]}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			expr, err := query.ParseFilter(tt.filter)
			require.NoError(t, err)
			q, err := newTranslator().Where(query.Spec{Filter: expr})
			require.NoError(t, err)
			assert.JSONEq(t, `{"bool":{"filter":[`+tt.want+`]}}`, toJSON(t, q))
		})
	}
}

func TestWOUDC_Query_Filter_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		filter string
		kind   apierr.Kind
	}{
		{name: "not json", filter: `{"op":`, kind: apierr.InvalidQuery},
		{name: "no op", filter: `{"args":[]}`, kind: apierr.InvalidQuery},
		{name: "unsupported op", filter: `{"op":"s_intersects","args":[{"property":"geometry"},{"type":"Point"}]}`, kind: apierr.InvalidQuery},
		{name: "two properties", filter: `{"op":"=","args":[{"property":"platform_id"},{"property":"platform_name"}]}`, kind: apierr.InvalidQuery},
		{name: "and arity", filter: `{"op":"and","args":[{"op":"=","args":[{"property":"platform_id"},"077"]}]}`, kind: apierr.InvalidQuery},
		{name: "like on number", filter: `{"op":"like","args":[{"property":"content_level"},"1%"]}`, kind: apierr.InvalidQuery},
		{name: "between keyword", filter: `{"op":"between","args":[{"property":"platform_id"},"001","100"]}`, kind: apierr.InvalidQuery},
		{name: "unknown field", filter: `{"op":"in","args":[{"property":"station"},["077"]]}`, kind: apierr.UnknownField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			expr, err := query.ParseFilter(tt.filter)
			if err == nil {
				_, err = newTranslator().Translate(query.Spec{Filter: expr})
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, apierr.KindOf(err))
		})
	}
}
