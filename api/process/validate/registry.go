package validate

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/query"
	"github.com/woudc/woudc-api/api/search"
)

const maxRegistryValues = 10000

// registry looks values up in the data registry indices. The first failed
// lookup sticks: later lookups return nothing and the caller reports err.
type registry struct {
	gw       search.Gateway
	resolver *dataset.Resolver
	log      *slog.Logger
	err      error
}

// values returns the distinct values of a keyword property.
func (r *registry) values(ctx context.Context, collection, field string) map[string]struct{} {
	if r.err != nil {
		return nil
	}
	index, err := r.resolver.Index(collection)
	if err != nil {
		r.err = err
		return nil
	}
	aggs, err := r.gw.Aggregate(ctx, []string{index}, query.Doc{"match_all": query.Doc{}}, query.Doc{
		"values": query.Doc{"terms": query.Doc{
			"field": "properties." + field + ".raw",
			"order": query.Doc{"_key": "asc"},
			"size":  maxRegistryValues,
		}},
	})
	if err != nil {
		r.err = err
		return nil
	}
	out := map[string]struct{}{}
	aggs.Get("values.buckets").ForEach(func(_, b gjson.Result) bool {
		out[b.Get("key").String()] = struct{}{}
		return true
	})
	return out
}

// find returns the sources of up to two documents matching every
// property=value pair, so callers can tell one match from several.
func (r *registry) find(ctx context.Context, collection string, pairs ...string) []gjson.Result {
	if r.err != nil {
		return nil
	}
	index, err := r.resolver.Index(collection)
	if err != nil {
		r.err = err
		return nil
	}
	filter := make([]query.Doc, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		filter = append(filter, query.Doc{"term": query.Doc{"properties." + pairs[i] + ".raw": pairs[i+1]}})
	}
	hits, err := r.gw.Search(ctx, []string{index}, query.Doc{"bool": query.Doc{"filter": filter}}, query.Page{Size: 2}, nil)
	if err != nil {
		r.err = err
		return nil
	}
	out := make([]gjson.Result, 0, len(hits.Hits))
	for _, h := range hits.Hits {
		out = append(out, gjson.ParseBytes(h.Source))
	}
	return out
}

// registry cross-checks the payload against the registry. Checks whose
// inputs already failed are skipped.
func (c *checker) registry(ctx context.Context, r *registry) error {
	projectOK := c.checkProject(ctx, r)
	datasetOK := c.checkDataset(ctx, r)
	if datasetOK && c.levelOK {
		c.checkLevel(ctx, r)
	}

	contributorOK := projectOK && c.checkContributor(ctx, r)
	stationOK := c.checkStation(ctx, r)
	if projectOK && contributorOK && stationOK {
		c.checkDeployment(ctx, r)
	}

	modelOK := c.checkInstrumentNames(ctx, r)
	if datasetOK && stationOK && contributorOK && modelOK {
		if inst, ok := c.checkInstrumentID(ctx, r); ok && c.locationOK {
			c.compareLocation(inst)
		}
	}
	if r.err != nil {
		r.log.Warn("registry lookup failed", "error", r.err)
	}
	return r.err
}

func (c *checker) checkProject(ctx context.Context, r *registry) bool {
	if _, ok := r.values(ctx, "project", "identifier")[c.project]; !ok {
		c.rep.add(CodeUnknownProject, c.at("CONTENT", "Class"), c.project)
		return false
	}
	return true
}

func (c *checker) checkDataset(ctx context.Context, r *registry) bool {
	known := r.values(ctx, "dataset", "identifier")
	if _, ok := known[c.dataset]; !ok && c.dataset != "UmkehrN14" {
		c.rep.add(CodeUnknownDataset, c.at("CONTENT", "Category"), c.dataset)
		return false
	}
	return true
}

// checkLevel looks the level up in the dataset's discovery metadata, whose
// level labels end in the level number.
func (c *checker) checkLevel(ctx context.Context, r *registry) {
	level := formatLevel(c.level)
	docs := r.find(ctx, "discovery_metadata", "identifier", c.datasetKey())
	if len(docs) > 0 {
		for _, l := range docs[0].Get("properties.levels").Array() {
			if strings.HasSuffix(l.Get("label_en").String(), level) {
				return
			}
		}
	}
	if r.err == nil {
		c.rep.add(CodeUnknownLevel, c.at("CONTENT", "Level"), level, c.datasetKey())
	}
}

func (c *checker) checkContributor(ctx context.Context, r *registry) bool {
	if len(r.find(ctx, "contributor", "project", c.project, "acronym", c.agency)) != 1 {
		c.rep.add(CodeUnknownContributor, c.at("DATA_GENERATION", "Agency"), c.agency, c.project)
		return false
	}
	return true
}

func (c *checker) checkStation(ctx context.Context, r *registry) bool {
	docs := r.find(ctx, "station", "woudc_id", c.stationID)
	if len(docs) != 1 {
		c.rep.add(CodeUnknownStation, c.at("PLATFORM", "ID"), c.stationID)
		return false
	}
	props := docs[0].Get("properties")

	ok := true
	if registered := props.Get("type").String(); (c.stationType != "STN" && c.stationType != "SHP") || c.stationType != registered {
		c.rep.add(CodeStationType, c.at("PLATFORM", "Type"), c.stationType, registered)
		ok = false
	}
	if registered := props.Get("name").String(); registered != c.stationName {
		c.rep.add(CodeStationName, c.at("PLATFORM", "Name"), c.stationName, registered)
		ok = false
	}
	if !ok {
		return false
	}

	countries := r.find(ctx, "country", "identifier", c.country)
	if len(countries) != 1 ||
		countries[0].Get("properties.country_name_en").String() != props.Get("country_name_en").String() {
		c.rep.add(CodeStationCountry, c.at("PLATFORM", "Country"), c.country, c.stationID)
		return false
	}
	return true
}

func (c *checker) checkDeployment(ctx context.Context, r *registry) {
	id := strings.Join([]string{c.stationID, c.agency, c.project}, ":")
	if len(r.find(ctx, "deployment", "identifier", id)) != 1 {
		c.rep.add(CodeUnknownDeployment, c.at("PLATFORM", "ID"), id)
	}
}

func (c *checker) checkInstrumentNames(ctx context.Context, r *registry) bool {
	ok := true
	if c.instrName != unknown {
		if _, found := r.values(ctx, "instrument", "name")[c.instrName]; !found {
			c.rep.add(CodeUnknownInstrName, c.at("INSTRUMENT", "Name"), c.instrName)
			ok = false
		}
	}
	if c.instrModel != unknown {
		if _, found := r.values(ctx, "instrument", "model")[c.instrModel]; !found {
			c.rep.add(CodeUnknownInstrModel, c.at("INSTRUMENT", "Model"), c.instrModel)
			ok = false
		}
	}
	return ok
}

func (c *checker) instrumentID() string {
	return strings.Join([]string{
		c.instrName, c.instrModel, c.instrNumber, c.datasetKey(), c.stationID, c.agency, c.project,
	}, ":")
}

func (c *checker) checkInstrumentID(ctx context.Context, r *registry) (gjson.Result, bool) {
	id := c.instrumentID()
	docs := r.find(ctx, "instrument", "identifier", id)
	if len(docs) != 1 {
		c.rep.add(CodeUnknownInstrument, c.at("INSTRUMENT", "Name"), id)
		return gjson.Result{}, false
	}
	return docs[0], true
}

// compareLocation warns when the submitted location drifts from the
// registered instrument geometry, [lon, lat, height].
func (c *checker) compareLocation(inst gjson.Result) {
	tol := c.tolerance
	if c.stationType == "SHP" && tol.IgnoreShips {
		return
	}
	coords := inst.Get("geometry.coordinates").Array()
	if len(coords) >= 2 {
		if math.Abs(c.lat-coords[1].Float()) >= tol.Latitude {
			c.rep.add(CodeCoordinateDrift, c.at("LOCATION", "Latitude"), "Latitude")
		}
		polar := math.Abs(c.lat) > 90-tol.PolarRange
		if !polar && math.Abs(c.lon-coords[0].Float()) >= tol.Longitude {
			c.rep.add(CodeCoordinateDrift, c.at("LOCATION", "Longitude"), "Longitude")
		}
	}
	if len(coords) >= 3 && coords[2].Type == gjson.Number && c.height != nil {
		if math.Abs(*c.height-coords[2].Float()) >= tol.Height {
			c.rep.add(CodeHeightDrift, c.at("LOCATION", "Height"))
		}
	}
}
