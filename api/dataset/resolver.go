// Package dataset resolves dataset selectors into physical index names.
package dataset

import (
	"fmt"
	"strings"

	"github.com/woudc/woudc-api/api/apierr"
)

// PeerDataRecords is the reserved dataset name for partner network records.
const PeerDataRecords = "peer_data_records"

const (
	peerIndexSuffix = "peer_data_record"
	maxIndexLen     = 255
	illegalIndexSet = `\/*?"<>| ,#:`
)

// Dataset is one named category of records and the index that holds it.
type Dataset struct {
	Name  string
	Index string
	Peer  bool
}

// Selection is an ordered set of distinct datasets.
type Selection []Dataset

// Indices returns the physical index names in selection order.
func (s Selection) Indices() []string {
	out := make([]string, len(s))
	for i, d := range s {
		out[i] = d.Index
	}
	return out
}

// Names returns the dataset names in selection order.
func (s Selection) Names() []string {
	out := make([]string, len(s))
	for i, d := range s {
		out[i] = d.Name
	}
	return out
}

// ByIndex returns the dataset stored in the given index.
func (s Selection) ByIndex(index string) (Dataset, bool) {
	for _, d := range s {
		if d.Index == index {
			return d, true
		}
	}
	return Dataset{}, false
}

// Resolver maps dataset names to "<prefix>.<lowercased name>" indices.
type Resolver struct {
	prefix string
}

func NewResolver(prefix string) *Resolver {
	return &Resolver{prefix: strings.TrimSuffix(prefix, ".")}
}

// Prefix returns the configured index prefix.
func (r *Resolver) Prefix() string { return r.prefix }

// Resolve parses a comma separated selector. Entries are trimmed, duplicates
// by physical index are dropped keeping the first occurrence, and empty or
// malformed entries fail with apierr.InvalidDataset.
func (r *Resolver) Resolve(selector string) (Selection, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, apierr.New(apierr.InvalidDataset, "resolve dataset", "dataset selector is empty")
	}

	parts := strings.Split(selector, ",")
	out := make(Selection, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for i, part := range parts {
		name := strings.TrimSpace(part)
		if name == "" {
			return nil, apierr.New(apierr.InvalidDataset, "resolve dataset",
				fmt.Sprintf("dataset entry %d is empty", i+1))
		}
		ds, err := r.dataset(name)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[ds.Index]; ok {
			continue
		}
		seen[ds.Index] = struct{}{}
		out = append(out, ds)
	}
	return out, nil
}

// Index returns the physical index for a registry collection such as
// "station" or "contributor".
func (r *Resolver) Index(collection string) (string, error) {
	ds, err := r.dataset(strings.TrimSpace(collection))
	if err != nil {
		return "", err
	}
	return ds.Index, nil
}

// PeerIndex returns the index holding partner network records.
func (r *Resolver) PeerIndex() string {
	return r.join(peerIndexSuffix)
}

func (r *Resolver) dataset(name string) (Dataset, error) {
	if name == "" {
		return Dataset{}, apierr.New(apierr.InvalidDataset, "resolve dataset", "dataset name is empty")
	}
	if name == PeerDataRecords {
		return Dataset{Name: name, Index: r.PeerIndex(), Peer: true}, nil
	}
	lower := strings.ToLower(name)
	if strings.ContainsAny(lower, illegalIndexSet) || strings.ContainsAny(lower[:1], "-_+") || lower == "." || lower == ".." {
		return Dataset{}, apierr.Field(apierr.InvalidDataset, "resolve dataset", name, "dataset name is malformed")
	}
	index := r.join(lower)
	if len(index) > maxIndexLen {
		return Dataset{}, apierr.Field(apierr.InvalidDataset, "resolve dataset", name, "dataset name is too long")
	}
	return Dataset{Name: name, Index: index}, nil
}

func (r *Resolver) join(suffix string) string {
	if r.prefix == "" {
		return suffix
	}
	return r.prefix + "." + suffix
}
