package query

import "sort"

// DefaultFacetLimit is the number of distinct values returned when no
// limit is requested.
const DefaultFacetLimit = 100

// Facet names a column whose distinct values can be listed.
type Facet struct {
	Table  string
	Column string
}

var facets = map[string]Facet{
	"file":    {Table: "test_results", Column: "file"},
	"browser": {Table: "test_results", Column: "browser"},
	"state":   {Table: "test_results", Column: "state"},
	"suite":   {Table: "test_results", Column: "suite"},
	"runner":  {Table: "test_runs", Column: "runner"},
}

// LookupFacet resolves a facet field name. Unknown fields are a
// ValidationError.
func LookupFacet(field string) (Facet, error) {
	f, ok := facets[field]
	if !ok {
		return Facet{}, Invalid("field", "unsupported facet %q, expected one of %v", field, FacetFields())
	}

	return f, nil
}

// FacetFields returns the supported facet names in sorted order.
func FacetFields() []string {
	names := make([]string, 0, len(facets))
	for name := range facets {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// FacetLimit clamps a requested facet limit.
func FacetLimit(limit int) int {
	if limit <= 0 {
		return DefaultFacetLimit
	}

	if limit > MaxLimit {
		return MaxLimit
	}

	return limit
}
