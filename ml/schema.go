package ml

import (
	"fmt"
	"sort"
)

// SchemaV1 is the feature layout the sales model was trained with.
const SchemaV1 = "sales-v1"

// CyclicalFeature derives a sin/cos pair from one base column:
// sin(2*pi*x/Period), cos(2*pi*x/Period).
type CyclicalFeature struct {
	Base   string
	Period float64
	Sin    string
	Cos    string
}

// Schema fixes which columns are scaled, which are derived and the order the
// model consumes them in. Schemas are immutable once registered.
type Schema struct {
	Version  string
	Scaled   []string
	Cyclical []CyclicalFeature
	Features []string
}

// Schemas holds every known schema by version.
var Schemas = map[string]Schema{
	SchemaV1: {
		Version: SchemaV1,
		Scaled: []string{
			"dow", "n_year_week", "n_month_week", "n_week_week",
			"prih_unt_int", "prih_rub_int", "mkdn_unt_int", "mkdn_rub_int",
			"discount_rub_int", "apoh_int", "eoh_unt_int", "eoh_rub_int",
			"discount_rub_prc", "mkdn_rub_int_5days", "sms", "st_area",
			"napoln", "napoln_rub", "cr", "sls_rub_int_year", "visiors_year",
			"sls_rub_online", "sls_unt_online", "sls_rub_online_prc", "sls_unt_online_prc",
		},
		// Derived from the scaled values, not the raw ones. The model was
		// trained this way.
		Cyclical: []CyclicalFeature{
			{Base: "n_month_week", Period: 12, Sin: "month_sin", Cos: "month_cos"},
			{Base: "dow", Period: 7, Sin: "dow_sin", Cos: "dow_cos"},
			{Base: "n_week_week", Period: 52, Sin: "n_week_week_sin", Cos: "n_week_week_cos"},
		},
		Features: []string{
			"n_week_week_sin", "n_week_week_cos", "month_sin", "month_cos", "dow_sin", "dow_cos",
			"dow", "prih_unt_int", "prih_rub_int", "mkdn_unt_int", "mkdn_rub_int",
			"discount_rub_int", "apoh_int", "eoh_unt_int", "eoh_rub_int", "discount_rub_prc",
			"mkdn_rub_int_5days", "sms", "st_area", "cr", "sls_rub_int_year", "visiors_year",
			"sls_rub_online", "sls_unt_online", "sls_rub_online_prc", "sls_unt_online_prc",
		},
	},
}

// LookupSchema returns a registered schema. An empty version selects SchemaV1.
func LookupSchema(version string) (Schema, error) {
	if version == "" {
		version = SchemaV1
	}
	s, ok := Schemas[version]
	if !ok {
		known := make([]string, 0, len(Schemas))
		for k := range Schemas {
			known = append(known, k)
		}
		sort.Strings(known)
		return Schema{}, fmt.Errorf("unknown feature schema %q (known: %v)", version, known)
	}
	return s, nil
}

// Derived reports whether name is produced by cyclical encoding.
func (s Schema) Derived(name string) bool {
	for _, c := range s.Cyclical {
		if name == c.Sin || name == c.Cos {
			return true
		}
	}
	return false
}

// sameSet reports whether a and b hold the same names, ignoring order.
// Duplicates make the sets differ.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, n := range a {
		seen[n]++
	}
	for _, n := range b {
		seen[n]--
		if seen[n] < 0 {
			return false
		}
	}
	return true
}

// diffNames returns the names of want not present in have, in want order.
func diffNames(want, have []string) []string {
	set := make(map[string]bool, len(have))
	for _, n := range have {
		set[n] = true
	}
	var out []string
	for _, n := range want {
		if !set[n] {
			out = append(out, n)
		}
	}
	return out
}
