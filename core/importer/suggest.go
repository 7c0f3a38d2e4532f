package importer

import (
	"sort"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
)

const suggestMinRatio = .8

// SuggestMapping proposes a target field for the columns whose name looks like one.
// Each target is proposed for at most one column: the closest match wins.
func SuggestMapping(columns []string) FieldMapping {
	type candidate struct {
		column string
		target TargetField
		ratio  float64
	}

	var candidates []candidate
	for _, col := range columns {
		name := normalizeHeader(col)
		if name == "" {
			continue
		}
		for _, f := range Fields {
			ratio := similarity(name, string(f.Field))
			if alt := similarity(name, normalizeHeader(f.Label)); alt > ratio {
				ratio = alt
			}
			if ratio >= suggestMinRatio {
				candidates = append(candidates, candidate{column: col, target: f.Field, ratio: ratio})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].ratio > candidates[j].ratio })

	fm := make(FieldMapping)
	taken := make(map[TargetField]bool)
	for _, c := range candidates {
		if _, mapped := fm[c.column]; mapped || taken[c.target] {
			continue
		}
		fm[c.column] = c.target
		taken[c.target] = true
	}
	return fm
}

func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	sm := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return sm.Ratio()
}

// normalizeHeader lowers s and collapses any run of non alphanumeric characters into "_".
func normalizeHeader(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
			continue
		}
		sep = true
	}
	return b.String()
}
