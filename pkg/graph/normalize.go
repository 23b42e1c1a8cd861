package graph

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeText canonicalises a name or keyword for comparison:
// NFKC normalisation, Unicode case folding and whitespace collapsing.
//
//	NormalizeText("  Machine   LEARNING ") == "machine learning"
//	NormalizeText("Ｏｎｃｏｌｏｇｙ")          == "oncology"
func NormalizeText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return folder.String(norm.NFKC.String(s))
}

// NormalizeTopics returns the sorted, de-duplicated normalised topic set.
// Empty entries are dropped. A nil result is returned for an empty set.
func NormalizeTopics(topics []string) []string {
	if len(topics) == 0 {
		return nil
	}
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if n := NormalizeText(t); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// SharedTopics returns the intersection of two normalised, sorted topic sets.
func SharedTopics(a, b []string) []string {
	var shared []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch strings.Compare(a[i], b[j]) {
		case 0:
			shared = append(shared, a[i])
			i++
			j++
		case -1:
			i++
		default:
			j++
		}
	}
	return shared
}

// mergeTopics unions two normalised sorted sets.
func mergeTopics(a, b []string) []string {
	merged := append(slices.Clone(a), b...)
	slices.Sort(merged)
	return slices.Compact(merged)
}

// isSubset reports whether every element of sub is in super (both sorted).
func isSubset(sub, super []string) bool {
	return len(SharedTopics(sub, super)) == len(sub)
}
