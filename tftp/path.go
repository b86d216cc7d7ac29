package tftp

import "strings"

// NormalizePath collapses ".." components and strips any leading separator
// from a caller-supplied path, producing a path that is always safe to join
// onto a confined root directory.
//
// Ported from the accumulator walk in the original obiwan path normalizer:
// walk components left to right, drop a bare root separator, pop the
// accumulator on ".." if it has a parent, otherwise push the component
// literally. If the result still starts with ".." after the walk, the
// input escaped the root and is rejected.
func NormalizePath(raw string) (normalized string, ok bool) {
	components := strings.Split(raw, "/")

	var acc []string
	for _, c := range components {
		switch c {
		case "":
			// Empty components arise from a leading/trailing/doubled
			// separator; dropping them is equivalent to dropping a bare
			// root separator component.
		case "..":
			if len(acc) > 0 {
				acc = acc[:len(acc)-1]
			} else {
				acc = append(acc, c)
			}
		default:
			acc = append(acc, c)
		}
	}

	result := strings.Join(acc, "/")
	if result == ".." || strings.HasPrefix(result, "../") {
		return "", false
	}
	return result, true
}
