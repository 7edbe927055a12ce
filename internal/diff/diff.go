// Package diff computes dotted-path differences between component trees.
package diff

import (
	"reflect"
	"sort"

	"actionline/internal/domain"
)

// Compute returns the entries that turn before into after. Nested maps are
// walked; any other value that differs is replaced whole.
func Compute(before, after map[string]any) []domain.DiffEntry {
	var out []domain.DiffEntry
	walk("", before, after, &out)
	return out
}

func walk(prefix string, before, after map[string]any, out *[]domain.DiffEntry) {
	keys := make([]string, 0, len(before)+len(after))
	seen := map[string]bool{}
	for k := range before {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range after {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := join(prefix, k)
		bv, inBefore := before[k]
		av, inAfter := after[k]
		switch {
		case !inAfter:
			*out = append(*out, domain.DiffEntry{Op: domain.DiffRemove, Path: path})
		case !inBefore:
			*out = append(*out, domain.DiffEntry{Op: domain.DiffAdd, Path: path, Value: domain.CloneValue(av)})
		default:
			bm, bok := bv.(map[string]any)
			am, aok := av.(map[string]any)
			if bok && aok {
				walk(path, bm, am, out)
				continue
			}
			if !equal(bv, av) {
				*out = append(*out, domain.DiffEntry{Op: domain.DiffReplace, Path: path, Value: domain.CloneValue(av)})
			}
		}
	}
}

// equal treats numbers of different Go types as equal when their values match,
// since components may come from JSON (float64) or from handlers (int).
func equal(a, b any) bool {
	af, aok := domain.ToFloat(a)
	bf, bok := domain.ToFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
