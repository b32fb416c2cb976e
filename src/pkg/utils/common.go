package utils

import (
	"cmp"
	"maps"
	"slices"
)

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
