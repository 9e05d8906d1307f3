// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package helper

import (
	"maps"
	"time"
)

// SliceSetEq returns true if slices a and b contain the same elements,
// ignoring order and duplicates.
func SliceSetEq[T comparable](a, b []T) bool {
	set := make(map[T]struct{}, len(a))
	for _, item := range a {
		set[item] = struct{}{}
	}
	for _, item := range b {
		if _, ok := set[item]; !ok {
			return false
		}
	}
	other := make(map[T]struct{}, len(b))
	for _, item := range b {
		other[item] = struct{}{}
	}
	for _, item := range a {
		if _, ok := other[item]; !ok {
			return false
		}
	}
	return true
}

// CopyMap creates a copy of m. Struct values are shallow copied.
func CopyMap[M ~map[K]V, K comparable, V any](m M) M {
	if len(m) == 0 {
		return nil
	}
	result := make(M, len(m))
	maps.Copy(result, m)
	return result
}

// NewStoppedTimer returns a timer that's stopped and a cleanup function to
// prevent leaks, so that it can be deferred in one line.
func NewStoppedTimer() (*time.Timer, func() bool) {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer, timer.Stop
}

// IsTruthy reports whether v would be considered a non-empty value for the
// purposes of field extraction: nil, empty strings, zero numbers, false and
// empty collections are all falsy.
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
