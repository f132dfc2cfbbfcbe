// Package partition splits the configured partition values across workers.
package partition

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoPartitions is returned when there is nothing to assign.
var ErrNoPartitions = errors.New("no partition values configured")

// Assign divides values into contiguous groups, one per worker. The first
// len(values)%workers workers receive one extra value. Workers beyond the
// number of values are not assigned and do not appear in the result.
//
// The returned map is keyed by zero-based worker index.
func Assign(values []string, workers int) (map[int][]string, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workers)
	}
	values, err := Normalize(values)
	if err != nil {
		return nil, err
	}
	n := workers
	if n > len(values) {
		n = len(values)
	}
	per, extra := len(values)/n, len(values)%n
	out := make(map[int][]string, n)
	start := 0
	for i := 0; i < n; i++ {
		size := per
		if i < extra {
			size++
		}
		group := make([]string, size)
		copy(group, values[start:start+size])
		out[i] = group
		start += size
	}
	return out, nil
}

// Normalize trims values, drops empties and rejects duplicates while
// preserving order.
func Normalize(values []string) ([]string, error) {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			return nil, fmt.Errorf("duplicate partition value %q", v)
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, ErrNoPartitions
	}
	return out, nil
}

// Parse splits a comma separated CLI value, trimming spaces and dropping
// empty items. It returns nil when nothing is left.
func Parse(csv string) []string {
	var out []string
	for _, v := range strings.Split(csv, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
