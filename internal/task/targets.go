package task

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTargets expands CLI id arguments such as "3", "1-4" or "2,5" into a
// de-duplicated list in first-seen order.
func ParseTargets(args []string) ([]int64, error) {
	var out []int64
	seen := make(map[int64]bool)
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			lo, hi, isRange := strings.Cut(part, "-")
			if !isRange {
				id, err := parseID(part)
				if err != nil {
					return nil, err
				}
				add(id)
				continue
			}
			first, err := parseID(lo)
			if err != nil {
				return nil, err
			}
			last, err := parseID(hi)
			if err != nil {
				return nil, err
			}
			if first > last {
				return nil, fmt.Errorf("%w: range %q is reversed", ErrInvalidTarget, part)
			}
			for id := first; id <= last; id++ {
				add(id)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no task ids given", ErrInvalidTarget)
	}
	return out, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q is not a task id", ErrInvalidTarget, s)
	}
	return id, nil
}
