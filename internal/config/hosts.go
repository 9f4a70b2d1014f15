package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ExpandHosts expands a host pattern with at most one bracket group:
// "node-[01-03,07]-ib" yields node-01-ib, node-02-ib, node-03-ib and
// node-07-ib. Zero padding follows the width of the range start. A pattern
// without brackets is returned as is.
func ExpandHosts(pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("config: empty host name")
	}
	open := strings.IndexByte(pattern, '[')
	if open < 0 {
		if strings.ContainsRune(pattern, ']') {
			return nil, fmt.Errorf("config: unbalanced bracket in %q", pattern)
		}
		return []string{pattern}, nil
	}
	end := strings.IndexByte(pattern[open:], ']')
	if end < 0 {
		return nil, fmt.Errorf("config: unbalanced bracket in %q", pattern)
	}
	end += open
	prefix, body, suffix := pattern[:open], pattern[open+1:end], pattern[end+1:]
	if strings.ContainsAny(suffix, "[]") {
		return nil, fmt.Errorf("config: only one bracket group supported in %q", pattern)
	}

	var out []string
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		lo, hi, found := strings.Cut(part, "-")
		if !found {
			hi = lo
		}
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("config: bad range %q in %q", part, pattern)
		}
		last, err := strconv.Atoi(hi)
		if err != nil || last < first {
			return nil, fmt.Errorf("config: bad range %q in %q", part, pattern)
		}
		width := len(lo)
		for n := first; n <= last; n++ {
			out = append(out, fmt.Sprintf("%s%0*d%s", prefix, width, n, suffix))
		}
	}
	return out, nil
}
