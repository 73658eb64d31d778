// Package utils holds small helpers shared by the HTTP and service layers.
package utils

import (
	"strconv"
	"strings"
)

// Page bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s, returning def when s is empty or not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage reads 1-based page and page size query values. Missing or
// invalid values take the defaults; the size is clamped to [1, MaxPageSize].
func ParsePage(page, size string) (int, int) {
	p := AtoiDefault(strings.TrimSpace(page), 1)
	if p < 1 {
		p = 1
	}
	s := AtoiDefault(strings.TrimSpace(size), DefaultPageSize)
	switch {
	case s < 1:
		s = 1
	case s > MaxPageSize:
		s = MaxPageSize
	}
	return p, s
}

// Offset returns the row offset of a 1-based page.
func Offset(page, size int) int {
	if page < 1 || size < 1 {
		return 0
	}
	return (page - 1) * size
}

// TotalPages returns how many pages of size hold total rows.
func TotalPages(total int64, size int) int {
	if size < 1 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
