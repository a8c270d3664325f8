// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is a normalized page request.
type Page struct {
	Page     int
	PageSize int
}

// Offset returns the row offset of the page.
func (p Page) Offset() int { return (p.Page - 1) * p.PageSize }

// ParsePage reads page and page_size query values, clamping page to >= 1
// and page size to [1, maxSize].
func ParsePage(page, size string, defSize, maxSize int) Page {
	p := Page{Page: AtoiDefault(page, 1), PageSize: AtoiDefault(size, defSize)}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = defSize
	}
	if p.PageSize > maxSize {
		p.PageSize = maxSize
	}
	return p
}
