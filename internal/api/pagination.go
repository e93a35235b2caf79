package api

import (
	"net/url"
	"strconv"
)

const (
	// MaxLimit is the maximum number of records allowed per page
	MaxLimit = 100
	// DefaultPage is the page number used when none is given
	DefaultPage = 1
	// DefaultLimit is the page size used when none is given
	DefaultLimit = 20
	// MaxPage is the highest page number accepted
	MaxPage = 100000
)

// pageParams extracts page and limit from the query string.
// Non-numeric or non-positive values fall back to the defaults and the
// limit and page are capped at MaxLimit and MaxPage.
func pageParams(q url.Values) (page, limit int) {
	page, limit = DefaultPage, DefaultLimit

	if raw := q.Get("page"); raw != "" {
		if val, err := strconv.Atoi(raw); err == nil && val > 0 {
			page = val
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if val, err := strconv.Atoi(raw); err == nil && val > 0 {
			limit = val
		}
	}

	// enforce max limit
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if page > MaxPage {
		page = MaxPage
	}
	return page, limit
}
