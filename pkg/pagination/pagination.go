// Package pagination reads seq-cursor paging parameters for append-only
// feeds such as the audit trail.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Params selects the entries with seq greater than After, at most Limit of
// them.
type Params struct {
	After uint64
	Limit int
}

// FromContext extracts paging parameters from the query string. Invalid
// values fall back to defaults.
func FromContext(c echo.Context) Params {
	return Parse(c.QueryParam("after"), c.QueryParam("limit"))
}

func Parse(after, limit string) Params {
	a, _ := strconv.ParseUint(after, 10, 64)
	l, _ := strconv.Atoi(limit)
	return Params{After: a, Limit: l}.Normalize()
}

// Normalize clamps Limit into [1, MaxLimit], using DefaultLimit when unset.
func (p Params) Normalize() Params {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Response wraps one page of a feed.
type Response struct {
	Data    interface{} `json:"data"`
	After   uint64      `json:"after"`
	Limit   int         `json:"limit"`
	Next    uint64      `json:"next"`
	HasMore bool        `json:"has_more"`
}

// NewResponse builds a page. lastSeq is the seq of the final entry returned,
// or zero when the page is empty; count is the number of entries.
func NewResponse(data interface{}, p Params, lastSeq uint64, count int) *Response {
	next := p.After
	if count > 0 {
		next = lastSeq
	}
	return &Response{
		Data:    data,
		After:   p.After,
		Limit:   p.Limit,
		Next:    next,
		HasMore: count == p.Limit,
	}
}

// NextLink is the relative URL of the following page.
func (r *Response) NextLink(basePath string) string {
	return fmt.Sprintf("%s?after=%d&limit=%d", basePath, r.Next, r.Limit)
}
