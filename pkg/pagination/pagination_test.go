package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.After != 0 {
		t.Errorf("expected default after 0, got %d", p.After)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?after=42&limit=50", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.After != 42 {
		t.Errorf("expected after 42, got %d", p.After)
	}
}

func TestParse_Clamps(t *testing.T) {
	tests := []struct {
		after, limit string
		wantAfter    uint64
		wantLimit    int
	}{
		{"", "", 0, DefaultLimit},
		{"-1", "0", 0, DefaultLimit},
		{"abc", "-5", 0, DefaultLimit},
		{"7", "5000", 7, MaxLimit},
	}
	for _, tt := range tests {
		p := Parse(tt.after, tt.limit)
		if p.After != tt.wantAfter || p.Limit != tt.wantLimit {
			t.Errorf("Parse(%q, %q) = %+v, want after=%d limit=%d", tt.after, tt.limit, p, tt.wantAfter, tt.wantLimit)
		}
	}
}

func TestNewResponse(t *testing.T) {
	p := Params{After: 10, Limit: 2}

	full := NewResponse([]int{11, 12}, p, 12, 2)
	if !full.HasMore || full.Next != 12 {
		t.Errorf("expected has_more with next 12, got %+v", full)
	}
	if link := full.NextLink("/api/v1/events"); link != "/api/v1/events?after=12&limit=2" {
		t.Errorf("unexpected next link %s", link)
	}

	empty := NewResponse([]int{}, p, 0, 0)
	if empty.HasMore || empty.Next != 10 {
		t.Errorf("expected empty page to stay at 10, got %+v", empty)
	}
}
