package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/auth"
)

// AccessEntry describes one API call against the ledger, successful or not.
// Committed state changes are also in the audit trail; this log covers reads
// and rejected attempts too.
type AccessEntry struct {
	RequestID string
	Caller    string
	Resource  string
	PatientID string
	Action    string
	Method    string
	Route     string
	Status    int
	RemoteIP  string
}

// Audit logs an AccessEntry for every /api/v1 request after it completes.
// Denied attempts (401, 403) are logged at warn level.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := AccessEntry{
				Caller:    auth.CallerFromContext(c.Request().Context()),
				Resource:  resourceOf(req.URL.Path),
				PatientID: patientOf(c),
				Action:    actionOf(req.Method),
				Method:    req.Method,
				Route:     c.Path(),
				Status:    c.Response().Status,
				RemoteIP:  c.RealIP(),
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.Status = he.Code
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			evt := logger.Info()
			if entry.Status == http.StatusUnauthorized || entry.Status == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "ledger_access").
				Str("request_id", entry.RequestID).
				Str("caller", entry.Caller).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Int("status", entry.Status).
				Str("remote_ip", entry.RemoteIP).
				Msg("ledger access")

			return err
		}
	}
}

func actionOf(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceOf names the most specific collection in an /api/v1 path, e.g.
// "records" for /api/v1/patients/P1/records.
func resourceOf(path string) string {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return "unknown"
	}
	if segs[0] == "patients" && len(segs) >= 3 && segs[1] != "by-id" {
		return segs[2]
	}
	return segs[0]
}

// patientOf returns the patient the route is scoped to, if any.
func patientOf(c echo.Context) string {
	if strings.HasPrefix(c.Path(), "/api/v1/patients/:id") || c.Path() == "/api/v1/patients/by-id/:id" {
		return c.Param("id")
	}
	return ""
}
