package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/domain/ledgererr"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.RegisterPatient)
	api.GET("/patients/:address", h.GetPatient)
	api.GET("/patients/by-id/:id", h.GetPatientByID)

	api.POST("/doctors", h.RegisterDoctor)
	api.GET("/doctors/:address", h.GetDoctor)
	api.GET("/doctors/by-id/:id", h.GetDoctorByID)

	api.POST("/patients/:id/records", h.AddMedicalRecord)
	api.GET("/patients/:id/records", h.GetMedicalRecords)

	api.GET("/patients/:id/access", h.ListGrantees)
	api.PUT("/patients/:id/access/:doctor", h.GrantAccess)
	api.DELETE("/patients/:id/access/:doctor", h.RevokeAccess)
	api.GET("/patients/:id/access/:doctor", h.CheckAccess)

	api.GET("/events", h.ListEvents)
	api.GET("/events/verify", h.VerifyAuditTrail)
}

// toHTTPError maps ledger failures onto status codes. Anything outside the
// taxonomy is an internal error and its text is not echoed back.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ledgererr.ErrAlreadyRegistered):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ledgererr.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledgererr.ErrNotOwner), errors.Is(err, ledgererr.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ledgererr.ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func caller(c echo.Context) (string, error) {
	addr := auth.CallerFromContext(c.Request().Context())
	if addr == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing caller address")
	}
	return addr, nil
}

// -- Identity Handlers --

type registerPatientRequest struct {
	PatientID string `json:"patient_id"`
}

type registerDoctorRequest struct {
	DoctorID       string `json:"doctor_id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	addr, err := caller(c)
	if err != nil {
		return err
	}
	var req registerPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.RegisterPatient(c.Request().Context(), addr, req.PatientID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("address"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatientByID(c echo.Context) error {
	p, err := h.svc.GetPatientByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RegisterDoctor(c echo.Context) error {
	addr, err := caller(c)
	if err != nil {
		return err
	}
	var req registerDoctorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.RegisterDoctor(c.Request().Context(), addr, req.DoctorID, req.Name, req.Specialization)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	d, err := h.svc.GetDoctor(c.Request().Context(), c.Param("address"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetDoctorByID(c echo.Context) error {
	d, err := h.svc.GetDoctorByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Record Handlers --

type addRecordRequest struct {
	RecordID string `json:"record_id"`
	Data     string `json:"data"`
}

func (h *Handler) AddMedicalRecord(c echo.Context) error {
	addr, err := caller(c)
	if err != nil {
		return err
	}
	var req addRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.AddMedicalRecord(c.Request().Context(), addr, c.Param("id"), req.RecordID, req.Data)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetMedicalRecords(c echo.Context) error {
	addr, err := caller(c)
	if err != nil {
		return err
	}
	recs, err := h.svc.GetMedicalRecords(c.Request().Context(), addr, c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, recs)
}

// -- Access Handlers --

func (h *Handler) GrantAccess(c echo.Context) error {
	addr, err := caller(c)
	if err != nil {
		return err
	}
	if err := h.svc.GrantAccess(c.Request().Context(), addr, c.Param("id"), c.Param("doctor")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RevokeAccess(c echo.Context) error {
	addr, err := caller(c)
	if err != nil {
		return err
	}
	if err := h.svc.RevokeAccess(c.Request().Context(), addr, c.Param("id"), c.Param("doctor")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CheckAccess(c echo.Context) error {
	ok, err := h.svc.CheckAccess(c.Request().Context(), c.Param("id"), c.Param("doctor"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"granted": ok})
}

func (h *Handler) ListGrantees(c echo.Context) error {
	addr, err := caller(c)
	if err != nil {
		return err
	}
	doctors, err := h.svc.ListGrantees(c.Request().Context(), addr, c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id": c.Param("id"),
		"doctors":    doctors,
	})
}

// -- Audit Handlers --

func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	events, err := h.svc.Events(c.Request().Context(), pg.After, pg.Limit)
	if err != nil {
		return toHTTPError(err)
	}
	var last uint64
	if len(events) > 0 {
		last = events[len(events)-1].Seq
	}
	resp := pagination.NewResponse(events, pg, last, len(events))
	if resp.HasMore {
		c.Response().Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, resp.NextLink(c.Request().URL.Path)))
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) VerifyAuditTrail(c echo.Context) error {
	report, err := h.svc.VerifyAuditTrail(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}
