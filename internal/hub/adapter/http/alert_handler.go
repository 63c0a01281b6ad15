package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"classwatch/internal/hub/usecase"
	"classwatch/internal/shared/errors"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/domain/repository"
)

// alertFilterParams are the query parameters accepted as alert filters.
var alertFilterParams = []string{"status", "severity", "classroomId", "type"}

// classroomFilterParams are the query parameters accepted as classroom filters.
var classroomFilterParams = []string{"building"}

var validActions = map[string]bool{
	repository.ActionAcknowledge:   true,
	repository.ActionResolve:       true,
	repository.ActionFalsePositive: true,
}

// AlertHandler serves the dashboard REST surface: paginated alert and
// classroom reads plus alert status actions. Device-facing ingest endpoints
// live here too so one handler owns everything that produces push events.
type AlertHandler struct {
	service *usecase.AlertService
	log     logger.Logger
}

func NewAlertHandler(service *usecase.AlertService, log logger.Logger) *AlertHandler {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &AlertHandler{
		service: service,
		log:     log.WithComponent("alert_handler"),
	}
}

// RegisterRoutes mounts the REST routes on a router already guarded by the
// viewer middleware.
func (h *AlertHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/alerts", h.ListAlerts)
	router.Post("/alerts", h.IngestAlert)
	router.Post("/alerts/:id/:action", h.AlertAction)
	router.Get("/classrooms", h.ListClassrooms)
	router.Post("/classrooms/:id/device-status", h.DeviceStatus)
}

// ListAlerts returns a scope-filtered page of alerts.
func (h *AlertHandler) ListAlerts(c *fiber.Ctx) error {
	_, sc, ok := ViewerFromCtx(c)
	if !ok {
		return writeError(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
	}

	page, limit := paginationParams(c)
	result, err := h.service.ListAlerts(c.UserContext(), sc, filterParams(c, alertFilterParams), page, limit)
	if err != nil {
		return h.writeServiceError(c, err)
	}
	return c.JSON(result)
}

// ListClassrooms returns a scope-filtered page of classrooms.
func (h *AlertHandler) ListClassrooms(c *fiber.Ctx) error {
	_, sc, ok := ViewerFromCtx(c)
	if !ok {
		return writeError(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
	}

	page, limit := paginationParams(c)
	result, err := h.service.ListClassrooms(c.UserContext(), sc, filterParams(c, classroomFilterParams), page, limit)
	if err != nil {
		return h.writeServiceError(c, err)
	}
	return c.JSON(result)
}

// AlertAction transitions an alert's status and returns the updated alert.
func (h *AlertHandler) AlertAction(c *fiber.Ctx) error {
	viewer, sc, ok := ViewerFromCtx(c)
	if !ok {
		return writeError(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
	}

	alertID := c.Params("id")
	action := c.Params("action")
	if !validActions[action] {
		return writeError(c, fiber.StatusBadRequest, "INVALID_ACTION", "Unknown alert action",
			map[string]interface{}{"action": action})
	}

	updated, err := h.service.ApplyAction(c.UserContext(), sc, alertID, action)
	if err != nil {
		return h.writeServiceError(c, err)
	}

	h.log.Info("Alert action applied",
		zap.String("alertId", alertID),
		zap.String("action", action),
		zap.String("viewerId", viewer.ID))
	return c.JSON(updated)
}

// IngestAlert records an alert raised by a classroom device.
func (h *AlertHandler) IngestAlert(c *fiber.Ctx) error {
	var alert model.Alert
	if err := c.BodyParser(&alert); err != nil {
		return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "Malformed alert payload", nil)
	}
	if alert.ClassroomID == "" || alert.Type == "" {
		return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "classroomId and type are required", nil)
	}

	created, err := h.service.IngestAlert(c.UserContext(), &alert)
	if err != nil {
		return h.writeServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

// DeviceStatus reports a classroom device going online or offline.
func (h *AlertHandler) DeviceStatus(c *fiber.Ctx) error {
	var body struct {
		Online bool `json:"online"`
	}
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "Malformed device status payload", nil)
	}

	room, err := h.service.ReportDeviceStatus(c.UserContext(), c.Params("id"), body.Online)
	if err != nil {
		return h.writeServiceError(c, err)
	}
	return c.JSON(room)
}

func (h *AlertHandler) writeServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.IsNotFound(err):
		return writeError(c, fiber.StatusNotFound, "NOT_FOUND", "Resource not found", appErrorDetails(err))
	case errors.IsConflict(err):
		return writeError(c, fiber.StatusConflict, "CONFLICT", err.Error(), appErrorDetails(err))
	default:
		h.log.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
		return writeError(c, fiber.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
	}
}

func appErrorDetails(err error) map[string]interface{} {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}

func paginationParams(c *fiber.Ctx) (int, int) {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "0"))
	if page < 1 {
		page = 1
	}
	return page, limit
}

func filterParams(c *fiber.Ctx, names []string) map[string]string {
	filters := make(map[string]string)
	for _, name := range names {
		if v := c.Query(name); v != "" {
			filters[name] = v
		}
	}
	return filters
}
