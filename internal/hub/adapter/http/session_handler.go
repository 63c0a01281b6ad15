package http

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"classwatch/internal/hub/session"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
)

// SessionHandler issues viewer tokens. Login establishes a professor session
// for the caller's assigned classrooms; assuming the director role requires
// the director PIN on top of an existing session.
type SessionHandler struct {
	tokens          *session.TokenService
	directorPINHash string
	log             logger.Logger
}

func NewSessionHandler(tokens *session.TokenService, directorPINHash string, log logger.Logger) *SessionHandler {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &SessionHandler{
		tokens:          tokens,
		directorPINHash: directorPINHash,
		log:             log.WithComponent("session_handler"),
	}
}

// RegisterRoutes mounts login on the public router and the role switch on the
// protected one.
func (h *SessionHandler) RegisterRoutes(public fiber.Router, protected fiber.Router) {
	public.Post("/session/login", h.Login)
	protected.Post("/session/role", h.SwitchRole)
}

type loginRequest struct {
	ViewerID             string   `json:"viewerId"`
	Role                 string   `json:"role"`
	AssignedClassroomIDs []string `json:"assignedClassroomIds"`
	PIN                  string   `json:"pin"`
}

type tokenResponse struct {
	Token  string       `json:"token"`
	Viewer model.Viewer `json:"viewer"`
}

// Login issues a token for a viewer. Director logins require the PIN.
func (h *SessionHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "Malformed login payload", nil)
	}

	role := model.Role(req.Role)
	if req.ViewerID == "" || !role.Valid() {
		return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "viewerId and a valid role are required", nil)
	}

	if role.Unrestricted() {
		if err := h.checkDirectorPIN(req.PIN); err != nil {
			return writeError(c, fiber.StatusForbidden, "WRONG_PIN", "Director PIN rejected", nil)
		}
	}

	viewer := model.Viewer{
		ID:                   req.ViewerID,
		Role:                 role,
		AssignedClassroomIDs: req.AssignedClassroomIDs,
	}
	token, err := h.tokens.Issue(viewer)
	if err != nil {
		h.log.Error("Failed to issue token", zap.String("viewerId", viewer.ID), zap.Error(err))
		return writeError(c, fiber.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
	}

	h.log.Info("Viewer logged in",
		zap.String("viewerId", viewer.ID), zap.String("role", string(viewer.Role)))
	return c.JSON(tokenResponse{Token: token, Viewer: viewer})
}

type switchRoleRequest struct {
	Role string `json:"role"`
	PIN  string `json:"pin"`
}

// SwitchRole re-issues the caller's token under another role. The viewer id
// and classroom assignments carry over; only the role changes.
func (h *SessionHandler) SwitchRole(c *fiber.Ctx) error {
	viewer, _, ok := ViewerFromCtx(c)
	if !ok {
		return writeError(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
	}

	var req switchRoleRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "Malformed role switch payload", nil)
	}

	role := model.Role(req.Role)
	if !role.Valid() {
		return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "A valid role is required",
			map[string]interface{}{"role": req.Role})
	}

	if role.Unrestricted() && !viewer.Role.Unrestricted() {
		if err := h.checkDirectorPIN(req.PIN); err != nil {
			return writeError(c, fiber.StatusForbidden, "WRONG_PIN", "Director PIN rejected", nil)
		}
	}

	viewer.Role = role
	token, err := h.tokens.Issue(viewer)
	if err != nil {
		h.log.Error("Failed to re-issue token", zap.String("viewerId", viewer.ID), zap.Error(err))
		return writeError(c, fiber.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
	}

	h.log.Info("Viewer switched role",
		zap.String("viewerId", viewer.ID), zap.String("role", string(role)))
	return c.JSON(tokenResponse{Token: token, Viewer: viewer})
}

func (h *SessionHandler) checkDirectorPIN(pin string) error {
	if h.directorPINHash == "" {
		return session.ErrWrongPIN
	}
	return session.VerifyPIN(h.directorPINHash, pin)
}
