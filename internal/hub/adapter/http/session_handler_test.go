package http_test

import (
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hubhttp "classwatch/internal/hub/adapter/http"
	"classwatch/internal/hub/session"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
)

type sessionFixture struct {
	app    *fiber.App
	tokens *session.TokenService
}

func newSessionFixture(t *testing.T, directorPIN string) *sessionFixture {
	t.Helper()

	hash := ""
	if directorPIN != "" {
		var err error
		hash, err = session.HashPIN(directorPIN)
		require.NoError(t, err)
	}

	tokens := session.NewTokenService("test-secret", time.Hour)
	handler := hubhttp.NewSessionHandler(tokens, hash, &logger.NopLogger{})
	middleware := hubhttp.NewViewerMiddleware(tokens)

	app := fiber.New()
	public := app.Group("/api/v1")
	protected := app.Group("/api/v1", middleware.Protect())
	handler.RegisterRoutes(public, protected)

	return &sessionFixture{app: app, tokens: tokens}
}

func TestSessionHandler_ProfessorLogin(t *testing.T) {
	f := newSessionFixture(t, "4821")
	hf := &handlerFixture{app: f.app, tokens: f.tokens}

	resp := hf.request(t, fiber.MethodPost, "/api/v1/session/login", nil, map[string]interface{}{
		"viewerId":             "prof-garcia",
		"role":                 "professor",
		"assignedClassroomIds": []string{"room-101", "room-102"},
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Token  string       `json:"token"`
		Viewer model.Viewer `json:"viewer"`
	}
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.Token)
	assert.Equal(t, model.RoleProfessor, body.Viewer.Role)

	parsed, err := f.tokens.Parse(body.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{"room-101", "room-102"}, parsed.AssignedClassroomIDs)
}

func TestSessionHandler_DirectorLoginRequiresPIN(t *testing.T) {
	f := newSessionFixture(t, "4821")
	hf := &handlerFixture{app: f.app, tokens: f.tokens}

	resp := hf.request(t, fiber.MethodPost, "/api/v1/session/login", nil, map[string]interface{}{
		"viewerId": "dir-okafor",
		"role":     "director",
	})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = hf.request(t, fiber.MethodPost, "/api/v1/session/login", nil, map[string]interface{}{
		"viewerId": "dir-okafor",
		"role":     "director",
		"pin":      "4821",
	})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestSessionHandler_DirectorLoginDisabledWithoutHash(t *testing.T) {
	f := newSessionFixture(t, "")
	hf := &handlerFixture{app: f.app, tokens: f.tokens}

	resp := hf.request(t, fiber.MethodPost, "/api/v1/session/login", nil, map[string]interface{}{
		"viewerId": "dir-okafor",
		"role":     "director",
		"pin":      "anything",
	})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode,
		"role elevation is disabled when no PIN hash is configured")
}

func TestSessionHandler_LoginValidation(t *testing.T) {
	f := newSessionFixture(t, "4821")
	hf := &handlerFixture{app: f.app, tokens: f.tokens}

	resp := hf.request(t, fiber.MethodPost, "/api/v1/session/login", nil, map[string]interface{}{
		"viewerId": "prof-garcia",
		"role":     "janitor",
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = hf.request(t, fiber.MethodPost, "/api/v1/session/login", nil, map[string]interface{}{
		"role": "professor",
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestSessionHandler_SwitchRoleElevation(t *testing.T) {
	f := newSessionFixture(t, "4821")
	hf := &handlerFixture{app: f.app, tokens: f.tokens}
	professor := professorOf("room-101")

	resp := hf.request(t, fiber.MethodPost, "/api/v1/session/role", professor, map[string]interface{}{
		"role": "director",
	})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode, "elevating without the PIN is rejected")

	resp = hf.request(t, fiber.MethodPost, "/api/v1/session/role", professor, map[string]interface{}{
		"role": "director",
		"pin":  "4821",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Token  string       `json:"token"`
		Viewer model.Viewer `json:"viewer"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, model.RoleDirector, body.Viewer.Role)

	parsed, err := f.tokens.Parse(body.Token)
	require.NoError(t, err)
	assert.Equal(t, "prof-garcia", parsed.ID, "identity carries over across the switch")
	assert.Equal(t, []string{"room-101"}, parsed.AssignedClassroomIDs)
}

func TestSessionHandler_StepDownNeedsNoPIN(t *testing.T) {
	f := newSessionFixture(t, "4821")
	hf := &handlerFixture{app: f.app, tokens: f.tokens}

	resp := hf.request(t, fiber.MethodPost, "/api/v1/session/role", director, map[string]interface{}{
		"role": "professor",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Viewer model.Viewer `json:"viewer"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, model.RoleProfessor, body.Viewer.Role)
}

func TestSessionHandler_SwitchRoleUnauthenticated(t *testing.T) {
	f := newSessionFixture(t, "4821")
	hf := &handlerFixture{app: f.app, tokens: f.tokens}

	resp := hf.request(t, fiber.MethodPost, "/api/v1/session/role", nil, map[string]interface{}{
		"role": "director",
		"pin":  "4821",
	})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
