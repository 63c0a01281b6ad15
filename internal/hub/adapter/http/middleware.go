package http

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"classwatch/internal/hub/session"
	"classwatch/internal/shared/contextkeys"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/scope"
)

const viewerLocalKey = "viewer"

// ViewerMiddleware authenticates dashboard requests and resolves the viewer's
// scope once per request. Handlers read both back through ViewerFromCtx.
type ViewerMiddleware struct {
	tokens *session.TokenService
}

func NewViewerMiddleware(tokens *session.TokenService) *ViewerMiddleware {
	return &ViewerMiddleware{tokens: tokens}
}

// CORS middleware for the dashboard origin
func (m *ViewerMiddleware) CORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins: "http://localhost:3000,http://localhost:5173",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	})
}

// RequestID middleware
func (m *ViewerMiddleware) RequestID() fiber.Handler {
	return requestid.New(requestid.Config{
		Header:     "X-Request-ID",
		ContextKey: string(contextkeys.RequestIDKey),
	})
}

// Protect returns middleware that requires a valid viewer token.
func (m *ViewerMiddleware) Protect() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := m.extractToken(c)
		if err != nil {
			return writeError(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
		}

		viewer, err := m.tokens.Parse(token)
		if err != nil {
			return writeError(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Invalid token", nil)
		}

		c.Locals(viewerLocalKey, viewer)

		ctx := c.UserContext()
		ctx = context.WithValue(ctx, contextkeys.ViewerIDKey, viewer.ID)
		ctx = context.WithValue(ctx, contextkeys.RoleKey, string(viewer.Role))
		c.SetUserContext(ctx)

		return c.Next()
	}
}

// ViewerFromCtx returns the authenticated viewer and its resolved scope.
func ViewerFromCtx(c *fiber.Ctx) (model.Viewer, scope.Descriptor, bool) {
	viewer, ok := c.Locals(viewerLocalKey).(model.Viewer)
	if !ok {
		return model.Viewer{}, scope.Descriptor{}, false
	}
	return viewer, scope.Resolve(viewer), true
}

// extractToken reads the token from the Authorization header, falling back to
// the query parameter used by WebSocket upgrade requests.
func (m *ViewerMiddleware) extractToken(c *fiber.Ctx) (string, error) {
	authHeader := c.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer "), nil
	}

	if token := c.Query("token"); token != "" {
		return token, nil
	}

	return "", fiber.NewError(fiber.StatusUnauthorized, "No authentication token found")
}

// writeError renders the standard error envelope.
func writeError(c *fiber.Ctx, status int, code, message string, details map[string]interface{}) error {
	body := fiber.Map{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	return c.Status(status).JSON(fiber.Map{"error": body})
}
