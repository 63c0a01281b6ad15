package contextkeys

// contextKey is an unexported type to prevent collisions with context keys defined in
// other packages.
type contextKey string

// String makes contextKey satisfy the Stringer interface to assist with debugging.
func (c contextKey) String() string {
	return "classwatch context key " + string(c)
}

// ViewerIDKey is the key for the viewer identifier in context.Context
const ViewerIDKey = contextKey("viewerID")

// RoleKey is the key for the viewer role in context.Context
const RoleKey = contextKey("role")

// RequestIDKey is the key for the request identifier in context.Context
const RequestIDKey = contextKey("requestID")

// ComponentKey is the key for the originating component in context.Context
const ComponentKey = contextKey("component")

// OperationKey is the key for the current operation in context.Context
const OperationKey = contextKey("operation")
