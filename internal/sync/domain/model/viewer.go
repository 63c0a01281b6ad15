package model

// Role is the dashboard role a session runs under. A professor only observes
// the classrooms assigned to them; a director observes everything.
type Role string

const (
	RoleProfessor Role = "professor"
	RoleDirector  Role = "director"
)

// Unrestricted reports whether the role may observe every classroom.
func (r Role) Unrestricted() bool {
	return r == RoleDirector
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleProfessor || r == RoleDirector
}

// Viewer is the current session's identity as far as scoping is concerned:
// a role plus the static classroom assignment list known at session start.
type Viewer struct {
	ID                   string   `json:"id"`
	Role                 Role     `json:"role"`
	AssignedClassroomIDs []string `json:"assignedClassroomIds,omitempty"`
}
