package model

import "time"

// EntityKind identifies a synchronized collection.
type EntityKind string

const (
	KindAlert     EntityKind = "alerts"
	KindClassroom EntityKind = "classrooms"
)

// AlertStatus is the lifecycle state of a safety alert.
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "new"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusFalsePositive AlertStatus = "false_positive"
	AlertStatusEscalated     AlertStatus = "escalated"
)

// AlertSeverity grades how urgent an alert is.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Entity is anything the sync engine caches and patches. An entity's ID never
// changes after creation. ScopeID is the identifier the permission scope is
// checked against: a classroom is scoped by its own ID, an alert by the
// classroom it belongs to.
type Entity interface {
	EntityID() string
	Kind() EntityKind
	ScopeID() string
	// Clone returns a deep copy. Cache patches and mutation snapshots operate
	// on copies so rollback is a plain assignment, never an aliasing hazard.
	Clone() Entity
}

// Alert is a safety alert raised for one classroom.
type Alert struct {
	ID          string        `json:"id" bson:"_id"`
	ClassroomID string        `json:"classroomId" bson:"classroom_id"`
	Type        string        `json:"type" bson:"type"`
	Severity    AlertSeverity `json:"severity" bson:"severity"`
	Status      AlertStatus   `json:"status" bson:"status"`
	Message     string        `json:"message" bson:"message"`
	AssignedTo  string        `json:"assignedTo,omitempty" bson:"assigned_to,omitempty"`
	CreatedAt   time.Time     `json:"createdAt" bson:"created_at"`
	UpdatedAt   time.Time     `json:"updatedAt" bson:"updated_at"`
}

func (a *Alert) EntityID() string { return a.ID }
func (a *Alert) Kind() EntityKind { return KindAlert }
func (a *Alert) ScopeID() string  { return a.ClassroomID }

// Clone implements Entity.
func (a *Alert) Clone() Entity {
	cp := *a
	return &cp
}

// Classroom is a monitored room with safety sensors.
type Classroom struct {
	ID           string    `json:"id" bson:"_id"`
	Name         string    `json:"name" bson:"name"`
	Building     string    `json:"building" bson:"building"`
	Floor        int       `json:"floor" bson:"floor"`
	Capacity     int       `json:"capacity" bson:"capacity"`
	DeviceOnline bool      `json:"deviceOnline" bson:"device_online"`
	UpdatedAt    time.Time `json:"updatedAt" bson:"updated_at"`
}

func (c *Classroom) EntityID() string { return c.ID }
func (c *Classroom) Kind() EntityKind { return KindClassroom }
func (c *Classroom) ScopeID() string  { return c.ID }

// Clone implements Entity.
func (c *Classroom) Clone() Entity {
	cp := *c
	return &cp
}

// Metrics is the aggregate snapshot pushed on the metrics.update topic. It is
// not an Entity: it has no identity and is never cached per query.
type Metrics struct {
	ActiveAlerts      int       `json:"activeAlerts"`
	AcknowledgedToday int       `json:"acknowledgedToday"`
	DevicesOnline     int       `json:"devicesOnline"`
	DevicesTotal      int       `json:"devicesTotal"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Page is one page of a paginated query result, mirroring the hub's REST
// envelope.
type Page struct {
	Data        []Entity `json:"data"`
	Total       int      `json:"total"`
	Page        int      `json:"page"`
	Limit       int      `json:"limit"`
	HasNext     bool     `json:"hasNext"`
	HasPrevious bool     `json:"hasPrevious"`
}

// Clone deep-copies the page, cloning every entity.
func (p *Page) Clone() *Page {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Data = make([]Entity, len(p.Data))
	for i, e := range p.Data {
		cp.Data[i] = e.Clone()
	}
	return &cp
}

// IndexOf returns the position of the entity with the given id, or -1.
func (p *Page) IndexOf(entityID string) int {
	for i, e := range p.Data {
		if e.EntityID() == entityID {
			return i
		}
	}
	return -1
}
