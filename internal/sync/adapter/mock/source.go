// Package mock implements an in-memory DataSource for demos and offline
// development. Scope filtering and pagination behave exactly like the live
// hub so switching API modes never changes sync semantics.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "classwatch/internal/shared/errors"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/domain/repository"
	"classwatch/internal/sync/scope"

	"github.com/google/uuid"
)

// Source serves fixture data with the hub's pagination envelope semantics.
type Source struct {
	mu         sync.Mutex
	scope      scope.Descriptor
	alerts     map[string]*model.Alert
	classrooms map[string]*model.Classroom
	now        func() time.Time
}

var _ repository.DataSource = (*Source)(nil)

// NewSource creates a source scoped to the given viewer.
func NewSource(sc scope.Descriptor) *Source {
	return &Source{
		scope:      sc,
		alerts:     make(map[string]*model.Alert),
		classrooms: make(map[string]*model.Classroom),
		now:        time.Now,
	}
}

// NewSeededSource creates a source pre-populated with demo classrooms and
// alerts.
func NewSeededSource(sc scope.Descriptor) *Source {
	s := NewSource(sc)
	rooms := []model.Classroom{
		{ID: "room-101", Name: "Physics Lab", Building: "A", Floor: 1, Capacity: 32, DeviceOnline: true},
		{ID: "room-102", Name: "Chemistry Lab", Building: "A", Floor: 1, Capacity: 28, DeviceOnline: true},
		{ID: "room-201", Name: "Lecture Hall", Building: "B", Floor: 2, Capacity: 120, DeviceOnline: false},
		{ID: "room-305", Name: "Workshop", Building: "C", Floor: 3, Capacity: 20, DeviceOnline: true},
	}
	for i := range rooms {
		rooms[i].UpdatedAt = s.now()
		s.AddClassroom(&rooms[i])
	}

	alerts := []model.Alert{
		{ClassroomID: "room-101", Type: "smoke", Severity: model.SeverityCritical, Status: model.AlertStatusNew, Message: "Smoke detected near workbench 3"},
		{ClassroomID: "room-102", Type: "gas", Severity: model.SeverityWarning, Status: model.AlertStatusNew, Message: "Gas concentration above baseline"},
		{ClassroomID: "room-201", Type: "panic-button", Severity: model.SeverityCritical, Status: model.AlertStatusAcknowledged, Message: "Panic button pressed at lectern"},
		{ClassroomID: "room-305", Type: "noise", Severity: model.SeverityInfo, Status: model.AlertStatusResolved, Message: "Sustained noise spike"},
	}
	for i := range alerts {
		alerts[i].ID = uuid.NewString()
		alerts[i].CreatedAt = s.now()
		alerts[i].UpdatedAt = s.now()
		s.AddAlert(&alerts[i])
	}
	return s
}

// AddAlert inserts or replaces an alert fixture.
func (s *Source) AddAlert(a *model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts[a.ID] = &cp
}

// AddClassroom inserts or replaces a classroom fixture.
func (s *Source) AddClassroom(c *model.Classroom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.classrooms[c.ID] = &cp
}

// FetchPage implements repository.DataSource.
func (s *Source) FetchPage(ctx context.Context, q model.QueryKey) (*model.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Entity
	switch q.Kind {
	case model.KindAlert:
		for _, a := range s.alerts {
			all = append(all, a.Clone())
		}
	case model.KindClassroom:
		for _, c := range s.classrooms {
			all = append(all, c.Clone())
		}
	default:
		return nil, apperrors.ErrInvalidQuery
	}

	all = s.scope.FilterPage(all)
	all = filterEntities(all, q.Filters)
	sort.Slice(all, func(i, j int) bool { return all[i].EntityID() < all[j].EntityID() })

	page, limit := q.Page, q.Limit
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	total := len(all)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &model.Page{
		Data:        all[start:end],
		Total:       total,
		Page:        page,
		Limit:       limit,
		HasNext:     end < total,
		HasPrevious: page > 1,
	}, nil
}

// AlertAction implements repository.DataSource.
func (s *Source) AlertAction(ctx context.Context, alertID, action string) (model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[alertID]
	if !ok || !s.scope.Allows(alert.ClassroomID) {
		return nil, apperrors.NewNotFoundError("alert").WithDetail("alertId", alertID)
	}

	switch action {
	case repository.ActionAcknowledge:
		alert.Status = model.AlertStatusAcknowledged
	case repository.ActionResolve:
		alert.Status = model.AlertStatusResolved
	case repository.ActionFalsePositive:
		alert.Status = model.AlertStatusFalsePositive
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown alert action %q", action))
	}
	alert.UpdatedAt = s.now()

	return alert.Clone(), nil
}

// filterEntities applies exact-match filters against the entities' JSON
// field names, the same contract the hub's query parameters use.
func filterEntities(entities []model.Entity, filters map[string]string) []model.Entity {
	if len(filters) == 0 {
		return entities
	}
	kept := entities[:0]
	for _, e := range entities {
		if entityMatches(e, filters) {
			kept = append(kept, e)
		}
	}
	return kept
}

func entityMatches(e model.Entity, filters map[string]string) bool {
	for name, want := range filters {
		var got string
		switch v := e.(type) {
		case *model.Alert:
			switch name {
			case "status":
				got = string(v.Status)
			case "severity":
				got = string(v.Severity)
			case "classroomId":
				got = v.ClassroomID
			case "type":
				got = v.Type
			default:
				return false
			}
		case *model.Classroom:
			switch name {
			case "building":
				got = v.Building
			default:
				return false
			}
		}
		if got != want {
			return false
		}
	}
	return true
}
