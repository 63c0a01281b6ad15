// Package scope computes which entities a viewer may observe. Both the
// client-side sync coordinator and the hub's query and push paths filter
// through this one resolver, so pull and push can never disagree about
// visibility.
package scope

import (
	"sort"
	"strings"

	"classwatch/internal/sync/domain/model"
)

// Descriptor is the resolved permission scope of one viewer: either
// unrestricted or a finite set of classroom ids.
type Descriptor struct {
	unrestricted bool
	allowed      map[string]struct{}
	fingerprint  string
}

// Resolve computes the Descriptor for a viewer. Pure function, no I/O: a
// director observes everything, a professor only their assigned classrooms.
func Resolve(v model.Viewer) Descriptor {
	if v.Role.Unrestricted() {
		return Descriptor{unrestricted: true, fingerprint: "*"}
	}

	allowed := make(map[string]struct{}, len(v.AssignedClassroomIDs))
	ids := make([]string, 0, len(v.AssignedClassroomIDs))
	for _, id := range v.AssignedClassroomIDs {
		if id == "" {
			continue
		}
		if _, dup := allowed[id]; dup {
			continue
		}
		allowed[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return Descriptor{
		allowed:     allowed,
		fingerprint: "ids:" + strings.Join(ids, ","),
	}
}

// Allows reports whether an entity scoped under the given classroom id is
// observable. This is checked on every bulk query row and on every inbound
// push event; skipping the event path would leak restricted data through the
// side channel even with correct query filtering.
func (d Descriptor) Allows(scopeID string) bool {
	if d.unrestricted {
		return true
	}
	_, ok := d.allowed[scopeID]
	return ok
}

// Unrestricted reports whether the scope covers every entity.
func (d Descriptor) Unrestricted() bool {
	return d.unrestricted
}

// Fingerprint is a stable string identifying this scope. It participates in
// cache keys: the same filters under two different scopes must never share a
// cache entry.
func (d Descriptor) Fingerprint() string {
	return d.fingerprint
}

// AllowedIDs returns the sorted classroom ids for a restricted scope, or nil
// when unrestricted.
func (d Descriptor) AllowedIDs() []string {
	if d.unrestricted {
		return nil
	}
	ids := make([]string, 0, len(d.allowed))
	for id := range d.allowed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FilterPage drops every row the scope does not allow. Used by the hub's bulk
// query path and by mock data sources.
func (d Descriptor) FilterPage(entities []model.Entity) []model.Entity {
	if d.unrestricted {
		return entities
	}
	kept := make([]model.Entity, 0, len(entities))
	for _, e := range entities {
		if d.Allows(e.ScopeID()) {
			kept = append(kept, e)
		}
	}
	return kept
}
