package repository

import (
	"context"

	"classwatch/internal/sync/domain/model"
)

// Alert actions accepted by the hub's mutation endpoints.
const (
	ActionAcknowledge   = "acknowledge"
	ActionResolve       = "resolve"
	ActionFalsePositive = "false-positive"
)

// DataSource is the pull side of the sync engine: paginated reads and alert
// mutations. The live implementation talks to the hub's REST API; the mock
// implementation serves in-memory fixtures. Which one runs is a configuration
// choice that must not change scoping or reconciliation behavior.
type DataSource interface {
	// FetchPage loads one page of a collection matching the query's filters.
	FetchPage(ctx context.Context, q model.QueryKey) (*model.Page, error)

	// AlertAction performs a status mutation on one alert and returns the
	// authoritative updated entity. An unknown id yields a NotFound error.
	AlertAction(ctx context.Context, alertID, action string) (model.Entity, error)
}
