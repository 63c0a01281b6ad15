// Package mongodb implements the hub's persistent stores on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "classwatch/internal/shared/errors"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/domain/repository"
	"classwatch/internal/sync/scope"
)

const (
	alertsCollection     = "alerts"
	classroomsCollection = "classrooms"

	defaultPageLimit = 20
	maxPageLimit     = 100
)

// AlertRepository stores alerts and classrooms. Every read takes the
// caller's scope so the bulk query path and the push path filter identically.
type AlertRepository struct {
	alerts     *mongo.Collection
	classrooms *mongo.Collection
	log        logger.Logger
}

// NewAlertRepository creates a repository over the hub database.
func NewAlertRepository(db *mongo.Database, log logger.Logger) *AlertRepository {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &AlertRepository{
		alerts:     db.Collection(alertsCollection),
		classrooms: db.Collection(classroomsCollection),
		log:        log.WithComponent("alert_repository"),
	}
}

// ListAlerts returns one page of alerts visible under the scope.
func (r *AlertRepository) ListAlerts(ctx context.Context, sc scope.Descriptor, filters map[string]string, page, limit int) (*model.Page, error) {
	filter := bson.M{}
	for name, v := range filters {
		switch name {
		case "status":
			filter["status"] = v
		case "severity":
			filter["severity"] = v
		case "classroomId":
			filter["classroom_id"] = v
		case "type":
			filter["type"] = v
		}
	}
	if !sc.Unrestricted() {
		filter["classroom_id"] = bson.M{"$in": sc.AllowedIDs()}
		// A classroomId filter outside the scope must yield nothing, not
		// bypass the restriction.
		if want, ok := filters["classroomId"]; ok {
			if !sc.Allows(want) {
				return emptyPage(page, limit), nil
			}
			filter["classroom_id"] = want
		}
	}

	return r.findPage(ctx, r.alerts, filter, page, limit, decodeAlerts)
}

// ListClassrooms returns one page of classrooms visible under the scope.
func (r *AlertRepository) ListClassrooms(ctx context.Context, sc scope.Descriptor, filters map[string]string, page, limit int) (*model.Page, error) {
	filter := bson.M{}
	if building, ok := filters["building"]; ok {
		filter["building"] = building
	}
	if !sc.Unrestricted() {
		filter["_id"] = bson.M{"$in": sc.AllowedIDs()}
	}

	return r.findPage(ctx, r.classrooms, filter, page, limit, decodeClassrooms)
}

// GetAlert returns one alert regardless of scope; callers check scope.
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	var alert model.Alert
	err := r.alerts.FindOne(ctx, bson.M{"_id": alertID}).Decode(&alert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// CreateAlert inserts a new alert.
func (r *AlertRepository) CreateAlert(ctx context.Context, alert *model.Alert) error {
	now := time.Now()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = now
	if _, err := r.alerts.InsertOne(ctx, alert); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// UpsertClassroom inserts or replaces a classroom.
func (r *AlertRepository) UpsertClassroom(ctx context.Context, room *model.Classroom) error {
	room.UpdatedAt = time.Now()
	opts := options.Replace().SetUpsert(true)
	if _, err := r.classrooms.ReplaceOne(ctx, bson.M{"_id": room.ID}, room, opts); err != nil {
		return fmt.Errorf("upsert classroom %s: %w", room.ID, err)
	}
	return nil
}

// ApplyAlertAction transitions an alert's status and returns the updated
// document. Unknown ids map to ErrAlertNotFound.
func (r *AlertRepository) ApplyAlertAction(ctx context.Context, alertID, action string) (*model.Alert, error) {
	status, err := statusForAction(action)
	if err != nil {
		return nil, err
	}

	update := bson.M{"$set": bson.M{"status": status, "updated_at": time.Now()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var alert model.Alert
	err = r.alerts.FindOneAndUpdate(ctx, bson.M{"_id": alertID}, update, opts).Decode(&alert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// SetDeviceStatus flips a classroom's device flag and returns the updated
// document.
func (r *AlertRepository) SetDeviceStatus(ctx context.Context, classroomID string, online bool) (*model.Classroom, error) {
	update := bson.M{"$set": bson.M{"device_online": online, "updated_at": time.Now()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var room model.Classroom
	err := r.classrooms.FindOneAndUpdate(ctx, bson.M{"_id": classroomID}, update, opts).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrClassroomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update classroom %s: %w", classroomID, err)
	}
	return &room, nil
}

// Metrics computes the aggregate counters the dashboard header shows.
func (r *AlertRepository) Metrics(ctx context.Context) (*model.Metrics, error) {
	active, err := r.alerts.CountDocuments(ctx, bson.M{
		"status": bson.M{"$in": []model.AlertStatus{model.AlertStatusNew, model.AlertStatusAcknowledged, model.AlertStatusEscalated}},
	})
	if err != nil {
		return nil, fmt.Errorf("count active alerts: %w", err)
	}

	dayStart := time.Now().Truncate(24 * time.Hour)
	acknowledged, err := r.alerts.CountDocuments(ctx, bson.M{
		"status":     model.AlertStatusAcknowledged,
		"updated_at": bson.M{"$gte": dayStart},
	})
	if err != nil {
		return nil, fmt.Errorf("count acknowledged alerts: %w", err)
	}

	online, err := r.classrooms.CountDocuments(ctx, bson.M{"device_online": true})
	if err != nil {
		return nil, fmt.Errorf("count online devices: %w", err)
	}
	total, err := r.classrooms.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("count classrooms: %w", err)
	}

	return &model.Metrics{
		ActiveAlerts:      int(active),
		AcknowledgedToday: int(acknowledged),
		DevicesOnline:     int(online),
		DevicesTotal:      int(total),
		UpdatedAt:         time.Now().UTC(),
	}, nil
}

type decodeFunc func(ctx context.Context, cursor *mongo.Cursor) ([]model.Entity, error)

func (r *AlertRepository) findPage(ctx context.Context, col *mongo.Collection, filter bson.M, page, limit int, decode decodeFunc) (*model.Page, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	total, err := col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	defer cursor.Close(ctx)

	entities, err := decode(ctx, cursor)
	if err != nil {
		return nil, err
	}

	return &model.Page{
		Data:        entities,
		Total:       int(total),
		Page:        page,
		Limit:       limit,
		HasNext:     page*limit < int(total),
		HasPrevious: page > 1,
	}, nil
}

func decodeAlerts(ctx context.Context, cursor *mongo.Cursor) ([]model.Entity, error) {
	var alerts []model.Alert
	if err := cursor.All(ctx, &alerts); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	entities := make([]model.Entity, len(alerts))
	for i := range alerts {
		entities[i] = &alerts[i]
	}
	return entities, nil
}

func decodeClassrooms(ctx context.Context, cursor *mongo.Cursor) ([]model.Entity, error) {
	var rooms []model.Classroom
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, fmt.Errorf("decode classrooms: %w", err)
	}
	entities := make([]model.Entity, len(rooms))
	for i := range rooms {
		entities[i] = &rooms[i]
	}
	return entities, nil
}

func statusForAction(action string) (model.AlertStatus, error) {
	switch action {
	case repository.ActionAcknowledge:
		return model.AlertStatusAcknowledged, nil
	case repository.ActionResolve:
		return model.AlertStatusResolved, nil
	case repository.ActionFalsePositive:
		return model.AlertStatusFalsePositive, nil
	default:
		return "", apperrors.NewValidationError(fmt.Sprintf("unknown alert action %q", action))
	}
}

func emptyPage(page, limit int) *model.Page {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return &model.Page{Data: []model.Entity{}, Page: page, Limit: limit}
}
