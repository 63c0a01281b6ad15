// Package rest implements the live DataSource against the hub's HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "classwatch/internal/shared/errors"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/domain/repository"
)

// pageEnvelope mirrors the hub's list response with the payload still raw so
// it can be decoded per collection.
type pageEnvelope struct {
	Data        json.RawMessage `json:"data"`
	Total       int             `json:"total"`
	Page        int             `json:"page"`
	Limit       int             `json:"limit"`
	HasNext     bool            `json:"hasNext"`
	HasPrevious bool            `json:"hasPrevious"`
}

// errorEnvelope mirrors the hub's error body.
type errorEnvelope struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// Client is the live DataSource backed by the hub's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     logger.Logger
}

var _ repository.DataSource = (*Client)(nil)

// NewClient creates a REST client. The token is the viewer's session token.
func NewClient(baseURL, token string, log logger.Logger) *Client {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.WithComponent("rest_client"),
	}
}

// FetchPage implements repository.DataSource.
func (c *Client) FetchPage(ctx context.Context, q model.QueryKey) (*model.Page, error) {
	values := url.Values{}
	for name, v := range q.Filters {
		values.Set(name, v)
	}
	if q.Page > 0 {
		values.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}

	endpoint := fmt.Sprintf("%s/%s", c.baseURL, q.Kind)
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewFetchError("build request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NewFetchError("fetch "+string(q.Kind), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp, apperrors.ErrorTypeFetch)
	}

	var envelope pageEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, apperrors.NewFetchError("decode "+string(q.Kind)+" page", err)
	}

	entities, err := decodeEntities(q.Kind, envelope.Data)
	if err != nil {
		return nil, apperrors.NewFetchError("decode "+string(q.Kind)+" rows", err)
	}

	return &model.Page{
		Data:        entities,
		Total:       envelope.Total,
		Page:        envelope.Page,
		Limit:       envelope.Limit,
		HasNext:     envelope.HasNext,
		HasPrevious: envelope.HasPrevious,
	}, nil
}

// AlertAction implements repository.DataSource.
func (c *Client) AlertAction(ctx context.Context, alertID, action string) (model.Entity, error) {
	endpoint := fmt.Sprintf("%s/alerts/%s/%s", c.baseURL, url.PathEscape(alertID), action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewMutationError("build request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NewMutationError(action+" alert", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var alert model.Alert
		if err := json.NewDecoder(resp.Body).Decode(&alert); err != nil {
			return nil, apperrors.NewMutationError("decode updated alert", err)
		}
		return &alert, nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, apperrors.NewNotFoundError("alert").WithDetail("alertId", alertID)
	default:
		return nil, c.decodeError(resp, apperrors.ErrorTypeMutation)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) decodeError(resp *http.Response, errType apperrors.ErrorType) error {
	var envelope errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Code == "" {
		return apperrors.NewAppError(errType, fmt.Sprintf("hub returned status %d", resp.StatusCode), resp.StatusCode)
	}
	appErr := apperrors.NewAppError(errType, envelope.Error.Message, resp.StatusCode).WithCode(envelope.Error.Code)
	for k, v := range envelope.Error.Details {
		appErr.WithDetail(k, v)
	}
	return appErr
}

func decodeEntities(kind model.EntityKind, raw json.RawMessage) ([]model.Entity, error) {
	switch kind {
	case model.KindAlert:
		var alerts []model.Alert
		if err := json.Unmarshal(raw, &alerts); err != nil {
			return nil, err
		}
		entities := make([]model.Entity, len(alerts))
		for i := range alerts {
			entities[i] = &alerts[i]
		}
		return entities, nil
	case model.KindClassroom:
		var rooms []model.Classroom
		if err := json.Unmarshal(raw, &rooms); err != nil {
			return nil, err
		}
		entities := make([]model.Entity, len(rooms))
		for i := range rooms {
			entities[i] = &rooms[i]
		}
		return entities, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}
