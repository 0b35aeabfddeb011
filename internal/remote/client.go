// Package remote talks to the upstream Riskmate backend, the canonical
// owner of all entities.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jinzhu/inflection"

	"riskmate-sync/internal/models"
)

// ErrNotFound reports that upstream definitively does not know the
// entity, as opposed to a transient network or server failure.
var ErrNotFound = errors.New("upstream: entity not found")

// ErrConflict reports that upstream already holds the record being
// created. The syncer treats it as an acknowledgement: the draft was
// confirmed through another path and the canonical copy wins.
var ErrConflict = errors.New("upstream: entity already exists")

// Backend is the upstream contract the read cascade and the syncer
// depend on. Implemented by *Client; test code substitutes fakes.
type Backend interface {
	FetchEntity(ctx context.Context, entityType, entityID string) (models.Entity, error)
	FetchList(ctx context.Context, entityType, parentID string) ([]models.Entity, error)
	PushUpdate(ctx context.Context, m models.PendingMutation) error
	PushCreation(ctx context.Context, c models.PendingCreation) error
}

var _ Backend = (*Client)(nil)

// Client is the HTTP implementation of Backend.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
}

const defaultUserAgent = "riskmate-sync/0.1"

// NewClient builds a client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream url %q must include scheme and host", baseURL)
	}
	return &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
	}, nil
}

func collectionPath(entityType string) string {
	return "/api/" + inflection.Plural(entityType)
}

// FetchEntity retrieves the canonical state of a single entity.
func (c *Client) FetchEntity(ctx context.Context, entityType, entityID string) (models.Entity, error) {
	var e models.Entity
	path := fmt.Sprintf("%s/%s", collectionPath(entityType), url.PathEscape(entityID))
	if err := c.do(ctx, http.MethodGet, path, nil, &e); err != nil {
		return models.Entity{}, err
	}
	e.Type = entityType
	return e, nil
}

// FetchList retrieves the canonical entities under a parent.
func (c *Client) FetchList(ctx context.Context, entityType, parentID string) ([]models.Entity, error) {
	path := collectionPath(entityType)
	if parentID != "" {
		path += "?parent=" + url.QueryEscape(parentID)
	}
	var payload struct {
		Items []models.Entity `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	for i := range payload.Items {
		payload.Items[i].Type = entityType
	}
	return payload.Items, nil
}

// PushUpdate sends one pending field edit upstream. A nil return means
// the write is durably acknowledged and the local entry may be cleared.
func (c *Client) PushUpdate(ctx context.Context, m models.PendingMutation) error {
	body := map[string]any{
		"field":      m.Field,
		"new_value":  m.NewValue,
		"timestamp":  m.Timestamp,
		"client_seq": m.Seq,
	}
	path := fmt.Sprintf("%s/%s", collectionPath(m.EntityType), url.PathEscape(m.EntityID))
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// PushCreation sends a locally drafted entity upstream.
func (c *Client) PushCreation(ctx context.Context, cr models.PendingCreation) error {
	body := map[string]any{
		"id":         cr.Entity.ID,
		"parent_id":  cr.ParentID,
		"fields":     cr.Entity.Fields,
		"client_seq": cr.Seq,
	}
	return c.do(ctx, http.MethodPost, collectionPath(cr.Entity.Type), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path %q: %w", path, err)
	}
	target := c.baseURL.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode == http.StatusConflict {
		return ErrConflict
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
