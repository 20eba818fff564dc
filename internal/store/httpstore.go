package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dealtalk/internal/models"
)

const (
	apiV1Prefix = "/api/v1"

	endpointSessions        = apiV1Prefix + "/owners/%d/sessions"
	endpointSessionByID     = apiV1Prefix + "/owners/%d/sessions/%s"
	endpointSessionMessages = apiV1Prefix + "/owners/%d/sessions/%s/messages"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPStore talks to a remote messaging store deployment over its JSON
// REST surface. The gateway authenticates with a service token; the
// acting owner travels in the path, and author_is_self is derived
// server-side from it, never from the payload.
type HTTPStore struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPStore creates a store client for the given base URL.
func NewHTTPStore(baseURL, token string) (*HTTPStore, error) {
	normalized, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL: %w", err)
	}
	return &HTTPStore{
		client:  &http.Client{Timeout: defaultRequestTimeout},
		baseURL: normalized,
		token:   token,
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid base URL")
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

// ListSessions implements Store.
func (s *HTTPStore) ListSessions(ctx context.Context, ownerID int64) ([]models.Session, error) {
	var out struct {
		Sessions []models.Session `json:"sessions"`
	}
	path := fmt.Sprintf(endpointSessions, ownerID)
	if err := s.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// ListMessages implements Store.
func (s *HTTPStore) ListMessages(ctx context.Context, ownerID int64, sessionID string) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	path := fmt.Sprintf(endpointSessionMessages, ownerID, url.PathEscape(sessionID))
	if err := s.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CreateSession implements Store.
func (s *HTTPStore) CreateSession(ctx context.Context, ownerID int64, contactKey, displayName string) (*models.Session, error) {
	if displayName == "" {
		return nil, &ValidationError{Reason: "counterpart display name required"}
	}
	in := map[string]string{
		"contact_key":  contactKey,
		"display_name": displayName,
	}
	var out models.Session
	path := fmt.Sprintf(endpointSessions, ownerID)
	if err := s.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage implements Store.
func (s *HTTPStore) SendMessage(ctx context.Context, ownerID int64, sessionID, body string) (*models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &ValidationError{Reason: "message body is empty"}
	}
	in := map[string]string{"body": body}
	var out models.Message
	path := fmt.Sprintf(endpointSessionMessages, ownerID, url.PathEscape(sessionID))
	if err := s.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSession implements Store.
func (s *HTTPStore) DeleteSession(ctx context.Context, ownerID int64, sessionID string) error {
	path := fmt.Sprintf(endpointSessionByID, ownerID, url.PathEscape(sessionID))
	return s.do(ctx, http.MethodDelete, path, nil, nil)
}

func (s *HTTPStore) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody *bytes.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthRequired
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		return &TransportError{
			Op:  method + " " + path,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: "decode " + path, Err: err}
	}
	return nil
}
