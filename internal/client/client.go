// Package client is a Go client for the session HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/progress"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/protocol"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/session"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Code       string `json:"code"`
	// SessionID names the caller's existing session on SESSION_EXISTS.
	SessionID string `json:"session_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is lets callers match server errors against the session sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case session.ErrNotFound:
		return e.Code == "NOT_FOUND" || e.StatusCode == http.StatusNotFound
	case session.ErrSessionExists:
		return e.Code == "SESSION_EXISTS"
	case session.ErrNotActive:
		return e.Code == "SESSION_NOT_ACTIVE"
	case session.ErrInvalidRequest:
		return e.Code == "INVALID_REQUEST"
	}
	return false
}

type StartInput struct {
	DocumentID string `json:"document_id"`
	Page       int    `json:"page"`
	// DocType may be empty to let the server classify the document.
	DocType   string `json:"doc_type,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
}

type Client struct {
	http    *resty.Client
	baseURL string
	owner   string
}

func New(baseURL, owner string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "studentaidctl/1.0")
	if owner != "" {
		rc.SetHeader("X-User-ID", owner)
	}
	return &Client{http: rc, baseURL: baseURL, owner: owner}
}

func (c *Client) StartSession(ctx context.Context, in StartInput) (session.StartResult, error) {
	var out session.StartResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(in).
		SetResult(&out).
		SetError(&APIError{}).
		Post("/v1/sessions")
	if err := check(resp, err); err != nil {
		return session.StartResult{}, err
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context, sessionID string) (progress.Snapshot, error) {
	var out progress.Snapshot
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		SetResult(&out).
		SetError(&APIError{}).
		Get("/v1/sessions/{id}")
	if err := check(resp, err); err != nil {
		return progress.Snapshot{}, err
	}
	return out, nil
}

func (c *Client) UpdateWindow(ctx context.Context, sessionID string, currentPage int, action window.Action) (session.UpdateResult, error) {
	var out session.UpdateResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		SetBody(map[string]any{"current_page": currentPage, "action": action.String()}).
		SetResult(&out).
		SetError(&APIError{}).
		Post("/v1/sessions/{id}/window")
	if err := check(resp, err); err != nil {
		return session.UpdateResult{}, err
	}
	return out, nil
}

// CancelSession reports whether the server canceled an active session.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (session.CancelResult, error) {
	var out session.CancelResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		SetResult(&out).
		SetError(&APIError{}).
		Post("/v1/sessions/{id}/cancel")
	if err := check(resp, err); err != nil {
		return session.CancelResult{}, err
	}
	return out, nil
}

func (c *Client) ActiveSession(ctx context.Context, documentID string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("documentId", documentID).
		SetResult(&out).
		SetError(&APIError{}).
		Get("/v1/documents/{documentId}/session")
	if err := check(resp, err); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// Fetcher adapts GetStatus to progress.Poll.
func (c *Client) Fetcher(sessionID string) progress.FetchFunc {
	return func(ctx context.Context) (progress.Snapshot, error) {
		snap, err := c.GetStatus(ctx, sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return progress.Snapshot{}, progress.ErrSessionGone
		}
		return snap, err
	}
}

// Watch follows the status stream until the final snapshot and returns it.
func (c *Client) Watch(ctx context.Context, sessionID string, onSnapshot func(progress.Snapshot)) (progress.Snapshot, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return progress.Snapshot{}, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws"

	header := http.Header{}
	if c.owner != "" {
		header.Set("X-User-ID", c.owner)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return progress.Snapshot{}, progress.ErrSessionGone
		}
		return progress.Snapshot{}, fmt.Errorf("dial status stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var last progress.Snapshot
	for {
		var msg struct {
			Type     protocol.MessageType `json:"type"`
			Final    bool                 `json:"final"`
			Snapshot progress.Snapshot    `json:"snapshot"`
			Code     string               `json:"code"`
			Detail   string               `json:"detail"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("read status stream: %w", err)
		}
		switch msg.Type {
		case protocol.TypeSessionSnapshot:
			last = msg.Snapshot
			if onSnapshot != nil {
				onSnapshot(last)
			}
			if msg.Final {
				return last, nil
			}
		case protocol.TypeErrorEvent:
			if msg.Code == "NOT_FOUND" {
				return last, progress.ErrSessionGone
			}
		}
	}
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr == nil {
		apiErr = &APIError{}
	}
	apiErr.StatusCode = resp.StatusCode()
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(resp.String())
	}
	return apiErr
}
