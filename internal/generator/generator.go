// Package generator adapts the external explanation generator, document
// classifier and page cost estimator.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/reliability"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

// ErrRetryable matches errors worth another generator call.
var ErrRetryable = errors.New("retryable generator error")

// Request asks for the explanation of one page.
type Request struct {
	DocumentID string         `json:"document_id"`
	Page       int            `json:"page"`
	DocType    window.DocType `json:"doc_type"`
	Attempt    int            `json:"attempt"`
}

type Result struct {
	// ResultRef locates the stored explanation; content storage is owned elsewhere.
	ResultRef string `json:"result_ref"`
	Text      string `json:"text,omitempty"`
}

// PageCost drives the per-page deadline.
type PageCost struct {
	Images int `json:"images"`
	Chunks int `json:"chunks"`
}

type Generator interface {
	GenerateForPage(ctx context.Context, req Request) (Result, error)
}

type Classifier interface {
	ClassifyDocumentType(ctx context.Context, documentID string) (window.DocType, error)
}

type Estimator interface {
	EstimatePage(ctx context.Context, documentID string, page int) (PageCost, error)
}

// Backend is the full collaborator surface the scheduler needs.
type Backend interface {
	Generator
	Classifier
	Estimator
}

// StatusError is a non-2xx answer from a remote backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generator http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrRetryable && e.Retryable()
}

// IsRetryable reports whether err is transient. Context errors never are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrRetryable)
}

type Config struct {
	Mode    string
	HTTPURL string
	Timeout time.Duration
	// MockDelay simulates generation latency in mock mode.
	MockDelay time.Duration
}

func New(cfg Config) (Backend, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewFallback(NewHTTPBackend(cfg.HTTPURL, cfg.Timeout), NewMock(cfg.MockDelay)), nil
		}
		return NewMock(cfg.MockDelay), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("generator HTTP url is required for http mode")
		}
		return NewHTTPBackend(cfg.HTTPURL, cfg.Timeout), nil
	case "mock":
		return NewMock(cfg.MockDelay), nil
	default:
		return nil, fmt.Errorf("unsupported generator mode %q", cfg.Mode)
	}
}
