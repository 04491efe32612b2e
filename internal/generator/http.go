package generator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

// HTTPBackend talks to a remote generation service:
//
//	POST /generate                               {document_id, page, doc_type, attempt}
//	GET  /documents/{id}/classification          -> {doc_type}
//	GET  /documents/{id}/pages/{page}/cost       -> {images, chunks}
//
// Retries are left to the caller so attempts can be counted.
type HTTPBackend struct {
	client *resty.Client
}

func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "studentaid-scheduler/1.0")
	return &HTTPBackend{client: client}
}

func (b *HTTPBackend) GenerateForPage(ctx context.Context, req Request) (Result, error) {
	var out Result
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/generate")
	if err := checkResponse(ctx, resp, err); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(out.ResultRef) == "" {
		out.ResultRef = fmt.Sprintf("%s/%d", req.DocumentID, req.Page)
	}
	return out, nil
}

func (b *HTTPBackend) ClassifyDocumentType(ctx context.Context, documentID string) (window.DocType, error) {
	var out struct {
		DocType string `json:"doc_type"`
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParam("documentID", documentID).
		SetResult(&out).
		Get("/documents/{documentID}/classification")
	if err := checkResponse(ctx, resp, err); err != nil {
		return "", err
	}
	return window.ParseDocType(out.DocType)
}

func (b *HTTPBackend) EstimatePage(ctx context.Context, documentID string, page int) (PageCost, error) {
	var out PageCost
	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"documentID": documentID,
			"page":       strconv.Itoa(page),
		}).
		SetResult(&out).
		Get("/documents/{documentID}/pages/{page}/cost")
	if err := checkResponse(ctx, resp, err); err != nil {
		return PageCost{}, err
	}
	return out, nil
}

func checkResponse(ctx context.Context, resp *resty.Response, err error) error {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("send request: %w: %w", ErrRetryable, err)
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 4<<10 {
			body = body[:4<<10]
		}
		return &StatusError{Code: resp.StatusCode(), Body: strings.TrimSpace(body)}
	}
	return nil
}
