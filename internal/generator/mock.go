package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

// Mock produces deterministic local results when no generation service is
// configured.
type Mock struct {
	delay time.Duration
}

func NewMock(delay time.Duration) *Mock { return &Mock{delay: delay} }

func (m *Mock) GenerateForPage(ctx context.Context, req Request) (Result, error) {
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		ResultRef: fmt.Sprintf("mock://%s/pages/%d", req.DocumentID, req.Page),
		Text:      fmt.Sprintf("Explanation of page %d (%s).", req.Page, req.DocType),
	}, nil
}

func (m *Mock) ClassifyDocumentType(ctx context.Context, _ string) (window.DocType, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return window.DocTypeLecture, nil
}

func (m *Mock) EstimatePage(ctx context.Context, _ string, _ int) (PageCost, error) {
	if err := ctx.Err(); err != nil {
		return PageCost{}, err
	}
	return PageCost{Images: 1, Chunks: 3}, nil
}
