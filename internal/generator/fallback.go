package generator

import (
	"context"
	"errors"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

// Fallback answers classification and cost estimates from the secondary
// backend when the primary fails. Page generation always goes to the primary:
// a failed page must be recorded as failed, never filled in by the secondary.
// Cancellation and deadlines are returned as-is.
type Fallback struct {
	primary   Backend
	secondary Backend
}

func NewFallback(primary, secondary Backend) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Primary() Backend   { return f.primary }
func (f *Fallback) Secondary() Backend { return f.secondary }

func (f *Fallback) GenerateForPage(ctx context.Context, req Request) (Result, error) {
	return f.primary.GenerateForPage(ctx, req)
}

func (f *Fallback) ClassifyDocumentType(ctx context.Context, documentID string) (window.DocType, error) {
	docType, err := f.primary.ClassifyDocumentType(ctx, documentID)
	if !f.shouldFallback(err) {
		return docType, err
	}
	return f.secondary.ClassifyDocumentType(ctx, documentID)
}

func (f *Fallback) EstimatePage(ctx context.Context, documentID string, page int) (PageCost, error) {
	cost, err := f.primary.EstimatePage(ctx, documentID, page)
	if !f.shouldFallback(err) {
		return cost, err
	}
	return f.secondary.EstimatePage(ctx, documentID, page)
}

func (f *Fallback) shouldFallback(err error) bool {
	if err == nil || f.secondary == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
