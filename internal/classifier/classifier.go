// Package classifier provides a thin capability for invoking the
// external vision inference engine: Classify(frame, deadline) ->
// (category, confidence, bbox). The inference engine itself is out of
// scope (§1) — this package only adapts its external interface and
// resolves the LowConfidence fallback so every downstream consumer
// always receives an already-resolved category.
package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/chele-s/ecosort-core/internal/model"
)

// Failure reasons distinguishing why Classify did not return a
// high-confidence classification.
var (
	ErrTimeout    = errors.New("classifier: timeout")
	ErrModelError = errors.New("classifier: model error")
)

// Result is the resolved classification handed to the dispatch scheduler.
type Result struct {
	Category      model.Category
	Confidence    float64
	BBox          *model.BBox
	LowConfidence bool // true if the category was substituted via fallback
}

// Frame is an opaque handle to one captured image; the camera driver
// and frame buffer are out of scope, so this is deliberately minimal.
type Frame struct {
	ImageRef []byte
}

// Backend is the external collaborator's wire-level capability —
// implemented by the production HTTP+JSON adapter and by an in-memory
// fake for every other package's tests.
type Backend interface {
	Classify(ctx context.Context, frame Frame, deadline time.Time) (category string, confidence float64, bbox *model.BBox, err error)
}

// Client wraps a Backend, applying min_confidence/fallback_category
// resolution and class-name aliasing so callers never see a raw model
// label or a below-threshold result.
type Client struct {
	backend          Backend
	minConfidence    float64
	fallbackCategory model.Category
	classMapping     map[string]string
}

// NewClient constructs a Client. classMapping aliases raw model class
// names to canonical model.Category values (config `class_mapping`).
func NewClient(backend Backend, minConfidence float64, fallback model.Category, classMapping map[string]string) *Client {
	return &Client{backend: backend, minConfidence: minConfidence, fallbackCategory: fallback, classMapping: classMapping}
}

// Classify invokes the backend and resolves its result. On a
// low-confidence result, category is substituted with the configured
// fallback and LowConfidence is set — the pipeline still treats it as
// classified, per §4.5.
func (c *Client) Classify(ctx context.Context, frame Frame, deadline time.Time) (Result, error) {
	raw, confidence, bbox, err := c.backend.Classify(ctx, frame, deadline)
	if err != nil {
		return Result{}, err
	}

	cat := model.Category(raw)
	if alias, ok := c.classMapping[raw]; ok {
		cat = model.Category(alias)
	}

	if confidence < c.minConfidence {
		return Result{Category: c.fallbackCategory, Confidence: confidence, BBox: bbox, LowConfidence: true}, nil
	}
	return Result{Category: cat, Confidence: confidence, BBox: bbox}, nil
}
