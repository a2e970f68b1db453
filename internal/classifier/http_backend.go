package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/model"
)

// HTTPBackend is the production Backend: it POSTs the captured frame to
// an external inference server (the model itself is out of scope) and
// decodes its classification response.
type HTTPBackend struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPBackend constructs an HTTPBackend. The HTTP client's own
// timeout is left generous; Classify enforces the real deadline via
// the request context so a slow model fails fast without wasting the
// connection-level timeout.
func NewHTTPBackend(endpoint string, log *zap.Logger) *HTTPBackend {
	return &HTTPBackend{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Second},
		log:      log.With(zap.String("component", "classifier_backend")),
	}
}

type classifyRequest struct {
	ImageB64  []byte `json:"image"`
	DeadlineS int64  `json:"deadline_unix_ms"`
}

type classifyResponse struct {
	Category   string        `json:"category"`
	Confidence float64       `json:"confidence"`
	BBox       *model.BBox   `json:"bbox,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Classify implements Backend.
func (b *HTTPBackend) Classify(ctx context.Context, frame Frame, deadline time.Time) (string, float64, *model.BBox, error) {
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(classifyRequest{ImageB64: frame.ImageRef, DeadlineS: deadline.UnixMilli()})
	if err != nil {
		return "", 0, nil, fmt.Errorf("classifier: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, nil, fmt.Errorf("classifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", 0, nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, nil, fmt.Errorf("%w: inference server returned status %d", ErrModelError, resp.StatusCode)
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, nil, fmt.Errorf("classifier: decode response: %w", err)
	}
	if out.Error != "" {
		return "", 0, nil, fmt.Errorf("%w: %s", ErrModelError, out.Error)
	}

	return out.Category, out.Confidence, out.BBox, nil
}
