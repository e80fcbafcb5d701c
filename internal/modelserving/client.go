package modelserving

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient targets a model-serving endpoint. Per-call deadlines come from
// the caller's context; the client timeout is only a backstop.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type request struct {
	Features map[string]any `json:"features"`
}

// Prediction is what a served model answers.
type Prediction struct {
	Value      float64 `json:"value"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Predict posts features to {base}/v1/models/{model}/predict.
func (c *Client) Predict(ctx context.Context, model string, features map[string]any) (Prediction, error) {
	body, err := json.Marshal(request{Features: features})
	if err != nil {
		return Prediction{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/v1/models/" + url.PathEscape(model) + "/predict"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict %s: %w", model, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Prediction{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return Prediction{}, fmt.Errorf("model %s error %d: %s", model, resp.StatusCode, errResp.Error)
		}
		return Prediction{}, fmt.Errorf("model %s error %d: %s", model, resp.StatusCode, string(respBody))
	}

	var p Prediction
	if err := json.Unmarshal(respBody, &p); err != nil {
		return Prediction{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return p, nil
}
