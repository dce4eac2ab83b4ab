package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kdimtricp/vsearch/internal/models"
)

// CLIPClient talks to a CLIP embedding sidecar exposing
//
//	POST /embed/image {"images": ["<base64 jpeg>", ...]}
//	POST /embed/text  {"texts": ["...", ...]}
//
// both answering {"embeddings": [[...], ...]}.
type CLIPClient struct {
	baseURL    string
	dim        int
	httpClient *http.Client
}

func NewCLIPClient(baseURL string, dim int) *CLIPClient {
	return &CLIPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		dim:     dim,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type clipImageRequest struct {
	Images []string `json:"images"`
}

type clipTextRequest struct {
	Texts []string `json:"texts"`
}

type clipResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (c *CLIPClient) Dimension() int {
	return c.dim
}

func (c *CLIPClient) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	if len(images) == 0 {
		return nil, nil
	}
	req := clipImageRequest{Images: make([]string, len(images))}
	for i, img := range images {
		req.Images[i] = base64.StdEncoding.EncodeToString(img)
	}
	return c.post(ctx, "/embed/image", req, len(images))
}

func (c *CLIPClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.post(ctx, "/embed/text", clipTextRequest{Texts: []string{text}}, 1)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *CLIPClient) post(ctx context.Context, path string, body any, want int) ([][]float32, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classify(&StatusError{Code: resp.StatusCode, Body: string(respBody)})
	}

	var clipResp clipResponse
	if err := json.Unmarshal(respBody, &clipResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if clipResp.Error != "" {
		return nil, fmt.Errorf("CLIP service error: %s", clipResp.Error)
	}
	if len(clipResp.Embeddings) != want {
		return nil, fmt.Errorf("CLIP service returned %d embeddings for %d inputs", len(clipResp.Embeddings), want)
	}
	for _, v := range clipResp.Embeddings {
		if c.dim > 0 && len(v) != c.dim {
			return nil, fmt.Errorf("%w: CLIP returned %d, configured %d", models.ErrDimensionMismatch, len(v), c.dim)
		}
	}
	return clipResp.Embeddings, nil
}
