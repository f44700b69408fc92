package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// NewHTTPEmbedder returns an embedding function backed by an
// OpenAI-compatible /embeddings endpoint (LM Studio, Ollama, or any
// hosted provider). Vectors are L2-normalized before use.
func NewHTTPEmbedder(baseURL, model string) chromem.EmbeddingFunc {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/embeddings"
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, text string) ([]float32, error) {
		body, err := json.Marshal(map[string]interface{}{
			"model": model,
			"input": []string{text},
		})
		if err != nil {
			return nil, fmt.Errorf("marshal embedding request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create embedding request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("embedding request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("embedding endpoint returned %d", resp.StatusCode)
		}

		var result struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode embedding response: %w", err)
		}
		if len(result.Data) == 0 {
			return nil, fmt.Errorf("embedding endpoint returned no vectors")
		}

		vec := result.Data[0].Embedding
		normalize(vec)
		return vec, nil
	}
}

// normalize performs L2 normalization in place so all embeddings sit
// on the unit sphere.
func normalize(v []float32) {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}
	magnitude := float32(math.Sqrt(sum))
	if magnitude <= 0 {
		return
	}
	for i := range v {
		v[i] /= magnitude
	}
}
