package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Google uses the public gtx endpoint with plain GET requests.
type Google struct {
	endpoint string
	client   *http.Client
}

func NewGoogle(endpoint string, client *http.Client) *Google {
	if client == nil {
		client = http.DefaultClient
	}
	return &Google{endpoint: endpoint, client: client}
}

func (g *Google) Name() string { return "google" }

func (g *Google) Translate(ctx context.Context, text, from, to string) (string, error) {
	query := url.Values{}
	query.Set("client", "gtx")
	query.Set("sl", googleLanguage(from))
	query.Set("tl", googleLanguage(to))
	query.Set("dt", "t")
	query.Set("q", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google returned status %s", resp.Status)
	}

	// The payload is positional: [[[translated, source, ...], ...], ...].
	var payload []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode google response: %w", err)
	}
	if len(payload) == 0 {
		return "", errors.New("google response empty")
	}
	var sentences [][]any
	if err := json.Unmarshal(payload[0], &sentences); err != nil {
		return "", fmt.Errorf("decode google sentences: %w", err)
	}
	var sb strings.Builder
	for _, sentence := range sentences {
		if len(sentence) == 0 {
			continue
		}
		if s, ok := sentence[0].(string); ok {
			sb.WriteString(s)
		}
	}
	return sb.String(), nil
}

func googleLanguage(lang string) string {
	if lang == "zh" {
		return "zh-CN"
	}
	return lang
}
