package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the translation backend settings.
type Config struct {
	Endpoint string        // v2 translate endpoint
	APIKey   string        // sent as the "key" query parameter
	Timeout  time.Duration // per-request timeout
}

// DefaultConfig returns the public Google endpoint with a 5s timeout.
func DefaultConfig() Config {
	return Config{
		Endpoint: "https://translation.googleapis.com/language/translate/v2",
		Timeout:  5 * time.Second,
	}
}

// Client calls the Translation v2 REST API.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a Client.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

type translateRequest struct {
	Q      []string `json:"q"`
	Target string   `json:"target"`
	Format string   `json:"format"`
}

type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText         string `json:"translatedText"`
			DetectedSourceLanguage string `json:"detectedSourceLanguage"`
		} `json:"translations"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Translate implements Translator.
func (c *Client) Translate(ctx context.Context, text, target string) (string, error) {
	if target == "" {
		return "", errors.New("translate: empty target language")
	}

	body, err := json.Marshal(translateRequest{Q: []string{text}, Target: target, Format: "text"})
	if err != nil {
		return "", fmt.Errorf("translate: marshal request: %w", err)
	}

	endpoint := c.config.Endpoint
	if c.config.APIKey != "" {
		endpoint += "?key=" + url.QueryEscape(c.config.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("translate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("translate: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
			return "", fmt.Errorf("translate: %s (status %d)", e.Error.Message, resp.StatusCode)
		}
		return "", fmt.Errorf("translate: unexpected status %d", resp.StatusCode)
	}

	var out translateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("translate: decode response: %w", err)
	}
	if len(out.Data.Translations) == 0 {
		return "", errors.New("translate: empty response")
	}
	return out.Data.Translations[0].TranslatedText, nil
}
