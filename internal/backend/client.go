// Package backend предоставляет клиент REST API маркетплейса услуг.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/mmeshcher/servicefinder/internal/session"
)

// DefaultErrorMessage используется, если тело ошибки не содержит поля message.
const DefaultErrorMessage = "An error occurred"

// APIError описывает ответ бэкенда с кодом вне диапазона 2xx.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return e.Message
}

// Client инкапсулирует HTTP-взаимодействие с бэкендом маркетплейса.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент бэкенда. Если httpClient равен nil, используется пул соединений go-cleanhttp.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
	}
}

func (c *Client) newRequest(ctx context.Context, creds session.Credentials, method, path string, query url.Values, body any) (*http.Request, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("backend client not configured")
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	return req, nil
}

// do выполняет запрос и декодирует JSON-ответ в out, если out не nil.
func (c *Client) do(ctx context.Context, creds session.Credentials, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, creds, method, path, query, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// doText выполняет запрос, ответ которого является простой строкой.
func (c *Client) doText(ctx context.Context, creds session.Credentials, method, path string, body any) (string, error) {
	req, err := c.newRequest(ctx, creds, method, path, nil, body)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", parseError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	return strings.Trim(strings.TrimSpace(string(raw)), `"`), nil
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    DefaultErrorMessage,
		Body:       string(raw),
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		apiErr.Message = payload.Message
	}

	return apiErr
}
