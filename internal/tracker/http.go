package tracker

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

// HTTP talks to a tracker bridge exposing:
//
//	GET  /items/{key}
//	GET  /items?label_prefix=&state=
//	POST /mutations
type HTTP struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTP(baseURL, token string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(msg))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", method, path, ErrItemNotFound)
		case http.StatusConflict, http.StatusPreconditionFailed:
			return fmt.Errorf("%s %s: %w: %s", method, path, ErrStaleState, detail)
		case http.StatusForbidden:
			return fmt.Errorf("%s %s: %w: %s", method, path, ErrPermissionDenied, detail)
		default:
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, detail)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (h *HTTP) GetItem(ctx context.Context, key string) (Item, error) {
	var it Item
	if err := h.do(ctx, http.MethodGet, "/items/"+url.PathEscape(key), nil, &it); err != nil {
		return Item{}, err
	}
	return it, nil
}

func (h *HTTP) ListItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	q := url.Values{}
	if f.LabelPrefix != "" {
		q.Set("label_prefix", f.LabelPrefix)
	}
	if f.State != "" {
		q.Set("state", f.State)
	}
	path := "/items"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Items []Item `json:"items"`
	}
	if err := h.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (h *HTTP) Apply(ctx context.Context, m Mutation) (MutationResult, error) {
	var res MutationResult
	if err := h.do(ctx, http.MethodPost, "/mutations", m, &res); err != nil {
		return MutationResult{}, err
	}
	return res, nil
}
