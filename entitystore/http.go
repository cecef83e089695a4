package entitystore

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

	apperrors "github.com/goliatone/go-errors"

	"github.com/nowcrm/journeys"
)

// HTTP is the production Client against the entity store REST API.
type HTTP struct {
	base   string
	token  string
	client *http.Client
	logger journeys.Logger
}

// HTTPOption configures the client.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l journeys.Logger) HTTPOption {
	return func(h *HTTP) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTP builds a client for the given base URL with bearer auth.
func NewHTTP(base, token string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: journeys.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTP) Entry(ctx context.Context, model, uid string) (map[string]any, error) {
	if err := requireParts(model, uid); err != nil {
		return nil, err
	}
	var entry map[string]any
	status, err := h.do(ctx, http.MethodGet, h.entryURL(model, uid), nil, &entry)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return entry, nil
}

func (h *HTTP) Connect(ctx context.Context, model, uid, field, target string) error {
	return h.relate(ctx, "connect", model, uid, field, target)
}

func (h *HTTP) Disconnect(ctx context.Context, model, uid, field, target string) error {
	return h.relate(ctx, "disconnect", model, uid, field, target)
}

func (h *HTTP) relate(ctx context.Context, verb, model, uid, field, target string) error {
	if err := requireParts(model, uid); err != nil {
		return err
	}
	if strings.TrimSpace(field) == "" || strings.TrimSpace(target) == "" {
		return badRequest("entitystore: field and target are required")
	}
	body := map[string]string{"field": field, "target": target}
	status, err := h.do(ctx, http.MethodPost,
		h.entryURL(model, uid)+"/"+verb, body, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return badRequest("entitystore: %s %s not found", model, uid)
	}
	return nil
}

func (h *HTTP) entryURL(model, uid string) string {
	return fmt.Sprintf("%s/api/%s/%s", h.base, url.PathEscape(model), url.PathEscape(uid))
}

// do runs one request. 2xx decodes into out when given; 404 is returned to
// the caller; everything else is an external error.
func (h *HTTP) do(ctx context.Context, method, target string, body, out any) (int, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("entitystore: encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return 0, fmt.Errorf("entitystore: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	res, err := h.client.Do(req)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CategoryExternal, "entitystore: request failed")
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return res.StatusCode, apperrors.New(
			fmt.Sprintf("entitystore: %s %s returned %d: %s", method, target, res.StatusCode, strings.TrimSpace(string(raw))),
			apperrors.CategoryExternal)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("entitystore: decode response: %w", err)
		}
	} else {
		io.Copy(io.Discard, res.Body)
	}
	return res.StatusCode, nil
}
