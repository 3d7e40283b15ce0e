// Package postgrest implements remote.Backend against a PostgREST endpoint
// such as a Supabase project's /rest/v1.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/remote"
)

// TokenFunc returns the bearer token of the signed-in user. An empty token
// falls back to the API key.
type TokenFunc func(ctx context.Context) (string, error)

type Client struct {
	baseURL    string
	apiKey     string
	token      TokenFunc
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithToken(fn TokenFunc) Option {
	return func(cl *Client) { cl.token = fn }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (c *Client) do(ctx context.Context, op, method, table string, query url.Values, body any, prefer string, out any) error {
	u := c.baseURL + "/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return remote.Permanent(op, fmt.Errorf("marshal body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return remote.Permanent(op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	bearer := c.apiKey
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return remote.Retryable(op, fmt.Errorf("%w: session token: %v", remote.ErrUnauthorized, err))
		}
		if tok != "" {
			bearer = tok
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.Retryable(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return remote.Retryable(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return remote.Retryable(op, fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}
	return statusError(op, resp.StatusCode, respBody)
}

func statusError(op string, status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	detail := fmt.Errorf("http %d: %s", status, msg)

	switch {
	case status == http.StatusConflict || apiErr.Code == "23505":
		return remote.Permanent(op, fmt.Errorf("%w: %v", remote.ErrConflict, detail))
	case status == http.StatusUnauthorized || apiErr.Code == "PGRST301" || apiErr.Code == "PGRST303":
		// Expired or rejected JWT; 403 (row-level security) stays permanent.
		return remote.Retryable(op, fmt.Errorf("%w: %v", remote.ErrUnauthorized, detail))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return remote.Retryable(op, detail)
	case status >= 400 && status < 500:
		return remote.Permanent(op, detail)
	default:
		return remote.Retryable(op, detail)
	}
}

func eq(v string) string { return "eq." + v }

func (c *Client) Insert(ctx context.Context, userID string, rec model.ProductRecord) error {
	rec.UserID = userID
	return c.do(ctx, "insert", http.MethodPost, "products", nil, rec, "return=minimal", nil)
}

func (c *Client) Update(ctx context.Context, userID, productID string, patch model.ProductPatch) error {
	if patch.Empty() {
		return remote.Permanent("update", errors.New("empty update"))
	}
	q := url.Values{"id": {eq(productID)}, "user_id": {eq(userID)}, "select": {"id"}}
	var rows []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "update", http.MethodPatch, "products", q, patch, "return=representation", &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return remote.Permanent("update", fmt.Errorf("%w: product %s", remote.ErrNotFound, productID))
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, userID, productID string) error {
	q := url.Values{"id": {eq(productID)}, "user_id": {eq(userID)}, "select": {"id"}}
	var rows []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "delete", http.MethodDelete, "products", q, nil, "return=representation", &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return remote.Permanent("delete", fmt.Errorf("%w: product %s", remote.ErrNotFound, productID))
	}
	return nil
}

func (c *Client) List(ctx context.Context, userID string) ([]model.Product, error) {
	q := url.Values{"user_id": {eq(userID)}, "select": {"*"}, "order": {"expiry_date.asc,id.asc"}}
	var out []model.Product
	if err := c.do(ctx, "list", http.MethodGet, "products", q, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListCategoryReminders(ctx context.Context, userID string) ([]model.CategoryReminderSetting, error) {
	q := url.Values{"user_id": {eq(userID)}, "select": {"*"}, "order": {"category_name.asc"}}
	var out []model.CategoryReminderSetting
	if err := c.do(ctx, "list_category_reminders", http.MethodGet, "category_reminders", q, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpsertCategoryReminder(ctx context.Context, userID string, s model.CategoryReminderSetting) (model.CategoryReminderSetting, error) {
	body := struct {
		UserID       string `json:"user_id"`
		CategoryName string `json:"category_name"`
		ReminderDays int    `json:"reminder_days"`
	}{userID, s.CategoryName, s.ReminderDays}
	q := url.Values{"on_conflict": {"user_id,category_name"}}
	var rows []model.CategoryReminderSetting
	if err := c.do(ctx, "upsert_category_reminder", http.MethodPost, "category_reminders", q, body,
		"resolution=merge-duplicates,return=representation", &rows); err != nil {
		return model.CategoryReminderSetting{}, err
	}
	if len(rows) == 0 {
		s.UserID = userID
		return s, nil
	}
	return rows[0], nil
}

func (c *Client) DeleteCategoryReminder(ctx context.Context, userID, categoryName string) error {
	q := url.Values{"user_id": {eq(userID)}, "category_name": {eq(categoryName)}, "select": {"id"}}
	var rows []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "delete_category_reminder", http.MethodDelete, "category_reminders", q, nil, "return=representation", &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return remote.Permanent("delete_category_reminder", fmt.Errorf("%w: category %s", remote.ErrNotFound, categoryName))
	}
	return nil
}

// Ping issues a cheap HEAD against the products table.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{"select": {"id"}, "limit": {"1"}}
	return c.do(ctx, "ping", http.MethodHead, "products", q, nil, "", nil)
}

func (c *Client) Close() {}
