// Package rest talks to a PostgREST-compatible remote (the hosted backend)
// over HTTP.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"daftar/internal/store"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Client struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func New(baseURL, apiKey string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Select(ctx context.Context, q store.Query) ([]json.RawMessage, error) {
	params := ownerFilter(q)
	params.Set("select", "*")
	if q.Order != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		params.Set("order", q.Order+"."+dir)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var rows []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/rest/v1/"+string(q.Table), params, nil, nil, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	return rows, nil
}

func (c *Client) Insert(ctx context.Context, table store.Table, userID string, row json.RawMessage) (json.RawMessage, error) {
	body, err := withOwner(row, userID)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Prefer": "return=representation"}
	return c.single(ctx, http.MethodPost, "/rest/v1/"+string(table), nil, headers, body)
}

func (c *Client) Upsert(ctx context.Context, table store.Table, userID string, row json.RawMessage, onConflict string) (json.RawMessage, error) {
	body, err := withOwner(row, userID)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	if onConflict != "" {
		params.Set("on_conflict", onConflict)
	}
	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=representation"}
	return c.single(ctx, http.MethodPost, "/rest/v1/"+string(table), params, headers, body)
}

func (c *Client) Update(ctx context.Context, q store.Query, patch json.RawMessage) (json.RawMessage, error) {
	if q.UserID == "" {
		return nil, store.NewError(store.ErrUnauthorized, "missing account")
	}
	headers := map[string]string{"Prefer": "return=representation"}
	return c.single(ctx, http.MethodPatch, "/rest/v1/"+string(q.Table), ownerFilter(q), headers, patch)
}

func (c *Client) Delete(ctx context.Context, q store.Query) error {
	if q.UserID == "" || q.ID == "" {
		return store.NewError(store.ErrInvalid, "delete requires an account and an id")
	}
	headers := map[string]string{"Prefer": "return=representation"}
	_, err := c.single(ctx, http.MethodDelete, "/rest/v1/"+string(q.Table), ownerFilter(q), headers, nil)
	return err
}

func (c *Client) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/rest/v1/rpc/"+fn, nil, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// single performs a representation-returning write and yields its first
// row; an empty representation means no owned row matched.
func (c *Client) single(ctx context.Context, method, path string, params url.Values, headers map[string]string, body []byte) (json.RawMessage, error) {
	var rows []json.RawMessage
	if err := c.do(ctx, method, path, params, headers, body, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.NewError(store.ErrNotFound, "%s %s matched no rows", method, path)
	}
	return rows[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, headers map[string]string, body []byte, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return &store.RemoteError{Status: http.StatusUnauthorized, Message: err.Error()}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &store.RemoteError{Status: 0, Message: err.Error(), Err: fmt.Errorf("%w: %v", store.ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &store.RemoteError{Status: 0, Message: err.Error(), Err: fmt.Errorf("%w: %v", store.ErrUnavailable, err)}
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, payload)
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
	// auth endpoints
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
}

func decodeError(status int, payload []byte) error {
	var body errorBody
	_ = json.Unmarshal(payload, &body)
	msg := body.Message
	for _, alt := range []string{body.ErrorDescription, body.Msg, body.Error, strings.TrimSpace(string(payload))} {
		if msg != "" {
			break
		}
		msg = alt
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &store.RemoteError{Status: status, Code: body.Code, Message: msg}
}

func ownerFilter(q store.Query) url.Values {
	params := url.Values{}
	params.Set("user_id", "eq."+q.UserID)
	if q.ID != "" {
		params.Set("id", "eq."+q.ID)
	}
	return params
}

func withOwner(row json.RawMessage, userID string) ([]byte, error) {
	decoded, err := store.DecodeRow(row)
	if err != nil {
		return nil, err
	}
	decoded["user_id"] = userID
	return json.Marshal(decoded)
}
