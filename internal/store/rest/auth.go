package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"daftar/internal/session"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshSession exchanges a refresh token at the auth endpoint.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (session.Tokens, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return session.Tokens{}, err
	}
	params := url.Values{"grant_type": []string{"refresh_token"}}

	var resp tokenResponse
	// The refresh call must not carry the expired bearer token.
	unauthenticated := &Client{baseURL: c.baseURL, apiKey: c.apiKey, http: c.http}
	if err := unauthenticated.do(ctx, http.MethodPost, "/auth/v1/token", params, nil, body, &resp); err != nil {
		return session.Tokens{}, err
	}
	return session.Tokens{Access: resp.AccessToken, Refresh: resp.RefreshToken}, nil
}
