package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daftar/internal/store"
)

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

func TestSelectBuildsOwnerScopedQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/sales", r.URL.Path)
		assert.Equal(t, "eq.acct", r.URL.Query().Get("user_id"))
		assert.Equal(t, "date.desc", r.URL.Query().Get("order"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[{"id":"s1"},{"id":"s2"}]`)
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key", staticToken("tok"))
	rows, err := c.Select(context.Background(), store.Query{Table: store.TableSales, UserID: "acct", Order: "date", Desc: true, Limit: 20})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestInsertStampsOwner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acct", body["user_id"])
		body["id"] = "new-id"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]any{body})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", nil)
	raw, err := c.Insert(context.Background(), store.TableCustomers, "acct", json.RawMessage(`{"name":"Ali","user_id":"spoofed"}`))
	require.NoError(t, err)
	row, _ := store.DecodeRow(raw)
	assert.Equal(t, "new-id", row.String("id"))
	assert.Equal(t, "acct", row.String("user_id"))
}

func TestDeleteMatchingNothingIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.x", r.URL.Query().Get("id"))
		assert.Equal(t, "eq.acct", r.URL.Query().Get("user_id"))
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	err := New(srv.URL, "k", nil).Delete(context.Background(), store.Query{Table: store.TableWaste, UserID: "acct", ID: "x"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unique", http.StatusConflict, `{"code":"23505","message":"duplicate key"}`, store.ErrConflict},
		{"foreign key", http.StatusConflict, `{"code":"23503","message":"violates foreign key"}`, store.ErrReferenced},
		{"expired jwt", http.StatusUnauthorized, `{"code":"PGRST301","message":"JWT expired"}`, store.ErrUnauthorized},
		{"bad gateway", http.StatusBadGateway, `upstream`, store.ErrUnavailable},
		{"unavailable", http.StatusServiceUnavailable, ``, store.ErrUnavailable},
		{"bad request", http.StatusBadRequest, `{"message":"bad column"}`, store.ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "k", nil).Select(context.Background(), store.Query{Table: store.TableSales, UserID: "acct"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, tc.status, store.StatusOf(err))
		})
	}
}

func TestConnectionFailureIsStatusZero(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "k", nil).Select(context.Background(), store.Query{Table: store.TableSales, UserID: "acct"})
	require.Error(t, err)
	assert.Equal(t, 0, store.StatusOf(err))
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestCallPostsArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/return_sale", r.URL.Path)
		var args map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
		assert.Equal(t, "s1", args["sale_uuid"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k", nil).Call(context.Background(), store.RPCReturnSale, map[string]any{"sale_uuid": "s1", "user_uuid": "acct"})
	require.NoError(t, err)
}

func TestRefreshSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"access_token":"a2","refresh_token":"r2"}`)
	}))
	defer srv.Close()

	tokens, err := New(srv.URL, "k", staticToken("expired")).RefreshSession(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", tokens.Access)
	assert.Equal(t, "r2", tokens.Refresh)
}
