package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/pkg/schema"
)

func graphServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer graph-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"code":"InvalidAuthenticationToken"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/me":
			_, _ = io.WriteString(w, `{"displayName":"Ada Lovelace","mail":"ada@example.com","select":"`+r.URL.Query().Get("$select")+`"}`)
		case "/search/query":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			req := body["requests"].([]any)[0].(map[string]any)
			query := req["query"].(map[string]any)["queryString"]
			_ = json.NewEncoder(w).Encode(map[string]any{"value": []any{map[string]any{"searchTerms": []any{query}, "entityTypes": req["entityTypes"]}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func graphRegistry(t *testing.T, creds StaticCredentials, baseURL string) *Registry {
	t.Helper()
	reg, err := Build(context.Background(), creds, Config{}, GraphTools(GraphConfig{BaseURL: baseURL, Credentials: creds})...)
	require.NoError(t, err)
	return reg
}

func TestGraphTools_IdentityLookup(t *testing.T) {
	srv := graphServer(t)
	creds := StaticCredentials{ProviderTypeMicrosoft: {
		Scopes:  []string{"User.Read", "Mail.Read", "Files.Read.All"},
		Secrets: map[string]string{"access_token": "graph-token"},
	}}
	reg := graphRegistry(t, creds, srv.URL)

	out, err := invoke(t, reg, "identity_lookup", `{"select":"displayName,mail"}`)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", out["displayName"])
	assert.Equal(t, "displayName,mail", out["select"])
}

func TestGraphTools_Search(t *testing.T) {
	srv := graphServer(t)
	creds := StaticCredentials{ProviderTypeMicrosoft: {
		Scopes:  []string{"User.Read", "Mail.Read", "Files.Read.All"},
		Secrets: map[string]string{"access_token": "graph-token"},
	}}
	reg := graphRegistry(t, creds, srv.URL)

	out, err := invoke(t, reg, "graph_search", `{"query":"budget","entity_types":["message"]}`)
	require.NoError(t, err)
	hit := out["value"].([]any)[0].(map[string]any)
	assert.Equal(t, []any{"budget"}, hit["searchTerms"])
	assert.Equal(t, []any{"message"}, hit["entityTypes"])
}

func TestGraphTools_HTTPErrorIsToolFailure(t *testing.T) {
	srv := graphServer(t)
	creds := StaticCredentials{ProviderTypeMicrosoft: {
		Scopes:  []string{"User.Read"},
		Secrets: map[string]string{"access_token": "expired"},
	}}
	reg := graphRegistry(t, creds, srv.URL)

	_, err := invoke(t, reg, "identity_lookup", `{}`)
	assert.True(t, schema.IsCode(err, schema.ErrCodeToolFailed))
	assert.Contains(t, err.Error(), "401")
}

func TestGraphTools_UnavailableWithoutScopes(t *testing.T) {
	creds := StaticCredentials{ProviderTypeMicrosoft: {Scopes: []string{"User.Read"}}}
	reg := graphRegistry(t, creds, "http://unused")

	assert.True(t, reg.Has("identity_lookup"))
	assert.False(t, reg.Has("graph_search"))
}
