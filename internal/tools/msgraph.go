package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/rendis/agentgraph/pkg/schema"
)

const (
	// ProviderTypeMicrosoft is the credential provider type of the Graph tools.
	ProviderTypeMicrosoft = "microsoft"

	defaultGraphBaseURL  = "https://graph.microsoft.com/v1.0"
	accessTokenSecret    = "access_token"
	maxGraphResponseBody = 4 * 1024 * 1024
)

// GraphConfig configures the Microsoft Graph tools.
type GraphConfig struct {
	BaseURL     string
	Credentials CredentialAccessor
	// HTTPClient is the base transport wrapped by the OAuth2 client. Optional.
	HTTPClient *http.Client
}

// GraphTools returns identity_lookup and graph_search. Both require a
// "microsoft" posture; Build marks them unavailable when it lacks the scopes.
func GraphTools(cfg GraphConfig) []Tool {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGraphBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &graphClient{cfg: cfg}
	return []Tool{
		NewFuncTool(schema.ToolDefinition{
			Name:           "identity_lookup",
			Description:    "Returns the signed-in user's profile from Microsoft Graph.",
			Parameters:     json.RawMessage(identityLookupSchema),
			ProviderType:   ProviderTypeMicrosoft,
			RequiredScopes: []string{"User.Read"},
		}, c.identityLookup),
		NewFuncTool(schema.ToolDefinition{
			Name:           "graph_search",
			Description:    "Searches Microsoft 365 content (messages, events, files) via Microsoft Graph.",
			Parameters:     json.RawMessage(graphSearchSchema),
			ProviderType:   ProviderTypeMicrosoft,
			RequiredScopes: []string{"Mail.Read", "Files.Read.All"},
		}, c.search),
	}
}

const identityLookupSchema = `{
  "type": "object",
  "properties": {
    "select": {"type": "string", "description": "comma-separated profile fields"}
  },
  "additionalProperties": false
}`

const graphSearchSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "entity_types": {"type": "array", "items": {"type": "string", "enum": ["message", "event", "driveItem", "listItem", "site"]}},
    "size": {"type": "integer", "minimum": 1, "maximum": 50}
  },
  "additionalProperties": false
}`

type graphClient struct {
	cfg GraphConfig
}

func (c *graphClient) identityLookup(ctx context.Context, args map[string]any) (any, error) {
	endpoint := c.cfg.BaseURL + "/me"
	if sel := stringParam(args, "select", ""); sel != "" {
		endpoint += "?" + url.Values{"$select": {sel}}.Encode()
	}
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

func (c *graphClient) search(ctx context.Context, args map[string]any) (any, error) {
	entityTypes := []string{"message", "driveItem"}
	if raw, ok := args["entity_types"].([]any); ok && len(raw) > 0 {
		entityTypes = entityTypes[:0]
		for _, v := range raw {
			if s, ok := v.(string); ok {
				entityTypes = append(entityTypes, s)
			}
		}
	}
	body := map[string]any{
		"requests": []map[string]any{{
			"entityTypes": entityTypes,
			"query":       map[string]any{"queryString": stringParam(args, "query", "")},
			"size":        intParam(args, "size", 10),
		}},
	}
	return c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/search/query", body)
}

func (c *graphClient) do(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	httpClient, err := c.httpClient(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeToolFailed, "encode graph request").WithCause(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeToolFailed, "build graph request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxGraphResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read graph response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "graph returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))).
			WithDetails(map[string]any{"status": resp.StatusCode, "endpoint": endpoint})
	}
	if !json.Valid(data) {
		return nil, schema.NewError(schema.ErrCodeToolFailed, "graph returned a non-JSON body")
	}
	return data, nil
}

// httpClient builds an OAuth2 client from the current posture's access token.
func (c *graphClient) httpClient(ctx context.Context) (*http.Client, error) {
	if c.cfg.Credentials == nil {
		return nil, schema.NewError(schema.ErrCodeToolFailed, "no credential accessor configured")
	}
	posture, err := c.cfg.Credentials.GetPosture(ctx, ProviderTypeMicrosoft)
	if err != nil {
		return nil, err
	}
	token := posture.Secrets[accessTokenSecret]
	if token == "" {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "posture %q has no %s", ProviderTypeMicrosoft, accessTokenSecret)
	}
	if c.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})), nil
}
