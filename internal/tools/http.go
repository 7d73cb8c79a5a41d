package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/agentgraph/pkg/schema"
)

// HTTPConfig configures the http_request tool.
type HTTPConfig struct {
	Client          *http.Client
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	MaxRedirects    int
}

const (
	defaultMaxResponseBody = 1 << 20 // model context is the real limit
	defaultHTTPTimeout     = 20 * time.Second
	defaultMaxRedirects    = 5
)

const httpRequestSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "method": {"type": "string", "enum": ["GET", "HEAD", "POST", "PUT", "PATCH", "DELETE"]},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json", "form", "text"]},
    "timeout": {"type": "string"}
  },
  "additionalProperties": false
}`

// HTTPTools returns the http_request tool.
func HTTPTools(cfg HTTPConfig) []Tool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	client := &http.Client{}
	if cfg.Client != nil {
		cp := *cfg.Client
		client = &cp
	}
	limit := cfg.MaxRedirects
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	}

	return []Tool{NewFuncTool(schema.ToolDefinition{
		Name:        "http_request",
		Description: "Sends an HTTP request and returns the status, headers and body. JSON bodies are decoded.",
		Parameters:  json.RawMessage(httpRequestSchema),
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return doHTTPRequest(ctx, client, cfg, args)
	})}
}

func doHTTPRequest(ctx context.Context, client *http.Client, cfg HTTPConfig, args map[string]any) (any, error) {
	rawURL := stringParam(args, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeToolArgumentInvalid, "invalid url %q", rawURL)
	}
	method := strings.ToUpper(stringParam(args, "method", http.MethodGet))

	timeout := cfg.DefaultTimeout
	if s := stringParam(args, "timeout", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeToolArgumentInvalid, "invalid timeout %q", s)
		}
		timeout = min(d, cfg.DefaultTimeout)
	}

	body, contentType, err := encodeBody(args["body"], stringParam(args, "body_encoding", "json"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeToolArgumentInvalid, "build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := args["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "%s %s: %s", method, u.Host, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody+1))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeToolFailed, "read response body").WithCause(err)
	}
	truncated := int64(len(data)) > cfg.MaxResponseBody
	if truncated {
		data = data[:cfg.MaxResponseBody]
	}

	respType := resp.Header.Get("Content-Type")
	var parsed any
	if len(data) > 0 {
		parsed = string(data)
		if strings.Contains(respType, "json") && !truncated {
			var v any
			if json.Unmarshal(data, &v) == nil {
				parsed = v
			}
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"content_type": respType,
		"body":         parsed,
		"truncated":    truncated,
		"duration_ms":  time.Since(start).Milliseconds(),
	}, nil
}

func encodeBody(body any, encoding string) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		fields, ok := body.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeToolArgumentInvalid, "form body must be an object")
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(body)), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeToolArgumentInvalid, "encode JSON body").WithCause(err)
		}
		return strings.NewReader(string(data)), "application/json", nil
	}
}
