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

	"github.com/rendis/conduit/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPClientConfig configures the shared HTTP client.
type HTTPClientConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Transport       http.RoundTripper
}

// HTTPRequest is one outbound call. All fields are already resolved.
type HTTPRequest struct {
	Method            string
	URL               string
	Headers           map[string]string
	Body              any
	FailOnErrorStatus bool
}

// HTTPClient performs outbound HTTP calls for http_request steps and for the
// generic "http.request" tool. Response bodies are size-limited and JSON
// bodies are parsed into structured output.
type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

// NewHTTPClient creates an HTTPClient with defaults applied.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &HTTPClient{
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

// Do executes the request and returns a structured output map with
// status_code, status, headers, body, content_type, and duration_ms.
func (c *HTTPClient) Do(ctx context.Context, req HTTPRequest) (map[string]any, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", req.URL)
	}

	var bodyReader io.Reader
	var contentType string
	if req.Body != nil {
		switch b := req.Body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeStepExecution, "marshal request body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(data))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.DefaultTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "create request").WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(respContentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	out := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if req.FailOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "server returned %d", resp.StatusCode).
			WithDetails(out)
	}
	return out, nil
}

// HTTPTool exposes the HTTP client as the "http.request" tool so workflows
// can make ad-hoc calls through tool_call steps as well.
type HTTPTool struct {
	client *HTTPClient
}

// NewHTTPTool creates the http.request tool.
func NewHTTPTool(client *HTTPClient) *HTTPTool {
	if client == nil {
		client = NewHTTPClient(HTTPClientConfig{})
	}
	return &HTTPTool{client: client}
}

func (t *HTTPTool) Name() string { return "http.request" }

func (t *HTTPTool) Description() string {
	return "Execute an HTTP request with control over method, headers, and body."
}

func (t *HTTPTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	req := HTTPRequest{
		Method:            stringArg(args, "method"),
		URL:               stringArg(args, "url"),
		FailOnErrorStatus: boolArg(args, "fail_on_error_status"),
		Body:              args["body"],
	}
	if hdrs, ok := args["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(hdrs))
		for k, v := range hdrs {
			req.Headers[k] = fmt.Sprintf("%v", v)
		}
	}
	return t.client.Do(ctx, req)
}

func stringArg(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolArg(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

var _ Invoker = (*HTTPTool)(nil)
