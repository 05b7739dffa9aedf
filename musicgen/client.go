package musicgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/italypaleale/tunequeue/musicgen"

	defaultTimeout = 2 * time.Minute

	// Maximum size of error responses read from the provider
	maxErrorBodySize = 4 << 10
)

// ClientOptions are options for NewClient.
type ClientOptions struct {
	// Base URL of the provider's API
	Endpoint string

	// API key, sent as bearer token
	APIKey string

	// Model to use; optional
	Model string

	// Timeout for each request to the provider.
	// This is optional, and defaults to 2 minutes.
	Timeout time.Duration

	// HTTP client to use.
	// This is optional, and defaults to a new client.
	HTTPClient *http.Client

	// TracerProvider used to create spans for calls to the provider.
	// This is optional, and defaults to the global tracer provider.
	TracerProvider trace.TracerProvider
}

// Client is the client for the music generation provider's API.
type Client struct {
	generateURL string
	apiKey      string
	model       string
	timeout     time.Duration
	httpClient  *http.Client
	tracer      trace.Tracer
}

// NewClient returns a new Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("provider endpoint is empty")
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse provider endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("provider endpoint has unsupported scheme '%s'", u.Scheme)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	return &Client{
		generateURL: u.JoinPath("v1", "generate").String(),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		timeout:     opts.Timeout,
		httpClient:  opts.HTTPClient,
		tracer:      opts.TracerProvider.Tracer(tracerName),
	}, nil
}

type generateRequest struct {
	Model        string `json:"model,omitempty"`
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Instrumental bool   `json:"instrumental"`
	Duration     int    `json:"duration,omitempty"`
}

type generateResponse struct {
	Tracks []Track `json:"tracks"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate requests the provider to generate tracks for the prompt.
// This call blocks until the provider returns the tracks, which can take a while.
func (c *Client) Generate(ctx context.Context, prompt Prompt) ([]Track, error) {
	err := prompt.Validate()
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "musicgen.Generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("musicgen.style", prompt.Style),
			attribute.Bool("musicgen.instrumental", prompt.Instrumental),
		),
	)
	defer span.End()

	tracks, err := c.doGenerate(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("musicgen.tracks", len(tracks)))
	return tracks, nil
}

func (c *Client) doGenerate(ctx context.Context, prompt Prompt) ([]Track, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{
		Model:        c.model,
		Prompt:       strings.TrimSpace(prompt.Text),
		Style:        prompt.Style,
		Instrumental: prompt.Instrumental,
		Duration:     prompt.DurationSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generateURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to provider: %w", err)
	}
	defer res.Body.Close() //nolint:errcheck

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, parseProviderError(res)
	}

	var out generateResponse
	err = json.NewDecoder(res.Body).Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	if len(out.Tracks) == 0 {
		return nil, ErrEmptyResponse
	}

	return out.Tracks, nil
}

func parseProviderError(res *http.Response) error {
	pErr := &ProviderError{
		StatusCode: res.StatusCode,
	}

	if ra := res.Header.Get("Retry-After"); ra != "" {
		secs, err := strconv.Atoi(ra)
		if err == nil && secs > 0 {
			pErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
	if len(raw) == 0 {
		return pErr
	}

	var errRes errorResponse
	if json.Unmarshal(raw, &errRes) == nil {
		switch {
		case errRes.Error != nil && errRes.Error.Message != "":
			pErr.Message = errRes.Error.Message
		case errRes.Message != "":
			pErr.Message = errRes.Message
		}
	}
	if pErr.Message == "" {
		pErr.Message = strings.TrimSpace(string(raw))
	}

	return pErr
}
