// Package llm expresses model invocation as a capability, not a library
// binding: one method, prompt in, text out, with a capability-tier knob so
// the least-capable adequate model is a configuration choice at the call
// site and never hardwired into the conversation machine.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CapabilityTier selects how capable a model the gateway should route to.
// Intake runs on the smallest tier: lower capability correlates with lower
// susceptibility to sophisticated manipulation.
type CapabilityTier string

const (
	CapabilityMinimal  CapabilityTier = "minimal"
	CapabilityStandard CapabilityTier = "standard"
	CapabilityAdvanced CapabilityTier = "advanced"
)

// Transducer errors surfaced to the conversation machine
var (
	// ErrTimeout means the call exceeded its deadline; the turn is counted
	// against the budget and the user is prompted to retry.
	ErrTimeout = errors.New("model call timed out")
	// ErrUnavailable means the model gateway is down or its circuit breaker
	// is open; the session is paused, not aborted.
	ErrUnavailable = errors.New("model gateway unavailable")
)

// Message is one turn of conversation context sent to the model
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries one black-box text transduction
type CompletionRequest struct {
	System      string         `json:"system"`
	Messages    []Message      `json:"messages"`
	Tier        CapabilityTier `json:"capability_tier"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
}

// completionResponse is the gateway's wire response
type completionResponse struct {
	Text string `json:"text"`
}

// Transducer is the black-box text transducer the conversation machine
// speaks to. Implementations must honor context cancellation promptly so a
// cancelled session releases its in-flight call.
type Transducer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	IsHealthy(ctx context.Context) bool
}

// Client talks to the model gateway service over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a model gateway client with a circuit breaker
func NewClient() *Client {
	baseURL := os.Getenv("MODEL_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://model-gateway-service:8002"
		log.Printf("WARN: MODEL_GATEWAY_URL not set, defaulting to %s", baseURL)
	}

	settings := gobreaker.Settings{
		Name:        "model-gateway",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 45 * time.Second,
		},
		tracer:  otel.Tracer("model-gateway-client"),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// SetBaseURL sets the base URL for testing purposes
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Complete sends one completion request through the circuit breaker.
// Deadline overruns map to ErrTimeout; breaker-open and transport failures
// map to ErrUnavailable.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "model_gateway.complete")
	defer span.End()

	span.SetAttributes(
		attribute.String("model.capability_tier", string(req.Tier)),
		attribute.Int("model.max_tokens", req.MaxTokens),
	)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.completeInternal(ctx, req)
	})

	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return result.(string), nil
}

// completeInternal performs the actual HTTP request
func (c *Client) completeInternal(ctx context.Context, req CompletionRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/complete", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return "", fmt.Errorf("model gateway returned status %d (failed to read body: %w)", resp.StatusCode, readErr)
		}
		return "", fmt.Errorf("model gateway returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var completion completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return completion.Text, nil
}

// IsHealthy checks the model gateway health endpoint
func (c *Client) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "model_gateway.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	url := fmt.Sprintf("%s/health", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))

	return healthy
}
