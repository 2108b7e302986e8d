// Package dispatch delivers routing decisions to their downstream
// consumers: auto_build goes to the build pipeline, human_review and
// reject_with_refund go to the review queue (rejections are reviewed for
// refund processing, not re-litigated).
package dispatch

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

	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// ErrDownstreamUnavailable means the target service is down or its breaker
// is open. The decision stays persisted and is re-dispatched later.
var ErrDownstreamUnavailable = errors.New("downstream service unavailable")

// Dispatcher routes terminal decisions to the build pipeline or the
// review queue over HTTP.
type Dispatcher struct {
	buildURL   string
	reviewURL  string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
}

// NewDispatcher creates a dispatcher wired to the build pipeline and
// review queue services.
func NewDispatcher() *Dispatcher {
	buildURL := os.Getenv("BUILD_PIPELINE_URL")
	if buildURL == "" {
		buildURL = "http://build-pipeline-service:8003"
		log.Printf("WARN: BUILD_PIPELINE_URL not set, defaulting to %s", buildURL)
	}
	reviewURL := os.Getenv("REVIEW_QUEUE_URL")
	if reviewURL == "" {
		reviewURL = "http://review-queue-service:8004"
		log.Printf("WARN: REVIEW_QUEUE_URL not set, defaulting to %s", reviewURL)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatch",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf(`{"event":"circuit_breaker_state_change","breaker":"%s","from":"%s","to":"%s"}`, name, from, to)
		},
	})

	return &Dispatcher{
		buildURL:   buildURL,
		reviewURL:  reviewURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tracer:     otel.Tracer("dispatch-client"),
		breaker:    breaker,
	}
}

// SetBaseURLs overrides the downstream endpoints, used by tests
func (d *Dispatcher) SetBaseURLs(buildURL, reviewURL string) {
	d.buildURL = buildURL
	d.reviewURL = reviewURL
}

// Dispatch delivers the decision to the consumer its outcome selects. The
// build pipeline receives only the validated document and billing state,
// never raw turn records.
func (d *Dispatcher) Dispatch(ctx context.Context, decision *models.RoutingDecision) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", decision.SessionID.String()),
		attribute.String("routing.outcome", string(decision.Outcome)),
	)

	var url string
	switch decision.Outcome {
	case models.RouteAutoBuild:
		url = d.buildURL + "/v1/builds"
	case models.RouteHumanReview, models.RouteRejectWithRefund:
		url = d.reviewURL + "/v1/review-items"
	default:
		return fmt.Errorf("unknown routing outcome %q", decision.Outcome)
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.post(ctx, url, decision)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrDownstreamUnavailable
		}
		return err
	}

	log.Printf(`{"event":"decision_dispatched","session_id":"%s","outcome":"%s","tier":"%s"}`,
		decision.SessionID, decision.Outcome, decision.AssignedTier)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, decision *models.RoutingDecision) error {
	body, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return ErrDownstreamUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ErrDownstreamUnavailable
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("downstream rejected decision: status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
