package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"doppel-ai/internal/domain"
)

// createAgentTimeout bounds the synchronous create-agent call.
const createAgentTimeout = 30 * time.Second

// Registrar performs the one-shot create-agent REST call. One Registrar is
// shared by every Community Agent so the circuit breaker sees the service's
// aggregate health.
type Registrar struct {
	apiURL  string
	apiKey  string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

// NewRegistrar creates a Registrar for the given REST base URL.
func NewRegistrar(apiURL, apiKey string, logger *slog.Logger) *Registrar {
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "agent-service",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Registrar{
		apiURL:  strings.TrimRight(apiURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: createAgentTimeout},
		breaker: cb,
		logger:  logger,
	}
}

type createAgentRequest struct {
	Name     string               `json:"name"`
	Metadata domain.AgentMetadata `json:"metadata"`
}

type createAgentResponse struct {
	AgentID string `json:"agent_id"`
}

// CreateAgent registers a new agent with the remote service and returns its
// ID. Bounded by a 30s timeout; failures count against the circuit breaker.
func (r *Registrar) CreateAgent(ctx context.Context, name string, meta domain.AgentMetadata) (string, error) {
	agentID, err := r.breaker.Execute(func() (string, error) {
		return r.createAgent(ctx, name, meta)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", domain.NewDomainError("wire.CreateAgent", err, "circuit open")
		}
		return "", err
	}
	return agentID, nil
}

func (r *Registrar) createAgent(ctx context.Context, name string, meta domain.AgentMetadata) (string, error) {
	body, err := json.Marshal(createAgentRequest{Name: name, Metadata: meta})
	if err != nil {
		return "", domain.WrapOp("wire.CreateAgent", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, createAgentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.apiURL+"/agents", bytes.NewReader(body))
	if err != nil {
		return "", domain.WrapOp("wire.CreateAgent", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpc.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return "", domain.NewDomainError("wire.CreateAgent", domain.ErrCreateTimeout, "")
		}
		return "", domain.WrapOp("wire.CreateAgent", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("wire.CreateAgent: status %d: %s", resp.StatusCode, snippet)
	}

	var out createAgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", domain.WrapOp("wire.CreateAgent", err)
	}
	if out.AgentID == "" {
		return "", fmt.Errorf("wire.CreateAgent: response missing agent_id")
	}
	return out.AgentID, nil
}
