// Package stats provides fire-and-forget usage counter sinks. Reporting must
// never block message handling; every sink swallows its own failures.
package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// reportTimeout bounds one sink delivery attempt.
const reportTimeout = 5 * time.Second

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Report(context.Context, string, string, string) {}

// HTTPSink posts each event to a collector endpoint. Deliveries run on their
// own goroutine behind a rate limiter; over-limit events are dropped rather
// than queued.
type HTTPSink struct {
	url     string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPSink creates a sink posting to url.
func NewHTTPSink(url string, logger *slog.Logger) *HTTPSink {
	return &HTTPSink{
		url:     url,
		httpc:   &http.Client{Timeout: reportTimeout},
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
		logger:  logger,
	}
}

type statEvent struct {
	// ID lets the collector deduplicate retried deliveries.
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CommunityID string    `json:"community_id"`
	Event       string    `json:"event"`
	Timestamp   time.Time `json:"timestamp"`
}

// Report implements domain.StatsSink.
func (s *HTTPSink) Report(_ context.Context, userID, communityID, event string) {
	if !s.limiter.Allow() {
		s.logger.Debug("stat event dropped by rate limiter", "event", event)
		return
	}
	go s.post(statEvent{
		ID:          ulid.Make().String(),
		UserID:      userID,
		CommunityID: communityID,
		Event:       event,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *HTTPSink) post(ev statEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		s.logger.Debug("stat delivery failed", "error", err)
		return
	}
	resp.Body.Close()
}
