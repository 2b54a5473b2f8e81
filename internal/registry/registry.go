// Package registry implements the User Registry: a periodically-refreshed
// name-to-userId mapping backed by an HTTP endpoint, and the bounded
// write-behind queue that flushes new worker-name rows to the relational
// store.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// userListResponse mirrors the user-list HTTP endpoint's response shape.
type userListResponse struct {
	Data map[string]int64 `json:"data"`
}

// Registry maintains the userName -> userId mapping. nameIds is guarded
// by a reader-writer lock; the hot path GetUserID takes a read lock only.
type Registry struct {
	mu            sync.RWMutex
	nameIDs       map[string]int64
	lastMaxUserID int64

	apiURL         string
	refreshPeriod  time.Duration
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *zap.Logger

	refreshErrors prometheus.Counter
	namesLoaded   prometheus.Gauge
}

// New constructs a Registry against the given user-list endpoint.
func New(apiURL string, refreshPeriod, requestTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		nameIDs:        make(map[string]int64),
		apiURL:         apiURL,
		refreshPeriod:  refreshPeriod,
		requestTimeout: requestTimeout,
		httpClient:     &http.Client{Timeout: requestTimeout},
		logger:         logger.Named("registry"),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_registry_refresh_errors_total",
			Help: "Total failed user-list refresh attempts.",
		}),
		namesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratumcore_registry_names_loaded",
			Help: "Number of userName -> userId entries currently held.",
		}),
	}
}

// Collectors returns the prometheus collectors owned by the registry.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.refreshErrors, r.namesLoaded}
}

// GetUserID is the hot path: a read-lock-only lookup.
func (r *Registry) GetUserID(name string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameIDs[name]
	return id, ok
}

// refresh issues one GET {apiUrl}?last_id={lastMaxUserId} and merges the
// result into nameIds. It returns the number of newly observed names.
func (r *Registry) refresh(ctx context.Context) (int, error) {
	r.mu.RLock()
	lastMaxUserID := r.lastMaxUserID
	r.mu.RUnlock()

	reqURL, err := url.Parse(r.apiURL)
	if err != nil {
		return 0, fmt.Errorf("invalid user_api.url: %w", err)
	}
	q := reqURL.Query()
	q.Set("last_id", fmt.Sprintf("%d", lastMaxUserID))
	reqURL.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("user-list request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("reading user-list response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("user-list request returned status %d", resp.StatusCode)
	}

	var parsed userListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("decoding user-list response: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	newRows := 0
	for name, id := range parsed.Data {
		if _, exists := r.nameIDs[name]; !exists {
			r.nameIDs[name] = id
			newRows++
		}
		if id > r.lastMaxUserID {
			r.lastMaxUserID = id
		}
	}
	r.namesLoaded.Set(float64(len(r.nameIDs)))

	return newRows, nil
}

// WarmUp repeatedly refreshes until a refresh observes zero new rows,
// guaranteeing the map is caught up before the server starts accepting
// connections.
func (r *Registry) WarmUp(ctx context.Context) error {
	for {
		newRows, err := r.refresh(ctx)
		if err != nil {
			r.refreshErrors.Inc()
			return fmt.Errorf("warm-up refresh: %w", err)
		}
		if newRows == 0 {
			return nil
		}
	}
}

// Run drives the steady-state 10s refresh loop until ctx is cancelled.
// Refresh failures are recoverable: log and continue.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.refresh(ctx); err != nil {
				r.refreshErrors.Inc()
				r.logger.Error("user-list refresh failed", zap.Error(err))
			}
		}
	}
}
