// Package proxy implements the single-shot upstream call path: resolve a
// credential, issue the GET, classify the vendor response, and account the
// outcome back onto the credential pool.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tomentu/poicrawler/internal/store"
	"github.com/tomentu/poicrawler/internal/telemetry"
)

// endpointKinds maps the exact upstream endpoint strings to the credential
// kind they draw from (spec.md §4.4 "Endpoint → kind mapping").
var endpointKinds = map[string]store.Kind{
	"v3/place/text":    store.KindKeyword,
	"v3/place/around":  store.KindAround,
	"v3/place/polygon": store.KindPolygon,
}

// CredentialPool is the subset of pkg/credential.Pool the forwarder needs.
type CredentialPool interface {
	Acquire(ctx context.Context, kind store.Kind) (store.Credential, bool, error)
	IncrementUsage(ctx context.Context, id int64, kind store.Kind) (bool, error)
	MarkDailyExhausted(ctx context.Context, id int64, kind store.Kind) error
	Disable(ctx context.Context, id int64, reason string) error
	ActiveCount(ctx context.Context) (int, error)
}

// Response is the envelope returned by Forward: either a passed-through
// upstream body or a proxy-side error envelope (spec.md §6 "Response
// envelope on proxy-side errors").
type Response struct {
	Status int
	Body   json.RawMessage
}

func errorEnvelope(status string, info string, infoCode string) json.RawMessage {
	m := map[string]string{"status": status, "info": info}
	if infoCode != "" {
		m["info_code"] = infoCode
	}
	b, _ := json.Marshal(m)
	return b
}

// Forwarder issues upstream calls against the AMap-style vendor API.
type Forwarder struct {
	pool       CredentialPool
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// Config configures the Forwarder's HTTP client.
type Config struct {
	BaseURL          string
	RequestTimeoutMS int
	ProxyEnabled     bool
	ProxyURL         string
}

// NewForwarder builds a Forwarder. The HTTP client disables TLS
// verification for compatibility with the legacy deployment (spec.md §4.4
// step 3) and optionally routes through an HTTP(S) proxy.
func NewForwarder(pool CredentialPool, cfg Config, logger *slog.Logger) *Forwarder {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	if cfg.ProxyEnabled && cfg.ProxyURL != "" {
		if u, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}

	return &Forwarder{
		pool: pool,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// Forward resolves endpoint to a credential kind, acquires a credential,
// issues the upstream call, and classifies the result, retrying by
// reacquiring a fresh credential on daily-limit or invalid-key responses
// (spec.md §4.4).
func (f *Forwarder) Forward(ctx context.Context, endpoint string, params url.Values) Response {
	start := time.Now()
	kind, ok := endpointKinds[endpoint]
	if !ok {
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "invalid_endpoint").Inc()
		return Response{Status: http.StatusBadRequest, Body: errorEnvelope("0", "Invalid endpoint", "")}
	}

	retryCap, err := f.pool.ActiveCount(ctx)
	if err != nil || retryCap < 1 {
		retryCap = 1
	}

	var resp Response
	for attempt := 0; attempt <= retryCap; attempt++ {
		resp = f.attempt(ctx, endpoint, kind, params)
		if resp.Status != retryStatus {
			break
		}
	}
	if resp.Status == retryStatus {
		resp = Response{Status: http.StatusServiceUnavailable, Body: errorEnvelope("0", "No available API key for kind "+string(kind), "1008611")}
	}

	telemetry.ProxyRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	return resp
}

// retryStatus is a sentinel meaning "classify again with a fresh
// credential"; never returned to callers.
const retryStatus = -1

func (f *Forwarder) attempt(ctx context.Context, endpoint string, kind store.Kind, params url.Values) Response {
	cred, ok, err := f.pool.Acquire(ctx, kind)
	if err != nil {
		f.logger.Error("acquiring credential", "kind", kind, "error", err)
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "no_key").Inc()
		return Response{Status: http.StatusServiceUnavailable, Body: errorEnvelope("0", "No available API key for kind "+string(kind), "1008611")}
	}
	if !ok {
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "no_key").Inc()
		return Response{Status: http.StatusServiceUnavailable, Body: errorEnvelope("0", "No available API key for kind "+string(kind), "1008611")}
	}

	reqURL := fmt.Sprintf("%s/%s", f.baseURL, endpoint)
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("key", cred.Key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL+"?"+q.Encode(), nil)
	if err != nil {
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		return Response{Status: http.StatusInternalServerError, Body: errorEnvelope("0", err.Error(), "1008612")}
	}

	httpResp, err := f.httpClient.Do(req)
	if err != nil {
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		return Response{Status: http.StatusInternalServerError, Body: errorEnvelope("0", err.Error(), "1008612")}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		return Response{Status: http.StatusInternalServerError, Body: errorEnvelope("0", err.Error(), "1008612")}
	}

	if httpResp.StatusCode != http.StatusOK {
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "upstream_error").Inc()
		return Response{Status: httpResp.StatusCode, Body: raw}
	}

	var body struct {
		InfoCode string `json:"infocode"`
		Info     string `json:"info"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "upstream_error").Inc()
		return Response{Status: http.StatusBadRequest, Body: raw}
	}

	switch {
	case body.InfoCode == "10000":
		if _, err := f.pool.IncrementUsage(ctx, cred.ID, kind); err != nil {
			f.logger.Error("incrementing usage", "credential_id", cred.ID, "kind", kind, "error", err)
		}
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
		return Response{Status: http.StatusOK, Body: raw}

	case strings.Contains(body.Info, "DAILY_QUERY_OVER_LIMIT"):
		if err := f.pool.MarkDailyExhausted(ctx, cred.ID, kind); err != nil {
			f.logger.Error("marking daily exhausted", "credential_id", cred.ID, "kind", kind, "error", err)
		}
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "daily_limit").Inc()
		return Response{Status: retryStatus}

	case strings.Contains(body.Info, "INVALID_USER_KEY"):
		if err := f.pool.Disable(ctx, cred.ID, body.Info); err != nil {
			f.logger.Error("disabling credential", "credential_id", cred.ID, "error", err)
		}
		telemetry.CredentialsDisabledTotal.Inc()
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "invalid_key").Inc()
		return Response{Status: retryStatus}

	default:
		telemetry.ProxyRequestsTotal.WithLabelValues(endpoint, "upstream_error").Inc()
		return Response{Status: http.StatusBadRequest, Body: raw}
	}
}
