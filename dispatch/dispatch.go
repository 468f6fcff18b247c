// Package dispatch delivers trigger notifications to user webhooks. Every
// payload is a canonical JSON document, optionally signed with a shared
// secret, posted with a bounded timeout and a bounded number of attempts.
package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "dispatch")

var (
	dispatchCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_dispatch_total",
		Help: "The number of webhook deliveries by outcome.",
	}, []string{"outcome"})
	dispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_dispatch_seconds",
		Help:    "Webhook delivery latency including retries.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a
// shared secret is configured.
const SignatureHeader = "X-Sentinel-Signature"

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	retryBackoff    = 500 * time.Millisecond
)

// Result reports how a delivery went.
type Result struct {
	Success  bool
	Status   int
	Error    string
	Duration time.Duration
	Attempts int
}

// Dispatcher posts payloads to webhook URLs. It is safe for concurrent
// use; the underlying HTTP client is shared.
type Dispatcher struct {
	hc          *http.Client
	secret      []byte
	maxAttempts int
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds each delivery attempt.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.hc.Timeout = d }
}

// WithSecret enables HMAC signing of request bodies.
func WithSecret(secret string) Option {
	return func(disp *Dispatcher) {
		if secret != "" {
			disp.secret = []byte(secret)
		}
	}
}

// WithMaxAttempts bounds retries on network errors and 5xx responses.
func WithMaxAttempts(n int) Option {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.maxAttempts = n
		}
	}
}

// New returns a dispatcher with a 10 s per-attempt timeout and three
// attempts unless overridden.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hc:          &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send posts the payload to the URL. Network errors and 5xx responses are
// retried with a short backoff; any 4xx is terminal since retrying a
// rejected payload cannot succeed.
func (d *Dispatcher) Send(ctx context.Context, url string, payload *Payload) *Result {
	started := time.Now()
	res := &Result{}

	body, err := json.Marshal(payload)
	if err != nil {
		res.Error = "could not encode payload: " + err.Error()
		res.Duration = time.Since(started)
		dispatchCount.WithLabelValues("encode_error").Inc()
		return res
	}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		res.Attempts = attempt
		status, err := d.post(ctx, url, body)
		res.Status = status
		switch {
		case err == nil && status >= 200 && status < 300:
			res.Success = true
			res.Error = ""
			res.Duration = time.Since(started)
			dispatchCount.WithLabelValues("delivered").Inc()
			dispatchLatency.Observe(res.Duration.Seconds())
			return res
		case err == nil && status >= 400 && status < 500:
			res.Error = "webhook rejected with status " + http.StatusText(status)
			res.Duration = time.Since(started)
			dispatchCount.WithLabelValues("rejected").Inc()
			return res
		case err != nil:
			res.Error = err.Error()
		default:
			res.Error = "webhook returned status " + http.StatusText(status)
		}

		if attempt < d.maxAttempts {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"status":  status,
			}).WithError(err).Debug("Webhook delivery failed, retrying")
			select {
			case <-time.After(retryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				res.Error = ctx.Err().Error()
				res.Duration = time.Since(started)
				dispatchCount.WithLabelValues("canceled").Inc()
				return res
			}
		}
	}

	res.Duration = time.Since(started)
	dispatchCount.WithLabelValues("failed").Inc()
	return res
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(d.secret) > 0 {
		mac := hmac.New(sha256.New, d.secret)
		mac.Write(body)
		req.Header.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := d.hc.Do(req)
	if err != nil {
		return 0, err
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if err := resp.Body.Close(); err != nil {
		log.WithError(err).Debug("Could not close webhook response body")
	}
	return resp.StatusCode, nil
}
