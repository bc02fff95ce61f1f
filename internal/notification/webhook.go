// Package notification delivers operator alerts to an HTTP webhook.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/scratchd/internal/observability"
)

const sendTimeout = 10 * time.Second

// Message is the JSON body posted to the webhook.
type Message struct {
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Source   string         `json:"source"`
}

// Webhook posts messages to one URL. Unless private targets are allowed,
// hosts resolving to loopback, private or link-local addresses are refused
// and redirects are never followed.
type Webhook struct {
	url          string
	allowPrivate bool
	client       *http.Client
	logger       *slog.Logger
	lookup       func(host string) ([]string, error)
}

// NewWebhook validates rawURL and returns a sender for it.
func NewWebhook(rawURL string, allowPrivate bool, logger *slog.Logger) (*Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook scheme must be http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("webhook URL has no host")
	}
	return &Webhook{
		url:          rawURL,
		allowPrivate: allowPrivate,
		client: &http.Client{
			Timeout: sendTimeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
		lookup: net.LookupHost,
	}, nil
}

// Send posts msg and fails on any non-2xx answer.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	if !w.allowPrivate {
		if err := w.checkHost(); err != nil {
			return fmt.Errorf("webhook URL rejected: %w", err)
		}
	}
	if msg.Source == "" {
		msg.Source = "scratchd"
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "scratchd-webhook/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// checkHost resolves the target and refuses internal addresses.
func (w *Webhook) checkHost() error {
	u, err := url.Parse(w.url)
	if err != nil {
		return err
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		return fmt.Errorf("loopback addresses not allowed")
	}
	addrs := []string{host}
	if net.ParseIP(host) == nil {
		if addrs, err = w.lookup(host); err != nil {
			return fmt.Errorf("DNS lookup failed for %q: %w", host, err)
		}
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", a)
		}
	}
	return nil
}

// AnomalyHook adapts the webhook to the anomaly detector's hook.
func (w *Webhook) AnomalyHook() func(observability.Anomaly) {
	return func(an observability.Anomaly) {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := w.Send(ctx, AnomalyMessage(an)); err != nil {
			w.logger.Error("delivering anomaly alert",
				slog.String("kind", an.Kind),
				slog.String("key", an.Key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// AnomalyMessage renders an anomaly for humans and keeps the raw values in
// the metadata.
func AnomalyMessage(an observability.Anomaly) Message {
	var body string
	switch an.Kind {
	case observability.AnomalyFailureRate:
		body = fmt.Sprintf("%s: %.0f%% of runs failed to start or hit internal errors in the last %s (threshold %.0f%%)",
			an.Key, an.Value*100, an.Window, an.Threshold*100)
	case observability.AnomalyViolations:
		body = fmt.Sprintf("%s: %.0f sandbox violations in the last %s", an.Key, an.Value, an.Window)
	default:
		body = fmt.Sprintf("%s: %s anomaly (value %g)", an.Key, an.Kind, an.Value)
	}
	return Message{
		Subject: "scratchd anomaly: " + an.Kind,
		Body:    body,
		Metadata: map[string]any{
			"kind":      an.Kind,
			"key":       an.Key,
			"value":     an.Value,
			"threshold": an.Threshold,
			"time":      an.Time.UTC().Format(time.RFC3339),
		},
	}
}
