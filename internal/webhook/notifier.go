package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const deliverTimeout = 5 * time.Second

// Event is the notification payload sent to an endpoint when a request
// reaches a terminal state. It is ephemeral: it exists only for the
// duration of a delivery attempt.
type Event struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	RecipeID  string    `json:"recipe_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is the JSON body of a notify_webhook job.
type Payload struct {
	URL       string `json:"url"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	RecipeID  string `json:"recipe_id,omitempty"`
}

// Validator is the endpoint-safety capability the Notifier re-checks every
// delivery against. *Guard satisfies it.
type Validator interface {
	Validate(ctx context.Context, rawURL string) (*Target, error)
}

// Notifier delivers events over short-timeout HTTP POSTs. Every delivery
// re-validates the endpoint through the Guard, so an endpoint captured long
// before delivery is checked against the policy at send time.
type Notifier struct {
	guard   Validator
	timeout time.Duration
}

// NewNotifier creates a Notifier. A non-positive timeout falls back to 5s.
func NewNotifier(guard Validator, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = deliverTimeout
	}
	return &Notifier{guard: guard, timeout: timeout}
}

// Deliver validates endpoint and POSTs the event to it. The connection is
// pinned to the address the validation resolved, and redirects are refused.
// Any transport error or non-2xx response is a delivery failure; retrying
// is the caller's concern.
func (n *Notifier) Deliver(ctx context.Context, endpoint string, ev Event) error {
	target, err := n.guard.Validate(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("endpoint rejected: %w", err)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := n.clientFor(target).Do(req)
	if err != nil {
		return fmt.Errorf("delivering webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// clientFor builds an HTTP client that dials the validated address instead
// of re-resolving the hostname, while TLS verification still runs against
// the original host.
func (n *Notifier) clientFor(target *Target) *http.Client {
	dialer := &net.Dialer{Timeout: n.timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(target.IP.String(), port))
		},
	}
	return &http.Client{
		Timeout:   n.timeout,
		Transport: transport,
		// A redirect would escape the pinned address; treat 3xx as a failed
		// delivery instead of following it.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
