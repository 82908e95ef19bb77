package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"keymint/internal/config"
)

// CheckoutSession is a hosted payment page created for a buyer
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutClient talks to the payment processor's REST API to create
// checkout sessions and look up completed ones.
type CheckoutClient struct {
	apiKey     string
	baseURL    string
	priceID    string
	successURL string
	cancelURL  string
	client     *http.Client
}

// NewCheckoutClient builds a client from payment configuration
func NewCheckoutClient(cfg config.PaymentConfig) *CheckoutClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CheckoutClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		priceID:    cfg.PriceID,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the client holds API credentials
func (c *CheckoutClient) Configured() bool {
	return c.apiKey != "" && c.priceID != ""
}

// CreateSession creates a hosted checkout session and returns it. The
// processor expects a form-encoded body; the response is JSON. An
// optional orderRef is carried through as the client reference so the
// completion event can be tied back to the originating order.
func (c *CheckoutClient) CreateSession(ctx context.Context, orderRef string) (*CheckoutSession, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("checkout is not configured")
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price]", c.priceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", c.successURL)
	form.Set("cancel_url", c.cancelURL)
	if orderRef != "" {
		form.Set("client_reference_id", orderRef)
	}

	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &session); err != nil {
		return nil, err
	}
	if session.URL == "" {
		return nil, fmt.Errorf("checkout session response missing url")
	}
	return &session, nil
}

// sessionDetail carries the subset of a session lookup the service
// needs to resolve the buyer's email.
type sessionDetail struct {
	ID              string `json:"id"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// SessionEmail resolves the buyer email attached to a completed
// checkout session.
func (c *CheckoutClient) SessionEmail(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}

	var detail sessionDetail
	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return "", err
	}

	email := detail.CustomerEmail
	if email == "" {
		email = detail.CustomerDetails.Email
	}
	if email == "" {
		return "", fmt.Errorf("session %s carries no customer email", sessionID)
	}
	return email, nil
}

func (c *CheckoutClient) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build processor request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("processor request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read processor response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("processor returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode processor response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
