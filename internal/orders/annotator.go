// Package orders integrates with the storefront order system. The only
// integration is best-effort: writing the issued license key back onto
// the originating order as a note.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"keymint/internal/config"
	"keymint/internal/license"
)

// Annotator writes license keys onto storefront orders
type Annotator struct {
	baseURL     string
	accessToken string
	timeout     time.Duration
	client      *http.Client
	logger      *slog.Logger
}

// NewAnnotator builds an annotator from order-system configuration.
// With no base URL or token configured the annotator is a no-op.
func NewAnnotator(cfg config.OrdersConfig, logger *slog.Logger) *Annotator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Annotator{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With(slog.String("component", "orders")),
	}
}

// Configured reports whether the order system is reachable
func (a *Annotator) Configured() bool {
	return a.baseURL != "" && a.accessToken != ""
}

type orderNote struct {
	Order struct {
		ID   string `json:"id"`
		Note string `json:"note"`
	} `json:"order"`
}

// Annotate writes the license key into the order's note field. Failure
// is reported to the caller for logging and metrics but never affects
// the issued license; the key is already persisted by the time this
// runs.
func (a *Annotator) Annotate(ctx context.Context, orderRef, key string) error {
	if !a.Configured() {
		return nil
	}
	if orderRef == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var payload orderNote
	payload.Order.ID = orderRef
	payload.Order.Note = "License key: " + key

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode order note: %w", err)
	}

	endpoint := fmt.Sprintf("%s/admin/api/orders/%s.json", a.baseURL, url.PathEscape(orderRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Token", a.accessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("annotate order %s: %w", orderRef, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("annotate order %s: status %d", orderRef, resp.StatusCode)
	}

	a.logger.InfoContext(ctx, "order annotated with license key",
		slog.String("order_ref", orderRef),
		slog.String("license_key", license.MaskKey(key)))
	return nil
}
