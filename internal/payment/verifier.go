// Package payment verifies inbound payment-processor events and
// normalizes them into issuance triggers, and creates hosted checkout
// sessions against the processor API.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "keymint/internal/errors"
	"keymint/internal/license"
)

// Event kinds recognized by the verifier
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventOrderCreated      = "orders/create"
)

// SignatureHeader is the header carrying the processor's signature
const SignatureHeader = "X-Webhook-Signature"

// Verifier validates the authenticity of a raw event payload and
// decodes it into a normalized trigger.
//
// The signature scheme is HMAC-SHA256 over "<timestamp>.<payload>",
// delivered as "t=<unix>,v1=<hex>". Verification always runs on the
// raw request bytes: a re-serialized payload has different bytes and
// would break the check.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier for the given shared secret. maxAge
// bounds the accepted timestamp skew; older deliveries are rejected as
// replays.
func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Verifier{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Configured reports whether a shared secret is present
func (v *Verifier) Configured() bool {
	return len(v.secret) > 0
}

// Verify checks the signature header against the raw payload. It must
// be called before any business field of the payload is parsed.
func (v *Verifier) Verify(payload []byte, sigHeader string) error {
	if !v.Configured() {
		return fmt.Errorf("%w: no webhook secret configured", apperrors.ErrInvalidSignature)
	}

	ts, sig, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return err
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.maxAge || age < -v.maxAge {
		return fmt.Errorf("%w: timestamp outside tolerance", apperrors.ErrInvalidSignature)
	}

	expected := computeSignature(v.secret, ts, payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return apperrors.ErrInvalidSignature
	}

	return nil
}

// checkoutEvent is the processor's event envelope. Only the fields the
// trigger needs are decoded.
type checkoutEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID              string `json:"id"`
			CustomerEmail   string `json:"customer_email"`
			ClientReference string `json:"client_reference_id"`
			CustomerDetails struct {
				Email string `json:"email"`
			} `json:"customer_details"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyAndDecode verifies payload authenticity and normalizes the
// event into a trigger. Event kinds other than checkout completion
// come back with an empty email and their kind set; callers
// acknowledge and skip those.
func (v *Verifier) VerifyAndDecode(payload []byte, sigHeader string) (*license.Trigger, error) {
	if err := v.Verify(payload, sigHeader); err != nil {
		return nil, err
	}

	var event checkoutEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}

	trigger := &license.Trigger{Kind: event.Type}
	if event.Type != EventCheckoutCompleted {
		return trigger, nil
	}

	trigger.Email = event.Data.Object.CustomerEmail
	if trigger.Email == "" {
		trigger.Email = event.Data.Object.CustomerDetails.Email
	}
	trigger.OrderRef = event.Data.Object.ClientReference

	if trigger.Email == "" {
		return nil, fmt.Errorf("%w: checkout event carries no customer email", apperrors.ErrMalformedEvent)
	}

	return trigger, nil
}

// orderEvent is the storefront order-created payload
type orderEvent struct {
	ID    json.Number `json:"id"`
	Email string      `json:"email"`
}

// VerifyAndDecodeOrder verifies and normalizes a storefront
// order-created event. The order path authenticates with the same
// shared-secret scheme as the payment path; an unauthenticated
// endpoint must never mint licenses.
func (v *Verifier) VerifyAndDecodeOrder(payload []byte, sigHeader string) (*license.Trigger, error) {
	if err := v.Verify(payload, sigHeader); err != nil {
		return nil, err
	}

	var event orderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}

	if event.Email == "" {
		return nil, fmt.Errorf("%w: order event carries no email", apperrors.ErrMalformedEvent)
	}

	return &license.Trigger{
		Email:    event.Email,
		OrderRef: event.ID.String(),
		Kind:     EventOrderCreated,
	}, nil
}

// Sign produces a signature header for payload at the given time.
// Exported for tests and for outbound deliveries in development tools.
func Sign(secret string, at time.Time, payload []byte) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature([]byte(secret), ts, payload))
}

func computeSignature(secret []byte, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	if header == "" {
		return 0, "", fmt.Errorf("%w: missing signature header", apperrors.ErrInvalidSignature)
	}

	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: bad timestamp", apperrors.ErrInvalidSignature)
			}
		case "v1":
			sig = v
		}
	}

	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("%w: incomplete signature header", apperrors.ErrInvalidSignature)
	}
	return ts, sig, nil
}
