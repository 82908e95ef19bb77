package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "keymint/internal/errors"
	"keymint/internal/license"
	"keymint/internal/payment"
)

const webhookSecret = "whsec_test"

func signedRequest(t *testing.T, path string, payload []byte) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set(payment.SignatureHeader, payment.Sign(webhookSecret, time.Now(), payload))
	return req
}

func checkoutCompletedPayload(email, orderRef string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "checkout.session.completed",
		"data": {"object": {"customer_email": %q, "client_reference_id": %q}}
	}`, email, orderRef))
}

func newWebhookHandler(svc *MockLicenseService) *WebhookHandler {
	verifier := payment.NewVerifier(webhookSecret, 5*time.Minute)
	return NewWebhookHandler(verifier, verifier, svc, nil, nil)
}

func TestPaymentWebhookIssuesLicense(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("IssueFromTrigger", mock.Anything, mock.MatchedBy(func(tr *license.Trigger) bool {
		return tr.Email == "a@b.com" && tr.OrderRef == "1001"
	})).Return(&license.Record{Key: testKey, Email: "a@b.com", Active: true}, nil)

	h := newWebhookHandler(svc)
	rec := httptest.NewRecorder()
	h.HandlePayment(rec, signedRequest(t, "/api/webhook", checkoutCompletedPayload("a@b.com", "1001")))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.Equal(t, testKey, resp.LicenseKey)
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	svc := new(MockLicenseService)
	h := newWebhookHandler(svc)

	payload := checkoutCompletedPayload("a@b.com", "1001")
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(payload))
	req.Header.Set(payment.SignatureHeader, payment.Sign("wrong-secret", time.Now(), payload))

	rec := httptest.NewRecorder()
	h.HandlePayment(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "IssueFromTrigger", mock.Anything, mock.Anything)
}

func TestPaymentWebhookRejectsMissingSignature(t *testing.T) {
	svc := new(MockLicenseService)
	h := newWebhookHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(checkoutCompletedPayload("a@b.com", "1001")))
	rec := httptest.NewRecorder()
	h.HandlePayment(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentWebhookSkipsOtherEvents(t *testing.T) {
	svc := new(MockLicenseService)
	h := newWebhookHandler(svc)

	payload := []byte(`{"type": "invoice.paid", "data": {"object": {}}}`)
	rec := httptest.NewRecorder()
	h.HandlePayment(rec, signedRequest(t, "/api/webhook", payload))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Skipped)
	svc.AssertNotCalled(t, "IssueFromTrigger", mock.Anything, mock.Anything)
}

func TestPaymentWebhookMalformedPayload(t *testing.T) {
	svc := new(MockLicenseService)
	h := newWebhookHandler(svc)

	payload := []byte(`{not json`)
	rec := httptest.NewRecorder()
	h.HandlePayment(rec, signedRequest(t, "/api/webhook", payload))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentWebhookStoreFailureSignalsRetry(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("IssueFromTrigger", mock.Anything, mock.Anything).
		Return(nil, apperrors.NewStoreError("insert", "", fmt.Errorf("disk full")))

	h := newWebhookHandler(svc)
	rec := httptest.NewRecorder()
	h.HandlePayment(rec, signedRequest(t, "/api/webhook", checkoutCompletedPayload("a@b.com", "1001")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOrderWebhookIssuesLicense(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("IssueFromTrigger", mock.Anything, mock.MatchedBy(func(tr *license.Trigger) bool {
		return tr.Email == "buyer@shop.com" && tr.OrderRef == "5551234"
	})).Return(&license.Record{Key: testKey, Active: true}, nil)

	h := newWebhookHandler(svc)
	payload := []byte(`{"id": 5551234, "email": "buyer@shop.com"}`)
	rec := httptest.NewRecorder()
	h.HandleOrder(rec, signedRequest(t, "/api/order-webhook", payload))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOrderWebhookRejectsWhenUnconfigured(t *testing.T) {
	svc := new(MockLicenseService)
	paymentVerifier := payment.NewVerifier(webhookSecret, 5*time.Minute)
	orderVerifier := payment.NewVerifier("", 5*time.Minute)
	h := NewWebhookHandler(paymentVerifier, orderVerifier, svc, nil, nil)

	payload := []byte(`{"id": 1, "email": "a@b.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/order-webhook", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.HandleOrder(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	svc.AssertNotCalled(t, "IssueFromTrigger", mock.Anything, mock.Anything)
}

func TestOrderWebhookRejectsBadSignature(t *testing.T) {
	svc := new(MockLicenseService)
	h := newWebhookHandler(svc)

	payload := []byte(`{"id": 1, "email": "a@b.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/order-webhook", bytes.NewReader(payload))
	req.Header.Set(payment.SignatureHeader, "t=1,v1=dead")

	rec := httptest.NewRecorder()
	h.HandleOrder(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
