package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/config"
	"keymint/internal/payment"
)

const webhookSecret = "whsec_apptest"

// newTestApplication builds the full application once per test binary;
// the prometheus exporter registers process-wide collectors that
// cannot be registered twice.
var testApp *Application

func testApplication(t *testing.T) *Application {
	t.Helper()

	if testApp != nil {
		return testApp
	}

	// Not t.TempDir(): the app outlives the first test that builds it,
	// and the store must keep working for later tests.
	dataDir, err := os.MkdirTemp("", "keymint-app-test")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Store.DataDir = dataDir
	cfg.Payment.WebhookSecret = webhookSecret
	cfg.Orders.WebhookSecret = webhookSecret

	app, err := NewWithConfig(cfg)
	require.NoError(t, err)
	testApp = app
	return app
}

func doJSON(t *testing.T, app *Application, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	return rec
}

func TestApplicationEndToEnd(t *testing.T) {
	app := testApplication(t)

	t.Run("root liveness", func(t *testing.T) {
		rec := doJSON(t, app, http.MethodGet, "/", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("health", func(t *testing.T) {
		rec := doJSON(t, app, http.MethodGet, "/api/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "healthy")
	})

	t.Run("metrics exposed", func(t *testing.T) {
		rec := doJSON(t, app, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("generate then activate then verify", func(t *testing.T) {
		rec := doJSON(t, app, http.MethodPost, "/api/generate", map[string]interface{}{"count": 2})
		require.Equal(t, http.StatusCreated, rec.Code)

		var generated struct {
			Keys []string `json:"keys"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &generated))
		require.Len(t, generated.Keys, 2)
		key := generated.Keys[0]

		// Fresh keys verify as invalid until activated.
		rec = doJSON(t, app, http.MethodPost, "/api/verify", map[string]string{"key": key})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"valid":false`)

		rec = doJSON(t, app, http.MethodPost, "/api/activate", map[string]string{"key": key})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"success":true`)

		// Second activation conflicts.
		rec = doJSON(t, app, http.MethodPost, "/api/activate", map[string]string{"key": key})
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = doJSON(t, app, http.MethodPost, "/api/verify", map[string]string{"key": key})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"valid":true`)
	})

	t.Run("payment webhook issues license", func(t *testing.T) {
		payload := []byte(`{
			"type": "checkout.session.completed",
			"data": {"object": {"customer_email": "e2e@b.com", "client_reference_id": "e2e-1001"}}
		}`)

		req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(payload))
		req.Header.Set(payment.SignatureHeader, payment.Sign(webhookSecret, time.Now(), payload))
		rec := httptest.NewRecorder()
		app.Router().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Received   bool   `json:"received"`
			LicenseKey string `json:"license_key"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Received)
		require.NotEmpty(t, resp.LicenseKey)

		// Redelivery returns the same key.
		req = httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(payload))
		req.Header.Set(payment.SignatureHeader, payment.Sign(webhookSecret, time.Now(), payload))
		rec = httptest.NewRecorder()
		app.Router().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var redelivered struct {
			LicenseKey string `json:"license_key"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &redelivered))
		assert.Equal(t, resp.LicenseKey, redelivered.LicenseKey)
	})

	t.Run("payment webhook rejects bad signature", func(t *testing.T) {
		payload := []byte(`{"type": "checkout.session.completed", "data": {"object": {}}}`)
		req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(payload))
		req.Header.Set(payment.SignatureHeader, "t=1,v1=dead")
		rec := httptest.NewRecorder()
		app.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("order webhook issues license", func(t *testing.T) {
		payload := []byte(`{"id": 424242, "email": "order-e2e@b.com"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/order-webhook", bytes.NewReader(payload))
		req.Header.Set(payment.SignatureHeader, payment.Sign(webhookSecret, time.Now(), payload))
		rec := httptest.NewRecorder()
		app.Router().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "license_key")
	})

	t.Run("checkout unavailable without API key", func(t *testing.T) {
		rec := doJSON(t, app, http.MethodPost, "/api/create-checkout-session", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("request id header set", func(t *testing.T) {
		rec := doJSON(t, app, http.MethodGet, "/api/health", nil)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("security headers set", func(t *testing.T) {
		rec := doJSON(t, app, http.MethodGet, "/", nil)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})
}

func TestApplicationGenerateValidation(t *testing.T) {
	app := testApplication(t)

	for _, count := range []int{0, 1001} {
		rec := doJSON(t, app, http.MethodPost, "/api/generate", map[string]interface{}{"count": count})
		assert.Equal(t, http.StatusBadRequest, rec.Code, fmt.Sprintf("count=%d", count))
	}
}
