package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLava_CreateInvoice(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/invoice/create", r.URL.Path)
		assert.Equal(t, "shop-secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status":"success","data":{"url":"https://pay.lava.top/inv-1","invoiceId":"inv-1"}}`))
	}))
	t.Cleanup(srv.Close)

	l := NewLava(LavaConfig{ShopID: "shop-1", SecretKey: "shop-secret", APIURL: srv.URL + "/"}, srv.Client())
	inv, err := l.CreateInvoice(context.Background(), "order-1", decimal.RequireFromString("7.99"), "usd")
	require.NoError(t, err)

	assert.Equal(t, "inv-1", inv.ExternalRef)
	assert.Equal(t, "https://pay.lava.top/inv-1", inv.PaymentURL)
	assert.Equal(t, 7.99, got["sum"])
	assert.Equal(t, "order-1", got["orderId"])
	assert.Equal(t, "shop-1", got["shopId"])
	assert.Equal(t, "USD", got["currency"])
}

func TestLava_CreateInvoiceErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"http error":      {http.StatusUnauthorized, `{"message":"bad key"}`},
		"rejected":        {http.StatusOK, `{"status":"error","message":"shop disabled"}`},
		"missing invoice": {http.StatusOK, `{"status":"success","data":{}}`},
		"malformed json":  {http.StatusOK, `{`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			l := NewLava(LavaConfig{ShopID: "shop-1", SecretKey: "k", APIURL: srv.URL}, srv.Client())
			_, err := l.CreateInvoice(context.Background(), "order-1", decimal.NewFromInt(249), "RUB")
			assert.Error(t, err)
		})
	}
}

func TestLava_NotConfigured(t *testing.T) {
	l := NewLava(LavaConfig{}, nil)
	_, err := l.CreateInvoice(context.Background(), "order-1", decimal.NewFromInt(1), "USD")
	assert.ErrorIs(t, err, ErrGatewayNotConfigured)
}
