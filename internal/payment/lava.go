package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Invoice is a checkout page opened with the gateway.
type Invoice struct {
	ExternalRef string
	PaymentURL  string
}

// Gateway opens invoices with a payment provider.
type Gateway interface {
	CreateInvoice(ctx context.Context, orderID string, sum decimal.Decimal, currency string) (*Invoice, error)
}

type LavaConfig struct {
	ShopID    string
	SecretKey string
	APIURL    string
}

// Lava is the Lava.top invoice API client.
type Lava struct {
	cfg    LavaConfig
	client *http.Client
}

func NewLava(cfg LavaConfig, client *http.Client) *Lava {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.lava.top"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Lava{cfg: cfg, client: client}
}

type lavaInvoiceRequest struct {
	Sum      json.Number `json:"sum"`
	OrderID  string      `json:"orderId"`
	ShopID   string      `json:"shopId"`
	Currency string      `json:"currency"`
}

type lavaInvoiceResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		URL       string `json:"url"`
		InvoiceID string `json:"invoiceId"`
	} `json:"data"`
}

func (l *Lava) CreateInvoice(ctx context.Context, orderID string, sum decimal.Decimal, currency string) (*Invoice, error) {
	if l.cfg.ShopID == "" || l.cfg.SecretKey == "" {
		return nil, ErrGatewayNotConfigured
	}

	body, err := json.Marshal(lavaInvoiceRequest{
		Sum:      json.Number(sum.String()),
		OrderID:  orderID,
		ShopID:   l.cfg.ShopID,
		Currency: strings.ToUpper(currency),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling invoice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.APIURL+"/v1/invoice/create", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", l.cfg.SecretKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending invoice request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading invoice response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lava api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out lavaInvoiceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding invoice response: %w", err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("lava api rejected invoice: %s", out.Message)
	}
	if out.Data.InvoiceID == "" || out.Data.URL == "" {
		return nil, fmt.Errorf("lava api returned an incomplete invoice")
	}

	return &Invoice{ExternalRef: out.Data.InvoiceID, PaymentURL: out.Data.URL}, nil
}
