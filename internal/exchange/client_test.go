package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"okx-trader/internal/config"
	"okx-trader/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Config{
		Exchange: config.ExchangeConfig{APIKey: "k", Secret: "s", Passphrase: "p"},
		API: config.APIConfig{
			BaseURL:        srv.URL,
			RateLimit:      100,
			RateWindow:     time.Second,
			MinInterval:    0,
			RequestTimeout: 5 * time.Second,
			MaxRetries:     1,
		},
	}
	return NewClient(cfg, NewAuth(cfg.Exchange), testLogger()), srv
}

func okEnvelope(results ...map[string]string) string {
	b, _ := json.Marshal(map[string]any{"code": "0", "msg": "", "data": results})
	return string(b)
}

func TestSubmitOrder(t *testing.T) {
	t.Parallel()
	var gotPath, gotBody string
	var signed atomic.Bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		signed.Store(r.Header.Get("OK-ACCESS-SIGN") != "" &&
			r.Header.Get("OK-ACCESS-KEY") == "k" &&
			r.Header.Get("OK-ACCESS-TIMESTAMP") != "")
		w.Write([]byte(okEnvelope(map[string]string{"ordId": "venue-1", "sCode": "0"})))
	})

	oid, err := c.SubmitOrder(context.Background(), OrderRequest{
		Symbol:     "ETH-USDT-SWAP",
		MarginMode: "cross",
		Cloid:      "cl-1",
		Side:       types.Buy,
		PosSide:    types.Long,
		OrdType:    types.OrdMarket,
		Sz:         decimal.RequireFromString("2"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if oid != "venue-1" {
		t.Errorf("oid = %q", oid)
	}
	if gotPath != "/api/v5/trade/order" {
		t.Errorf("path = %q", gotPath)
	}
	if !signed.Load() {
		t.Error("request missing OK-ACCESS headers")
	}
	if !strings.Contains(gotBody, `"clOrdId":"cl-1"`) || !strings.Contains(gotBody, `"instId":"ETH-USDT-SWAP"`) {
		t.Errorf("body = %s", gotBody)
	}
}

func TestSubmitOrderRejected(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okEnvelope(map[string]string{"sCode": "51008", "sMsg": "insufficient balance"})))
	})

	_, err := c.SubmitOrder(context.Background(), OrderRequest{Symbol: "ETH-USDT-SWAP"})
	if err == nil || !strings.Contains(err.Error(), "51008") {
		t.Errorf("err = %v, want sCode surfaced", err)
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50011","msg":"rate limited","data":[]}`))
	})

	err := c.CancelOrder(context.Background(), "ETH-USDT-SWAP", "ord-1")
	if err == nil || !strings.Contains(err.Error(), "50011") {
		t.Errorf("err = %v, want envelope code surfaced", err)
	}
}

func TestRetriesOn5xx(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(okEnvelope(map[string]string{"ordId": "venue-1", "sCode": "0"})))
	})

	if _, err := c.SubmitOrder(context.Background(), OrderRequest{Symbol: "ETH-USDT-SWAP"}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls.Load())
	}
}

func TestCancelAlgoEmptyCloidIsNoop(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected for empty algo cloid")
	})
	if err := c.CancelAlgo(context.Background(), "ETH-USDT-SWAP", ""); err != nil {
		t.Fatal(err)
	}
}

func TestDryRunSkipsHTTP(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected in dry-run")
	})
	c.dryRun = true

	oid, err := c.SubmitOrder(context.Background(), OrderRequest{Symbol: "ETH-USDT-SWAP", Cloid: "cl-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(oid, "dry-") {
		t.Errorf("oid = %q, want dry- prefix", oid)
	}
	if err := c.CancelAlgo(context.Background(), "ETH-USDT-SWAP", "algo-1"); err != nil {
		t.Fatal(err)
	}
}
