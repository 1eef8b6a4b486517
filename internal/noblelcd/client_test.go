package noblelcd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUusdcBalance_ParsesAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/cosmos/bank/v1beta1/balances/") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("denom") != "uusdc" {
			t.Errorf("want denom=uusdc, got %s", r.URL.Query().Get("denom"))
		}
		w.Write([]byte(`{"balance":{"denom":"uusdc","amount":"1500000"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	got, err := c.UusdcBalance(t.Context(), "noble1abc")
	if err != nil {
		t.Fatalf("UusdcBalance: %v", err)
	}
	if got.String() != "1500000" {
		t.Fatalf("want 1500000, got %s", got.String())
	}
}

func TestUusdcBalance_EmptyAmountIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balance":{"denom":"uusdc","amount":""}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	got, err := c.UusdcBalance(t.Context(), "noble1abc")
	if err != nil {
		t.Fatalf("UusdcBalance: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("want zero balance, got %s", got.String())
	}
}

func TestUusdcBalance_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"account not found"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if _, err := c.UusdcBalance(t.Context(), "noble1missing"); err == nil {
		t.Fatal("want error for 404 response, got nil")
	}
}

func TestBroadcast_ReturnsTxResponseFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("want POST, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/cosmos/tx/v1beta1/txs") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"tx_response":{"code":0,"txhash":"ABC123","raw_log":""}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	txHash, code, rawLog, err := c.Broadcast(t.Context(), []byte("signed-tx-bytes"))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if txHash != "ABC123" || code != 0 || rawLog != "" {
		t.Fatalf("unexpected result: hash=%s code=%d rawLog=%s", txHash, code, rawLog)
	}
}

func TestBroadcast_NonZeroCodeIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx_response":{"code":5,"txhash":"DEF456","raw_log":"insufficient funds"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	txHash, code, rawLog, err := c.Broadcast(t.Context(), []byte("signed-tx-bytes"))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if code != 5 || rawLog != "insufficient funds" || txHash != "DEF456" {
		t.Fatalf("unexpected result: hash=%s code=%d rawLog=%s", txHash, code, rawLog)
	}
}

func TestBroadcast_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if _, _, _, err := c.Broadcast(t.Context(), []byte("signed-tx-bytes")); err == nil {
		t.Fatal("want error for 500 response, got nil")
	}
}
