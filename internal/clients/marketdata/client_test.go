package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/brokersync/internal/models"
)

func TestGetQuotes_Batched(t *testing.T) {
	var gotSymbols string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/stocks/snapshots", r.URL.Path)
		gotSymbols = r.URL.Query().Get("symbols")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"AAPL": {"latestTrade":{"p":150.25},"prevDailyBar":{"c":148}},
			"MSFT": {"latestTrade":{"p":310},"prevDailyBar":{"c":305.5}}
		}`))
	}))
	defer server.Close()

	client := NewClient("key-id", "secret", WithBaseURL(server.URL))
	quotes, err := client.GetQuotes(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	assert.Equal(t, "AAPL,MSFT", gotSymbols, "one batched request for all symbols")
	require.Len(t, quotes, 2)
	assert.True(t, quotes["AAPL"].Price.Equal(decimal.NewFromFloat(150.25)))
	assert.True(t, quotes["AAPL"].PrevClose.Equal(decimal.NewFromInt(148)))
	assert.True(t, quotes["MSFT"].Price.Equal(decimal.NewFromInt(310)))
}

func TestGetQuotes_UnknownSymbolAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"AAPL": {"latestTrade":{"p":150},"prevDailyBar":{"c":148}},
			"ZZZZ": {"latestTrade":{"p":0},"prevDailyBar":{"c":0}}
		}`))
	}))
	defer server.Close()

	client := NewClient("key-id", "secret", WithBaseURL(server.URL))
	quotes, err := client.GetQuotes(context.Background(), []string{"AAPL", "ZZZZ"})
	require.NoError(t, err)

	_, ok := quotes["ZZZZ"]
	assert.False(t, ok, "symbols without a trade are absent, not zero-priced")
	_, ok = quotes["AAPL"]
	assert.True(t, ok)
}

func TestGetQuotes_NoSymbols(t *testing.T) {
	client := NewClient("key-id", "secret", WithBaseURL("http://127.0.0.1:0"))
	quotes, err := client.GetQuotes(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestGetQuotes_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient("key-id", "secret", WithBaseURL(server.URL))
	_, err := client.GetQuotes(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	assert.True(t, models.IsAuthError(err))
}
