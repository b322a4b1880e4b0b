package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func defaultBand() Band {
	return Band{Min: decimal.NewFromInt(5), Max: decimal.NewFromInt(15)}
}

func TestNewP2PUnknownKind(t *testing.T) {
	if _, err := NewP2P(P2POptions{Kind: "kraken"}, noopLogger()); err == nil {
		t.Fatal("未知交易所类型应报错")
	}
}

func TestBinanceFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		if body["fiat"] != "BOB" || body["asset"] != "USDT" {
			t.Fatalf("请求参数错误: %#v", body)
		}
		prices := []string{"6.99", "6.96", "6.98"}
		if body["tradeType"] == "SELL" {
			prices = []string{"6.90", "6.93", "6.91"}
		}
		data := make([]map[string]any, 0, len(prices))
		for _, p := range prices {
			data = append(data, map[string]any{"adv": map[string]string{"price": p}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "000000", "success": true, "data": data})
	}))
	defer srv.Close()

	src, err := NewP2P(P2POptions{Kind: "binance", BaseURL: srv.URL, Timeout: time.Second, Band: defaultBand()}, noopLogger())
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	quote, err := src.FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !quote.Ask.Equal(decimal.RequireFromString("6.96")) {
		t.Fatalf("ask 应取最低卖价 6.96, 实际 %s", quote.Ask)
	}
	if !quote.Bid.Equal(decimal.RequireFromString("6.93")) {
		t.Fatalf("bid 应取最高买价 6.93, 实际 %s", quote.Bid)
	}
	if quote.Source != "binance" {
		t.Fatalf("source 名称错误: %s", quote.Source)
	}
}

func TestBybitFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		price := "7.01"
		if body["side"] == "0" {
			price = "6.95"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ret_code": 0,
			"result":   map[string]any{"items": []map[string]string{{"price": price}}},
		})
	}))
	defer srv.Close()

	src, _ := NewP2P(P2POptions{Name: "bybit-p2p", Kind: "bybit", BaseURL: srv.URL, Band: defaultBand()}, noopLogger())
	quote, err := src.FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !quote.Ask.Equal(decimal.RequireFromString("7.01")) || !quote.Bid.Equal(decimal.RequireFromString("6.95")) {
		t.Fatalf("报价错误: %+v", quote)
	}
	if src.Name() != "bybit-p2p" {
		t.Fatalf("应使用配置的名称")
	}
}

func TestOKXFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		side := r.URL.Query().Get("side")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{
				side: []map[string]string{{"price": map[string]string{"sell": "6.97", "buy": "6.94"}[side]}},
			},
		})
	}))
	defer srv.Close()

	src, _ := NewP2P(P2POptions{Kind: "okx", BaseURL: srv.URL, Band: defaultBand()}, noopLogger())
	quote, err := src.FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !quote.Ask.Equal(decimal.RequireFromString("6.97")) || !quote.Bid.Equal(decimal.RequireFromString("6.94")) {
		t.Fatalf("报价错误: %+v", quote)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "slow down"})
	}))
	defer srv.Close()

	src, _ := NewP2P(P2POptions{Kind: "binance", BaseURL: srv.URL, Band: defaultBand()}, noopLogger())
	_, err := src.FetchQuote(context.Background())
	var srcErr *SourceError
	if !errors.As(err, &srcErr) || srcErr.Kind != KindStatus {
		t.Fatalf("HTTP 429 应返回 status 类错误, 实际 %v", err)
	}
}

func TestFetchOutOfBand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ret_code": 0,
			"result":   map[string]any{"items": []map[string]string{{"price": "21.5"}}},
		})
	}))
	defer srv.Close()

	src, _ := NewP2P(P2POptions{Kind: "bybit", BaseURL: srv.URL, Band: defaultBand()}, noopLogger())
	_, err := src.FetchQuote(context.Background())
	var srcErr *SourceError
	if !errors.As(err, &srcErr) || srcErr.Kind != KindOutOfBand {
		t.Fatalf("超出区间的价格应被丢弃, 实际 %v", err)
	}
}

func TestFetchMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"000000","success":true,"data":[]}`))
	}))
	defer srv.Close()

	src, _ := NewP2P(P2POptions{Kind: "binance", BaseURL: srv.URL, Band: defaultBand()}, noopLogger())
	_, err := src.FetchQuote(context.Background())
	var srcErr *SourceError
	if !errors.As(err, &srcErr) || srcErr.Kind != KindMalformed {
		t.Fatalf("空广告列表应视为 malformed, 实际 %v", err)
	}
}

func TestBandCheck(t *testing.T) {
	band := defaultBand()
	now := time.Now()
	ok := ExchangeQuote{Ask: decimal.RequireFromString("6.97"), Bid: decimal.RequireFromString("6.95"), ObservedAt: now}
	if err := band.Check(ok); err != nil {
		t.Fatalf("合法报价不应报错: %v", err)
	}
	inverted := ExchangeQuote{Ask: decimal.RequireFromString("6.90"), Bid: decimal.RequireFromString("6.95")}
	if err := band.Check(inverted); err == nil {
		t.Fatal("ask < bid 应报错")
	}
	zero := ExchangeQuote{Ask: decimal.RequireFromString("6.90"), Bid: decimal.Zero}
	if err := band.Check(zero); err == nil {
		t.Fatal("bid 为 0 应报错")
	}
	low := ExchangeQuote{Ask: decimal.RequireFromString("6.90"), Bid: decimal.RequireFromString("4.99")}
	if err := band.Check(low); err == nil {
		t.Fatal("低于区间应报错")
	}
	if got := ok.Mid(); !got.Equal(decimal.RequireFromString("6.96")) {
		t.Fatalf("mid 计算错误: %s", got)
	}
}

func okxPayload(r *http.Request) map[string]any {
	side := r.URL.Query().Get("side")
	price := map[string]string{"sell": "6.95", "buy": "6.90"}[side]
	return map[string]any{"code": 0, "data": map[string]any{side: []map[string]string{{"price": price}}}}
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(okxPayload(r))
	}))
	defer srv.Close()

	src, _ := NewP2P(P2POptions{Kind: "okx", BaseURL: srv.URL, Band: defaultBand(), Retries: 2, RetryDelay: time.Millisecond}, noopLogger())
	quote, err := src.FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("502 后重试应成功: %v", err)
	}
	if !quote.Ask.Equal(decimal.RequireFromString("6.95")) {
		t.Fatalf("ask 错误: %s", quote.Ask)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("期望 3 次请求 (ask 重试一次 + bid), 实际 %d", got)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	src, _ := NewP2P(P2POptions{Kind: "okx", BaseURL: srv.URL, Band: defaultBand(), Retries: 3, RetryDelay: time.Millisecond}, noopLogger())
	_, err := src.FetchQuote(context.Background())
	var srcErr *SourceError
	if !errors.As(err, &srcErr) || srcErr.Kind != KindStatus || srcErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("400 应直接返回 status 错误, 实际 %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("400 不应重试, 实际请求 %d 次", got)
	}
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src, _ := NewP2P(P2POptions{Kind: "okx", BaseURL: srv.URL, Band: defaultBand(), Retries: 2, RetryDelay: time.Millisecond}, noopLogger())
	_, err := src.FetchQuote(context.Background())
	var srcErr *SourceError
	if !errors.As(err, &srcErr) || !srcErr.Transient() {
		t.Fatalf("应返回可重试的 status 错误, 实际 %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("期望 1 次请求加 2 次重试, 实际 %d", got)
	}
}
