package bank

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestDepositVerified(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		want    bool
		wantErr bool
	}{
		{"verified", http.StatusOK, `{"verified":true,"amount":"1000"}`, true, false},
		{"not yet", http.StatusOK, `{"verified":false}`, false, false},
		{"short", http.StatusOK, `{"verified":true,"amount":"999.99"}`, false, false},
		{"unknown reference", http.StatusNotFound, `{}`, false, false},
		{"server error", http.StatusInternalServerError, `boom`, false, true},
		{"garbage", http.StatusOK, `<html>`, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/deposits/verify" {
					t.Errorf("路径错误: %s", r.URL.Path)
				}
				if r.URL.Query().Get("reference") != "BOBT-ABCD2345" || r.URL.Query().Get("amount") != "1000" {
					t.Errorf("查询参数错误: %s", r.URL.RawQuery)
				}
				if r.Header.Get("X-API-Key") != "secret" {
					t.Errorf("缺少 API key")
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client, err := NewClient(Options{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Second}, zerolog.Nop())
			if err != nil {
				t.Fatalf("构造客户端失败: %v", err)
			}
			got, err := client.DepositVerified(context.Background(), "BOBT-ABCD2345", decimal.NewFromInt(1000))
			if tc.wantErr {
				if err == nil {
					t.Fatal("期望返回错误")
				}
				return
			}
			if err != nil {
				t.Fatalf("不应出错: %v", err)
			}
			if got != tc.want {
				t.Fatalf("期望 %v, 实际 %v", tc.want, got)
			}
		})
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("未配置 base url 应报错")
	}
}
