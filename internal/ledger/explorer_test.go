package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestExplorerVerifier(t *testing.T) {
	hash := common.HexToHash("0x1234")
	cases := []struct {
		name    string
		body    string
		want    TxState
		wantErr bool
	}{
		{"success", `{"status":"1","message":"OK","result":{"status":"1"}}`, TxSuccess, false},
		{"failed", `{"status":"1","message":"OK","result":{"status":"0"}}`, TxFailed, false},
		{"unknown", `{"status":"1","message":"OK","result":{"status":""}}`, TxUnknown, false},
		{"api error", `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`, TxUnknown, true},
		{"garbage", `<html>`, TxUnknown, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if q.Get("action") != "gettxreceiptstatus" || q.Get("txhash") != hash.Hex() || q.Get("apikey") != "k" {
					t.Errorf("请求参数错误: %s", r.URL.RawQuery)
				}
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			v := NewExplorerVerifier(srv.URL+"/api", "k", time.Second)
			st, err := v.Verify(context.Background(), hash)
			if tc.wantErr {
				if err == nil {
					t.Fatal("期望返回错误")
				}
				return
			}
			if err != nil {
				t.Fatalf("不应出错: %v", err)
			}
			if st.State != tc.want {
				t.Fatalf("状态应为 %d, 实际 %d", tc.want, st.State)
			}
		})
	}
}

func TestExplorerVerifierHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewExplorerVerifier(srv.URL, "", time.Second).Verify(context.Background(), common.Hash{}); err == nil {
		t.Fatal("HTTP 502 应返回错误")
	}
}
