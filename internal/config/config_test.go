package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFromYAML(t, "app:\n  name: test\n")
	if err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}
	if cfg.Ledger.ChainID != 11155111 {
		t.Fatalf("testnet 应补全 chain id, 实际 %d", cfg.Ledger.ChainID)
	}
	if cfg.Ledger.RPCURL == "" || cfg.Ledger.ExplorerURL == "" {
		t.Fatal("testnet 应补全 rpc 与 explorer 地址")
	}
	if len(cfg.Exchanges) != 3 {
		t.Fatalf("默认应配置 3 个交易所, 实际 %d", len(cfg.Exchanges))
	}
	if cfg.Ramp.QuoteValidity != 15*time.Minute {
		t.Fatalf("quote_validity 默认值错误: %s", cfg.Ramp.QuoteValidity)
	}
	if cfg.LedgerEnabled() {
		t.Fatal("未配置 operator key 时不应启用链上写入")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"network":    "ledger:\n  network: devnet\n",
		"fee":        "ramp:\n  on_ramp_fee_pct: 120\n",
		"band":       "pricing:\n  band_min: 10\n  band_max: 5\n",
		"settlement": "ramp:\n  settlement_mode: airdrop\n",
		"telegram":   "alerting:\n  telegram:\n    enabled: true\n",
		"slot":       "exchanges:\n  - name: binance-p2p\n    kind: binance\n",
		"max_quotes": "ramp:\n  max_quotes: -1\n",
	}
	for name, body := range cases {
		if _, err := loadFromYAML(t, body); err == nil {
			t.Fatalf("%s: 非法配置应被拒绝", name)
		}
	}
}

func TestMainnetDefaults(t *testing.T) {
	cfg, err := loadFromYAML(t, "ledger:\n  network: MAINNET\n  rpc_url: http://node:8545\n")
	if err != nil {
		t.Fatalf("mainnet 配置应通过: %v", err)
	}
	if cfg.Ledger.ChainID != 1 {
		t.Fatalf("mainnet chain id 应为 1, 实际 %d", cfg.Ledger.ChainID)
	}
	if cfg.Ledger.RPCURL != "http://node:8545" {
		t.Fatal("显式配置的 rpc_url 不应被覆盖")
	}
}

func loadFromYAML(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return Load(path)
}

func TestUnknownExchangeAllowedWithoutOracle(t *testing.T) {
	body := "oracle:\n  enabled: false\nexchanges:\n  - name: binance-p2p\n    kind: binance\n"
	cfg, err := loadFromYAML(t, body)
	if err != nil {
		t.Fatalf("oracle 关闭时交易所名称不受 slot 限制: %v", err)
	}
	if cfg.Exchanges[0].Name != "binance-p2p" {
		t.Fatalf("交易所名称读取错误: %s", cfg.Exchanges[0].Name)
	}
}
