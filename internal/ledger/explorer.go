package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ExplorerVerifier asks an Etherscan-compatible API for a receipt status.
type ExplorerVerifier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewExplorerVerifier(baseURL, apiKey string, timeout time.Duration) *ExplorerVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExplorerVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Verify returns TxUnknown when the explorer has no verdict for the hash.
func (v *ExplorerVerifier) Verify(ctx context.Context, hash common.Hash) (TxStatus, error) {
	q := url.Values{}
	q.Set("module", "transaction")
	q.Set("action", "gettxreceiptstatus")
	q.Set("txhash", hash.Hex())
	if v.apiKey != "" {
		q.Set("apikey", v.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return TxStatus{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return TxStatus{}, fmt.Errorf("explorer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TxStatus{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return TxStatus{}, fmt.Errorf("explorer http %d", resp.StatusCode)
	}

	var payload explorerResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return TxStatus{}, fmt.Errorf("decode explorer response: %w", err)
	}
	if payload.Status != "1" {
		var msg string
		_ = json.Unmarshal(payload.Result, &msg)
		return TxStatus{}, fmt.Errorf("explorer error: %s %s", payload.Message, msg)
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload.Result, &result); err != nil {
		return TxStatus{}, fmt.Errorf("decode explorer result: %w", err)
	}
	switch result.Status {
	case "1":
		return TxStatus{State: TxSuccess}, nil
	case "0":
		return TxStatus{State: TxFailed, Reason: "reverted (explorer)"}, nil
	default:
		return TxStatus{State: TxUnknown}, nil
	}
}

var _ Verifier = (*ExplorerVerifier)(nil)
