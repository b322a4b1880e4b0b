package ledger

import "fmt"

// Kind is the three-valued result of a submission.
type Kind string

const (
	KindConfirmed     Kind = "confirmed"
	KindFailed        Kind = "failed"
	KindIndeterminate Kind = "indeterminate"
)

// Outcome is what callers of the submission protocol act on.
//
// Indeterminate means the transaction was broadcast but neither the node nor
// the secondary read path could say what happened to it. It must be resolved
// by reconciliation and never treated as success or failure.
type Outcome struct {
	Kind   Kind   `json:"kind"`
	TxHash string `json:"txHash,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func Confirmed(txHash string) Outcome {
	return Outcome{Kind: KindConfirmed, TxHash: txHash}
}

func Failed(txHash, reason string) Outcome {
	return Outcome{Kind: KindFailed, TxHash: txHash, Reason: reason}
}

func Indeterminate(txHash, reason string) Outcome {
	return Outcome{Kind: KindIndeterminate, TxHash: txHash, Reason: reason}
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return fmt.Sprintf("%s(%s)", o.Kind, o.TxHash)
	}
	return fmt.Sprintf("%s(%s): %s", o.Kind, o.TxHash, o.Reason)
}

// SimulationError is a dry-run failure. Nothing was broadcast and no fee was spent.
type SimulationError struct {
	Call   string
	Reason string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulate %s: %s", e.Call, e.Reason)
}

// RejectedError means the node refused the signed transaction outright.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "transaction rejected: " + e.Reason
}
