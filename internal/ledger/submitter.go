package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"bob-ramp/internal/metrics"
)

// Options parameterise the submission protocol.
type Options struct {
	PollInterval time.Duration
	PollAttempts int
	CallTimeout  time.Duration
}

// Hooks let callers observe progress.
type Hooks struct {
	// Submitted runs after signing and before broadcast. Returning an error
	// aborts the submission, so the hash is always durable before it can land.
	Submitted func(ctx context.Context, txHash string) error
}

// Submitter runs build, simulate, sign, submit and confirm for one call.
type Submitter struct {
	backend  Backend
	verifier Verifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	sequence *semaphore.Weighted
}

// NewSubmitter constructs a Submitter. verifier may be nil, in which case
// timed-out confirmations are always indeterminate.
func NewSubmitter(backend Backend, verifier Verifier, opts Options, logger zerolog.Logger) *Submitter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 30
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	return &Submitter{
		backend:  backend,
		verifier: verifier,
		opts:     opts,
		logger:   logger.With().Str("component", "ledger_submitter").Logger(),
		now:      time.Now,
		sequence: semaphore.NewWeighted(1),
	}
}

// Submit executes the call. An error means nothing was broadcast; once a
// transaction is on the wire the result is always reported as an Outcome.
// A Failed outcome from a rejected broadcast may be retried with a fresh
// Submit; an Indeterminate one must not be.
//
// Build through broadcast runs one call at a time per Submitter, so each
// build reads a pending nonce that counts the previous broadcast.
// Confirmation runs outside that section.
func (s *Submitter) Submit(ctx context.Context, call Call, hooks Hooks) (Outcome, error) {
	log := s.logger.With().Str("call", call.Label).Str("idempotency_key", call.IdempotencyKey).Logger()
	started := s.now()

	if err := s.sequence.Acquire(ctx, 1); err != nil {
		return Outcome{}, fmt.Errorf("wait for sender %s: %w", call.Label, err)
	}
	sent, err := s.broadcast(ctx, log, call, hooks)
	s.sequence.Release(1)
	if err != nil {
		return Outcome{}, err
	}

	if sent.rejected != "" {
		return s.record(call.Label, Failed(sent.hash.Hex(), sent.rejected), started), nil
	}
	return s.record(call.Label, s.confirm(ctx, sent.log, sent.hash), started), nil
}

type broadcastResult struct {
	hash     common.Hash
	log      zerolog.Logger
	rejected string
}

func (s *Submitter) broadcast(ctx context.Context, log zerolog.Logger, call Call, hooks Hooks) (broadcastResult, error) {
	var draft *Draft
	err := s.bounded(ctx, func(ctx context.Context) error {
		var err error
		draft, err = s.backend.Build(ctx, call)
		return err
	})
	if err != nil {
		return broadcastResult{}, fmt.Errorf("build %s: %w", call.Label, err)
	}

	if err := s.bounded(ctx, func(ctx context.Context) error {
		return s.backend.Simulate(ctx, draft)
	}); err != nil {
		log.Warn().Err(err).Msg("simulation failed, nothing broadcast")
		var simErr *SimulationError
		if errors.As(err, &simErr) {
			return broadcastResult{}, err
		}
		return broadcastResult{}, fmt.Errorf("simulate %s: %w", call.Label, err)
	}

	tx, err := s.backend.Sign(ctx, draft)
	if err != nil {
		return broadcastResult{}, fmt.Errorf("sign %s: %w", call.Label, err)
	}
	hash := tx.Hash()
	log = log.With().Str("tx_hash", hash.Hex()).Uint64("nonce", draft.Nonce).Logger()

	if hooks.Submitted != nil {
		if err := hooks.Submitted(ctx, hash.Hex()); err != nil {
			return broadcastResult{}, fmt.Errorf("record submission %s: %w", call.Label, err)
		}
	}

	res := broadcastResult{hash: hash, log: log}
	if err := s.bounded(ctx, func(ctx context.Context) error {
		return s.backend.Send(ctx, tx)
	}); err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			log.Warn().Str("reason", rejected.Reason).Msg("transaction rejected by node")
			res.rejected = rejected.Reason
			return res, nil
		}
		// The node may still have accepted it.
		log.Warn().Err(err).Msg("broadcast result unknown, polling for receipt")
	} else {
		log.Info().Msg("transaction broadcast")
	}
	return res, nil
}

// Resume confirms a transaction that was broadcast earlier, typically by a
// previous process. It never resubmits.
func (s *Submitter) Resume(ctx context.Context, label, txHash string) Outcome {
	if !isHexHash(txHash) {
		return Indeterminate(txHash, "malformed transaction hash")
	}
	log := s.logger.With().Str("call", label).Str("tx_hash", txHash).Logger()
	log.Info().Msg("resuming confirmation")
	return s.record(label, s.confirm(ctx, log, common.HexToHash(txHash)), s.now())
}

func (s *Submitter) confirm(ctx context.Context, log zerolog.Logger, hash common.Hash) Outcome {
	policy := Policy{Interval: s.opts.PollInterval, MaxAttempts: s.opts.PollAttempts}
	status, err := Poll(ctx, policy, func(ctx context.Context, n int) (TxStatus, Verdict, error) {
		var st TxStatus
		err := s.bounded(ctx, func(ctx context.Context) error {
			var err error
			st, err = s.backend.Status(ctx, hash)
			return err
		})
		if err != nil {
			log.Debug().Err(err).Int("attempt", n).Msg("status query failed")
			return st, Retry, err
		}
		if st.State == TxSuccess || st.State == TxFailed {
			return st, Stop, nil
		}
		return st, Retry, nil
	})

	if err == nil {
		return fromStatus(hash, status)
	}
	if ctx.Err() != nil {
		log.Warn().Err(ctx.Err()).Msg("confirmation interrupted")
		return Indeterminate(hash.Hex(), "confirmation interrupted: "+ctx.Err().Error())
	}

	log.Warn().Int("attempts", s.opts.PollAttempts).Msg("confirmation timed out, asking secondary read path")
	return s.verifySecondary(ctx, log, hash)
}

func (s *Submitter) verifySecondary(ctx context.Context, log zerolog.Logger, hash common.Hash) Outcome {
	if s.verifier == nil {
		return Indeterminate(hash.Hex(), "confirmation timed out")
	}
	var st TxStatus
	err := s.bounded(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.verifier.Verify(ctx, hash)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("secondary verification failed")
		return Indeterminate(hash.Hex(), "confirmation timed out; secondary verification unavailable")
	}
	if st.State == TxUnknown {
		return Indeterminate(hash.Hex(), "confirmation timed out; transaction not found by secondary read path")
	}
	log.Info().Int("state", int(st.State)).Msg("secondary read path resolved transaction")
	return fromStatus(hash, st)
}

func (s *Submitter) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Submitter) record(label string, out Outcome, started time.Time) Outcome {
	metrics.LedgerOutcomes.WithLabelValues(label, string(out.Kind)).Inc()
	if out.Kind == KindConfirmed {
		metrics.LedgerConfirmLatency.Observe(s.now().Sub(started).Seconds())
	}
	return out
}

func fromStatus(hash common.Hash, st TxStatus) Outcome {
	switch st.State {
	case TxSuccess:
		return Confirmed(hash.Hex())
	case TxFailed:
		reason := st.Reason
		if reason == "" {
			reason = "transaction reverted"
		}
		return Failed(hash.Hex(), reason)
	default:
		return Indeterminate(hash.Hex(), "status unknown")
	}
}

func isHexHash(s string) bool {
	if len(s) != 66 || s[:2] != "0x" && s[:2] != "0X" {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
