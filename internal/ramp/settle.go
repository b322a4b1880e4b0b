package ramp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bob-ramp/internal/alerting"
	"bob-ramp/internal/ledger"
)

// Settlement is the result of executing the ledger leg of a request.
type Settlement struct {
	Outcome ledger.Outcome
	// AwaitingApproval is set when the confirmed transaction only created a
	// treasury proposal that still needs signers.
	AwaitingApproval bool
	ProposalID       string
}

// Settler executes the mint or burn for a request. Implementations must use
// the request id as the idempotency key of the ledger call.
type Settler interface {
	Settle(ctx context.Context, req Request, hooks ledger.Hooks) (Settlement, error)
	// Resume confirms req.TxHash without submitting anything.
	Resume(ctx context.Context, req Request) Settlement
}

func (s *Service) beginSettlement(id string) (func(), error) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return nil, ErrSettlementInProgress
	}
	s.inflight[id] = struct{}{}
	return func() {
		s.inflightMu.Lock()
		delete(s.inflight, id)
		s.inflightMu.Unlock()
	}, nil
}

// Settle moves a verified request to processing and runs its ledger leg.
// The returned request reflects the outcome. ErrLedgerIndeterminate leaves it
// in processing with its transaction hash recorded.
func (s *Service) Settle(ctx context.Context, id string) (Request, error) {
	if s.settler == nil {
		return Request{}, ErrSettlementUnavailable
	}
	release, err := s.beginSettlement(id)
	if err != nil {
		return Request{}, err
	}
	defer release()

	req, err := s.MarkProcessing(ctx, id)
	if err != nil {
		return req, err
	}
	return s.execute(ctx, req)
}

func (s *Service) execute(ctx context.Context, req Request) (Request, error) {
	log := s.logger.With().Str("request_id", req.ID).Str("type", string(req.Type)).Logger()

	hooks := ledger.Hooks{Submitted: func(ctx context.Context, txHash string) error {
		updated, err := s.annotate(ctx, req.ID, StatusProcessing, func(r *Request) {
			r.TxHash = txHash
		})
		if err != nil {
			return err
		}
		req = updated
		log.Info().Str("tx_hash", txHash).Msg("settlement transaction recorded")
		return nil
	}}

	result, err := s.settler.Settle(ctx, req, hooks)
	if err != nil {
		var simErr *ledger.SimulationError
		if errors.As(err, &simErr) {
			failed, ferr := s.MarkFailed(ctx, req.ID, "settlement rejected in simulation: "+simErr.Reason)
			if ferr != nil {
				log.Error().Err(ferr).Msg("failed to record simulation failure")
			}
			s.notify(ctx, alerting.Notification{
				Kind:      alerting.KindSettlementFailed,
				Subject:   "settlement rejected in simulation",
				RequestID: req.ID,
				Reason:    simErr.Reason,
			})
			return failed, err
		}
		// Nothing was broadcast. The request stays in processing for reconcile.
		log.Error().Err(err).Msg("settlement not submitted")
		return req, fmt.Errorf("settle %s: %w", req.ID, err)
	}
	return s.applySettlement(ctx, req, result)
}

func (s *Service) applySettlement(ctx context.Context, req Request, result Settlement) (Request, error) {
	out := result.Outcome
	switch out.Kind {
	case ledger.KindConfirmed:
		if result.AwaitingApproval {
			updated, err := s.MarkPendingApproval(ctx, req.ID, out.TxHash, result.ProposalID)
			if err == nil {
				s.notify(ctx, alerting.Notification{
					Kind:      alerting.KindAwaitingApproval,
					Subject:   "treasury proposal awaiting approval",
					RequestID: req.ID,
					TxHash:    out.TxHash,
				})
			}
			return updated, err
		}
		return s.MarkCompleted(ctx, req.ID, out.TxHash)

	case ledger.KindFailed:
		updated, err := s.transition(ctx, req.ID, StatusFailed, nil, func(r *Request) {
			if out.TxHash != "" {
				r.TxHash = out.TxHash
			}
			r.Notes = "settlement failed: " + out.Reason
		})
		if err == nil {
			s.notify(ctx, alerting.Notification{
				Kind:      alerting.KindSettlementFailed,
				Subject:   "settlement transaction failed",
				RequestID: req.ID,
				TxHash:    out.TxHash,
				Reason:    out.Reason,
			})
		}
		return updated, err

	default:
		updated, err := s.annotate(ctx, req.ID, StatusProcessing, func(r *Request) {
			if out.TxHash != "" {
				r.TxHash = out.TxHash
			}
			r.Notes = "settlement indeterminate: " + out.Reason
		})
		if err != nil {
			updated = req
		}
		s.notify(ctx, alerting.Notification{
			Kind:      alerting.KindLedgerIndeterminate,
			Subject:   "settlement outcome unknown, reconcile required",
			RequestID: req.ID,
			TxHash:    out.TxHash,
			Reason:    out.Reason,
		})
		return updated, ErrLedgerIndeterminate
	}
}

// Reconcile resolves a request stuck in processing. A recorded transaction
// hash is only ever re-confirmed; a request without one has never been
// broadcast and is submitted again under the same idempotency key.
func (s *Service) Reconcile(ctx context.Context, id string) (Request, error) {
	if s.settler == nil {
		return Request{}, ErrSettlementUnavailable
	}
	release, err := s.beginSettlement(id)
	if err != nil {
		return Request{}, err
	}
	defer release()

	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	switch req.Status {
	case StatusVerified:
		req, err = s.MarkProcessing(ctx, id)
		if err != nil {
			return req, err
		}
		return s.execute(ctx, req)
	case StatusProcessing:
		if req.TxHash == "" {
			return s.execute(ctx, req)
		}
		s.logger.Info().Str("request_id", id).Str("tx_hash", req.TxHash).Msg("resuming settlement confirmation")
		return s.applySettlement(ctx, req, s.settler.Resume(ctx, req))
	default:
		return req, &TransitionError{RequestID: id, From: req.Status, To: StatusProcessing}
	}
}

// ResumeStuck re-confirms every processing request with a recorded hash.
// Requests already being settled by this process are skipped.
func (s *Service) ResumeStuck(ctx context.Context) (int, error) {
	if s.settler == nil {
		return 0, nil
	}
	processing, err := s.repo.ListByStatus(ctx, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing requests: %w", err)
	}
	resolved := 0
	for _, req := range processing {
		if req.TxHash == "" {
			continue
		}
		updated, err := s.Reconcile(ctx, req.ID)
		switch {
		case err == nil:
			if updated.Status != StatusProcessing {
				resolved++
			}
		case errors.Is(err, ErrSettlementInProgress), errors.Is(err, ErrLedgerIndeterminate):
		default:
			s.logger.Warn().Err(err).Str("request_id", req.ID).Msg("reconcile failed")
		}
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
	}
	return resolved, nil
}

// ConfirmDeposit is the operator verification step. It checks the bank
// reference, asks the bank when a checker is configured, walks the request
// through payment_received, pending_verification and verified, and settles it.
func (s *Service) ConfirmDeposit(ctx context.Context, id, bankReference, verifiedBy string) (Request, error) {
	verifiedBy = strings.TrimSpace(verifiedBy)
	if verifiedBy == "" {
		return Request{}, &ValidationError{Field: "verifiedBy", Message: "required"}
	}
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.BankReference != "" && !strings.EqualFold(strings.TrimSpace(bankReference), req.BankReference) {
		return req, &ValidationError{Field: "bankReference", Message: "does not match request"}
	}

	awaitingDeposit := req.Status == StatusPendingPayment ||
		req.Status == StatusPaymentReceived ||
		req.Status == StatusPendingVerification
	if req.Type == TypeOnRamp && s.deposits != nil && awaitingDeposit {
		ok, err := s.deposits.DepositVerified(ctx, req.BankReference, req.BobAmount)
		if err != nil {
			return req, fmt.Errorf("check deposit: %w", err)
		}
		if !ok {
			return req, ErrDepositNotVerified
		}
	}

	if req.Status == StatusPendingPayment {
		if req, err = s.MarkPaymentReceived(ctx, id); err != nil {
			return req, err
		}
	}
	if req.Status == StatusPaymentReceived {
		if req, err = s.SubmitForVerification(ctx, id); err != nil {
			return req, err
		}
	}
	if req.Status == StatusPendingVerification {
		if req, err = s.VerifyRequest(ctx, id, verifiedBy); err != nil {
			return req, err
		}
	}
	if req.Status != StatusVerified {
		return req, &TransitionError{RequestID: id, From: req.Status, To: StatusVerified}
	}
	if s.settler == nil {
		return req, nil
	}
	return s.Settle(ctx, id)
}

// Complete finalises a request whose treasury proposal was approved.
// Only pending_approval requests qualify; processing ones go through Reconcile.
func (s *Service) Complete(ctx context.Context, id, txHash string) (Request, error) {
	return s.transition(ctx, id, StatusCompleted, func(cur Request) error {
		if cur.Status != StatusPendingApproval {
			return &TransitionError{RequestID: id, From: cur.Status, To: StatusCompleted}
		}
		return nil
	}, func(r *Request) {
		if txHash != "" {
			r.TxHash = txHash
		}
		at := r.UpdatedAt
		r.CompletedAt = &at
	})
}
