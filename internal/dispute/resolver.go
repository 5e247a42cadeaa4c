// Package dispute handles arbitration: opening disputes on live escrows
// and applying an arbiter's verdict to the frozen funds.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-engine/internal/escrow"
	"github.com/Checker-Finance/p2p-engine/internal/store"
	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// ReasonReleaseTimeout marks disputes the sweeper opens when a seller
// misses the release window.
const ReasonReleaseTimeout = "release_timeout"

// Service opens and resolves disputes.
type Service struct {
	store  store.Store
	ledger *escrow.Ledger
	bus    *eventbus.Bus
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(st store.Store, ledger *escrow.Ledger, bus *eventbus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, ledger: ledger, bus: bus, logger: logger}
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// Open raises a dispute on an escrow. Only a party to the escrow may open
// one, only while it awaits payment or release, and an escrow carries at
// most one open dispute — enforced by the disputed state itself.
func (s *Service) Open(ctx context.Context, escrowID, openedBy, reason string, evidence []string) (*model.Dispute, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: a dispute reason is required", model.ErrValidation)
	}

	esc, err := s.ledger.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if openedBy != esc.BuyerID && openedBy != esc.SellerID {
		return nil, fmt.Errorf("%w: not a party to this escrow", model.ErrUnauthorized)
	}
	if esc.State != model.EscrowStateAwaitingPayment && esc.State != model.EscrowStateAwaitingRelease {
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidState, esc.State)
	}

	// Freeze the escrow first; the dispute record follows. The CAS makes
	// a second concurrent open lose cleanly.
	if _, err := s.ledger.MarkDisputed(ctx, escrowID, esc.State); err != nil {
		if errors.Is(err, model.ErrConcurrentModification) {
			cur, gerr := s.ledger.Get(ctx, escrowID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidState, cur.State)
		}
		return nil, err
	}

	return s.record(ctx, esc, openedBy, reason, evidence)
}

// OpenSystemDispute freezes an awaiting_release escrow whose seller missed
// the deadline. A lost CAS race means the seller's confirmation beat the
// sweeper; that is success, not an error.
func (s *Service) OpenSystemDispute(ctx context.Context, esc *model.Escrow) error {
	if _, err := s.ledger.MarkDisputed(ctx, esc.ID, model.EscrowStateAwaitingRelease); err != nil {
		if errors.Is(err, model.ErrConcurrentModification) {
			return nil
		}
		return err
	}

	_, err := s.record(ctx, esc, model.OpenedBySystem, ReasonReleaseTimeout, nil)
	return err
}

func (s *Service) record(ctx context.Context, esc *model.Escrow, openedBy, reason string, evidence []string) (*model.Dispute, error) {
	d := &model.Dispute{
		ID:       uuid.New().String(),
		EscrowID: esc.ID,
		OpenedBy: openedBy,
		Reason:   reason,
		Evidence: evidence,
		OpenedAt: time.Now().UTC(),
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to record dispute: %w", err)
	}

	s.bus.Publish(model.Event{
		Topic:     model.TopicDisputeOpened,
		UserIDs:   []string{esc.BuyerID, esc.SellerID},
		Payload:   d,
		Timestamp: time.Now().UTC(),
	})
	s.logger.Info("dispute.opened",
		zap.String("dispute_id", d.ID),
		zap.String("escrow_id", esc.ID),
		zap.String("opened_by", openedBy),
		zap.String("reason", reason))

	return d, nil
}

// Resolve applies an arbiter's verdict. buyer_favor releases the full
// locked quantity to the buyer; seller_favor refunds the seller; split
// divides by the given ratio (buyer's share). The verdict is recorded
// exactly once — a repeat attempt fails with ErrAlreadyResolved.
func (s *Service) Resolve(ctx context.Context, disputeID string, res model.Resolution, arbiterID string, splitRatio decimal.Decimal) (*model.Dispute, error) {
	if !res.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution %q", model.ErrValidation, res)
	}
	if arbiterID == "" {
		return nil, fmt.Errorf("%w: arbiter is required", model.ErrValidation)
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	esc, err := s.ledger.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	if arbiterID == esc.BuyerID || arbiterID == esc.SellerID {
		return nil, fmt.Errorf("%w: a party cannot arbitrate its own dispute", model.ErrUnauthorized)
	}

	switch res {
	case model.ResolutionBuyerFavor:
		splitRatio = decimal.NewFromInt(1)
	case model.ResolutionSellerFavor:
		splitRatio = decimal.Zero
	case model.ResolutionSplit:
		if !splitRatio.IsPositive() || splitRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: split ratio must be between 0 and 1 exclusive", model.ErrValidation)
		}
	}

	// Claim the verdict first; whoever records it moves the funds. The
	// loser of a concurrent resolve gets ErrAlreadyResolved and touches
	// nothing.
	resolved, err := s.store.ResolveDispute(ctx, disputeID, res, arbiterID, splitRatio.String())
	if err != nil {
		return nil, err
	}

	switch res {
	case model.ResolutionSellerFavor:
		_, err = s.ledger.ResolveRefunded(ctx, d.EscrowID)
	default:
		_, err = s.ledger.ResolveCompleted(ctx, d.EscrowID, splitRatio)
	}
	if err != nil {
		// The verdict is already on record; the escrow side must be
		// repaired by hand if this ever fires.
		s.logger.Error("dispute.escrow_settle_failed",
			zap.String("dispute_id", disputeID),
			zap.String("escrow_id", d.EscrowID),
			zap.Error(err))
		return nil, err
	}

	s.bus.Publish(model.Event{
		Topic:     model.TopicDisputeResolved,
		UserIDs:   []string{esc.BuyerID, esc.SellerID},
		Payload:   resolved,
		Timestamp: time.Now().UTC(),
	})
	s.logger.Info("dispute.resolved",
		zap.String("dispute_id", disputeID),
		zap.String("escrow_id", d.EscrowID),
		zap.String("resolution", string(res)),
		zap.String("arbiter_id", arbiterID))

	return resolved, nil
}
