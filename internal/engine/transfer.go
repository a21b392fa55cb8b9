package engine

import (
	"context"

	"fieldops/internal/model"
)

// TransferSession drives the goods-movement state machine for one transfer:
// pending → loading → in_transit → arrived → completed, with "returned" as an
// irreversible side exit from loading, in_transit, or arrived. Every
// transition call returns the refreshed transfer because downstream delivery
// records derive their readiness from it.
type TransferSession struct {
	s        *Session
	transfer model.Transfer
}

// ActivateTransfer loads the transfer into a session handle.
func (s *Session) ActivateTransfer(ctx context.Context, transferID string) (*TransferSession, error) {
	t, err := s.Remote.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return &TransferSession{s: s, transfer: t}, nil
}

// Transfer returns the current authoritative snapshot.
func (ts *TransferSession) Transfer() model.Transfer { return ts.transfer }

// TransferActions lists the transitions currently permitted by the machine.
func TransferActions(t model.Transfer) []string {
	switch t.Status {
	case model.TransferPending:
		return []string{"start_loading_check"}
	case model.TransferLoading:
		acts := []string{"update_item_check", "verify_all_items", "return"}
		if allChecksTerminal(t) == nil {
			acts = append(acts, "complete_loading")
		}
		return acts
	case model.TransferInTransit:
		return []string{"arrive", "return"}
	case model.TransferArrived:
		return []string{"complete_handoff", "return"}
	}
	return nil
}

func allChecksTerminal(t model.Transfer) error {
	for _, c := range t.Items {
		if !c.Status.TerminalCheck() {
			return validationf("item %s check still pending", c.ProductID)
		}
	}
	return nil
}

func (ts *TransferSession) apply(t model.Transfer, err error) (model.Transfer, error) {
	if err != nil {
		return model.Transfer{}, err
	}
	ts.transfer = t
	return t, nil
}

// StartLoadingCheck opens the load check. Always allowed from pending.
func (ts *TransferSession) StartLoadingCheck(ctx context.Context) (model.Transfer, error) {
	if ts.transfer.Status != model.TransferPending {
		return model.Transfer{}, validationf("transfer is %s", ts.transfer.Status)
	}
	return ts.apply(ts.s.Remote.StartLoadingCheck(ctx, ts.transfer.ID))
}

// UpdateItemCheck reports counts for one line of the load check.
func (ts *TransferSession) UpdateItemCheck(ctx context.Context, upd model.ItemCheckUpdate) (model.Transfer, error) {
	if ts.transfer.Status != model.TransferLoading {
		return model.Transfer{}, validationf("transfer is %s", ts.transfer.Status)
	}
	if !upd.Rejected {
		for _, c := range ts.transfer.Items {
			if c.ProductID == upd.ProductID && upd.Verified+upd.Damaged+upd.Missing > c.Expected {
				return model.Transfer{}, validationf("counts exceed expected %d for %s", c.Expected, c.ProductID)
			}
		}
	}
	return ts.apply(ts.s.Remote.UpdateItemCheck(ctx, ts.transfer.ID, upd))
}

// VerifyAllItems marks every still-pending line verified at expected
// quantity.
func (ts *TransferSession) VerifyAllItems(ctx context.Context) (model.Transfer, error) {
	if ts.transfer.Status != model.TransferLoading {
		return model.Transfer{}, validationf("transfer is %s", ts.transfer.Status)
	}
	return ts.apply(ts.s.Remote.VerifyAllItems(ctx, ts.transfer.ID))
}

// CompleteLoading moves to in_transit. Requires 100% of expected quantity
// accounted for (every check terminal, not necessarily verified-undamaged).
func (ts *TransferSession) CompleteLoading(ctx context.Context) (model.Transfer, error) {
	if ts.transfer.Status != model.TransferLoading {
		return model.Transfer{}, validationf("transfer is %s", ts.transfer.Status)
	}
	if err := allChecksTerminal(ts.transfer); err != nil {
		return model.Transfer{}, err
	}
	return ts.apply(ts.s.Remote.CompleteLoading(ctx, ts.transfer.ID))
}

// Arrive records arrival at the destination. Location is best effort.
func (ts *TransferSession) Arrive(ctx context.Context) (model.Transfer, error) {
	if ts.transfer.Status != model.TransferInTransit {
		return model.Transfer{}, validationf("transfer is %s", ts.transfer.Status)
	}
	loc := CaptureLocation(ctx, ts.s.Locator, ts.s.LocationTimeout)
	return ts.apply(ts.s.Remote.ArriveAtDestination(ctx, ts.transfer.ID, loc))
}

// CompleteHandoff finishes the transfer. Receiver identity is required; the
// handoff photo, when present, is uploaded before the status call.
func (ts *TransferSession) CompleteHandoff(ctx context.Context, req model.HandoffRequest) (model.Transfer, error) {
	if ts.transfer.Status != model.TransferArrived {
		return model.Transfer{}, validationf("transfer is %s", ts.transfer.Status)
	}
	if req.ReceivedBy == "" {
		return model.Transfer{}, validationf("receiver identity required")
	}
	t, err := ts.apply(ts.s.Remote.CompleteHandoff(ctx, ts.transfer.ID, req))
	if err != nil {
		return model.Transfer{}, err
	}
	ts.s.purgeProgress(t.ID)
	return t, nil
}

// Return sends the goods back. Requires a non-empty reason; irreversible.
func (ts *TransferSession) Return(ctx context.Context, reason string) (model.Transfer, error) {
	if reason == "" {
		return model.Transfer{}, validationf("return reason required")
	}
	if !ts.transfer.Status.CanTransition(model.TransferReturned) {
		return model.Transfer{}, validationf("transfer is %s", ts.transfer.Status)
	}
	t, err := ts.apply(ts.s.Remote.ReturnTransfer(ctx, ts.transfer.ID, reason))
	if err != nil {
		return model.Transfer{}, err
	}
	ts.s.purgeProgress(t.ID)
	return t, nil
}
