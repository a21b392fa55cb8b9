package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/model"
)

func (r *rig) seedTransfer(t *testing.T) model.Transfer {
	t.Helper()
	tr, err := r.st.CreateTransfer(context.Background(), testTenant, model.TransferInput{
		Type:   model.TransferWHToDC,
		FromWH: "wh-01",
		ToWH:   "dc-04",
		Items: []model.TransferItemInput{
			{ProductID: "p-100", Expected: 12},
			{ProductID: "p-200", Expected: 3},
		},
	})
	require.NoError(t, err)
	return tr
}

func TestTransferHappyPath(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	seed := r.seedTransfer(t)

	ts, err := r.session.ActivateTransfer(ctx, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"start_loading_check"}, TransferActions(ts.Transfer()))

	tr, err := ts.StartLoadingCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TransferLoading, tr.Status)

	// Loading cannot complete with checks outstanding.
	_, err = ts.CompleteLoading(ctx)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.NotContains(t, TransferActions(tr), "complete_loading")

	// Over-counting a line is rejected before any network call.
	_, err = ts.UpdateItemCheck(ctx, model.ItemCheckUpdate{ProductID: "p-100", Verified: 10, Damaged: 5})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	tr, err = ts.UpdateItemCheck(ctx, model.ItemCheckUpdate{ProductID: "p-100", Verified: 10, Damaged: 2})
	require.NoError(t, err)
	assert.Equal(t, model.CheckPartial, tr.Items[0].Status)

	tr, err = ts.VerifyAllItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CheckPartial, tr.Items[0].Status, "verify-all leaves already-counted lines alone")
	assert.Equal(t, model.CheckVerified, tr.Items[1].Status)
	assert.Equal(t, 3, tr.Items[1].Verified)

	tr, err = ts.CompleteLoading(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TransferInTransit, tr.Status)

	tr, err = ts.Arrive(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TransferArrived, tr.Status)
	require.NotNil(t, tr.ArriveLoc, "absent location recorded as zero reading")

	_, err = ts.CompleteHandoff(ctx, model.HandoffRequest{})
	require.Error(t, err, "receiver identity required")

	tr, err = ts.CompleteHandoff(ctx, model.HandoffRequest{
		ReceivedBy: "dc-04 supervisor",
		Photo:      &model.MediaRef{ID: "m-h1", Kind: "photo"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TransferCompleted, tr.Status)
	assert.Equal(t, "dc-04 supervisor", tr.ReceivedBy)
	assert.Nil(t, TransferActions(tr))
}

func TestTransferStatePreconditions(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	seed := r.seedTransfer(t)
	ts, err := r.session.ActivateTransfer(ctx, seed.ID)
	require.NoError(t, err)

	// Everything but the loading check is out of order from pending.
	_, err = ts.Arrive(ctx)
	assert.True(t, IsValidation(err))
	_, err = ts.CompleteLoading(ctx)
	assert.True(t, IsValidation(err))
	_, err = ts.CompleteHandoff(ctx, model.HandoffRequest{ReceivedBy: "x"})
	assert.True(t, IsValidation(err))
	_, err = ts.VerifyAllItems(ctx)
	assert.True(t, IsValidation(err))

	_, err = ts.StartLoadingCheck(ctx)
	require.NoError(t, err)
	_, err = ts.StartLoadingCheck(ctx)
	assert.True(t, IsValidation(err), "no repeat loading check")
}

func TestTransferRejectedLineCountsAsAccounted(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	seed := r.seedTransfer(t)
	ts, err := r.session.ActivateTransfer(ctx, seed.ID)
	require.NoError(t, err)
	_, err = ts.StartLoadingCheck(ctx)
	require.NoError(t, err)

	tr, err := ts.UpdateItemCheck(ctx, model.ItemCheckUpdate{ProductID: "p-100", Rejected: true})
	require.NoError(t, err)
	assert.Equal(t, model.CheckRejected, tr.Items[0].Status)

	tr, err = ts.UpdateItemCheck(ctx, model.ItemCheckUpdate{ProductID: "p-200", Verified: 3})
	require.NoError(t, err)

	tr, err = ts.CompleteLoading(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TransferInTransit, tr.Status)
}

func TestTransferReturnSideExit(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	seed := r.seedTransfer(t)
	ts, err := r.session.ActivateTransfer(ctx, seed.ID)
	require.NoError(t, err)

	// Return is not reachable from pending.
	_, err = ts.Return(ctx, "truck broke down")
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = ts.StartLoadingCheck(ctx)
	require.NoError(t, err)

	_, err = ts.Return(ctx, "")
	require.Error(t, err, "reason required")

	tr, err := ts.Return(ctx, "truck broke down")
	require.NoError(t, err)
	assert.Equal(t, model.TransferReturned, tr.Status)
	assert.Equal(t, "truck broke down", tr.ReturnReason)

	// Returned is terminal.
	_, err = ts.StartLoadingCheck(ctx)
	assert.True(t, IsValidation(err))
	assert.Nil(t, TransferActions(tr))
}
