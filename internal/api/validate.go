package api

import (
	"fmt"
	"strings"

	"fieldops/internal/model"
)

// validateRouteInput checks a route creation request before it reaches the
// store. Returns a list of human-readable reasons, empty when valid.
func validateRouteInput(in model.RouteInput) []string {
	var reasons []string
	if strings.TrimSpace(in.Date) == "" {
		reasons = append(reasons, "date is required")
	}
	if len(in.Stops) == 0 {
		reasons = append(reasons, "at least one stop is required")
	}
	for i, st := range in.Stops {
		switch st.Kind {
		case model.StopVisit, model.StopDelivery, model.StopTransfer, model.StopPickup, model.StopBreak:
		default:
			reasons = append(reasons, fmt.Sprintf("stop %d: unknown kind %q", i+1, st.Kind))
		}
		if st.Kind == model.StopTransfer && st.TransferID == "" {
			reasons = append(reasons, fmt.Sprintf("stop %d: transfer stop requires transferId", i+1))
		}
		seen := map[string]bool{}
		for j, a := range st.Activities {
			switch a.Type {
			case model.ActivityPhoto, model.ActivityStockCount, model.ActivityPayment, model.ActivityOrder, model.ActivitySurvey:
			default:
				reasons = append(reasons, fmt.Sprintf("stop %d activity %d: unknown type %q", i+1, j+1, a.Type))
			}
			if a.Name == "" {
				reasons = append(reasons, fmt.Sprintf("stop %d activity %d: name is required", i+1, j+1))
				continue
			}
			k := string(a.Type) + "|" + a.Name
			if seen[k] {
				reasons = append(reasons, fmt.Sprintf("stop %d: duplicate activity %s/%s", i+1, a.Type, a.Name))
			}
			seen[k] = true
		}
	}
	return reasons
}

// validateTransferInput checks a transfer creation request.
func validateTransferInput(in model.TransferInput) []string {
	var reasons []string
	switch in.Type {
	case model.TransferWHToDC, model.TransferDCToDC, model.TransferReturnWH:
	default:
		reasons = append(reasons, fmt.Sprintf("unknown transfer type %q", in.Type))
	}
	if in.FromWH == "" || in.ToWH == "" {
		reasons = append(reasons, "fromWarehouseId and toWarehouseId are required")
	}
	if in.FromWH != "" && in.FromWH == in.ToWH {
		reasons = append(reasons, "source and destination must differ")
	}
	if len(in.Items) == 0 {
		reasons = append(reasons, "at least one item line is required")
	}
	for i, it := range in.Items {
		if it.ProductID == "" {
			reasons = append(reasons, fmt.Sprintf("item %d: productId is required", i+1))
		}
		if it.Expected <= 0 {
			reasons = append(reasons, fmt.Sprintf("item %d: expected quantity must be positive", i+1))
		}
	}
	return reasons
}
