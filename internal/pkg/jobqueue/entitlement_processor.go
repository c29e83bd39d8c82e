package jobqueue

import (
	"context"
	"fmt"
)

// EntitlementApplier re-runs the ledger write for a captured order;
// *billing.Reconciler implements it.
type EntitlementApplier interface {
	RetryApply(ctx context.Context, provider, orderID string) error
}

// RegisterEntitlementApply installs the entitlement_apply handler.
func (q *Queue) RegisterEntitlementApply(applier EntitlementApplier) {
	q.RegisterHandler(JobTypeEntitlementApply, func(ctx context.Context, job *Job) error {
		payload, err := EntitlementApplyJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid entitlement_apply payload: %w", err)
		}
		if payload.Provider == "" || payload.OrderID == "" {
			return fmt.Errorf("entitlement_apply job %s has no order reference", job.ID)
		}
		return applier.RetryApply(ctx, payload.Provider, payload.OrderID)
	})
}
