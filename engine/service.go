package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PaidRequest implements §4.J's paidRequest: pay amount on channelID, then
// hand the cleared payment to the configured ServiceProvider to fulfill.
// If the provider fails after payment has cleared, the payment itself is
// not reversed — the channel balance already reflects it, matching the
// teacher's BIP-70 client's stance that a cleared payment is final once
// countersigned.
func (e *Engine) PaidRequest(ctx context.Context, channelID uuid.UUID, service string, params map[string]string, amount int64) (ServiceResult, error) {
	if e.provider == nil {
		return ServiceResult{}, fmt.Errorf("engine: no ServiceProvider configured")
	}

	if _, err := e.Pay(ctx, channelID, amount); err != nil {
		return ServiceResult{}, fmt.Errorf("engine: pay for %s: %w", service, err)
	}

	result, err := e.provider.Fulfill(ctx, service, params, amount)
	if err != nil {
		return ServiceResult{}, fmt.Errorf("engine: fulfill %s: %w", service, err)
	}
	return result, nil
}
