package payment

import (
	"context"
	"errors"
	"time"
)

// ErrPollExhausted is returned when the order did not complete within the
// allowed number of attempts.
var ErrPollExhausted = errors.New("payment not completed within poll attempts")

// PollUntilPaid polls the order state every interval until it is paid, the
// context ends, or maxAttempts checks have been made. It returns the last
// observed state.
func PollUntilPaid(ctx context.Context, poller StatusPoller, orderID string, interval time.Duration, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var state string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		s, err := poller.PollStatus(ctx, orderID)
		if err != nil {
			return state, err
		}
		state = s
		if (&Capture{Status: s}).Completed() {
			return state, nil
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return state, ctx.Err()
		case <-timer.C:
		}
	}
	return state, ErrPollExhausted
}
