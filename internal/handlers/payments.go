package handlers

import "context"

// Payments implements the reference payments handler (spec §4.13): it
// always refuses execution, matching the teacher's PaymentsAgent, which
// never performs a real transaction.
func Payments(ctx context.Context, input Input) (string, error) {
	return PaymentsRefusal, nil
}
