package handlers

import (
	"context"
	"strings"
)

// Insurance implements the SPEC_FULL.md supplement's local fallback for
// the "insurance" intent, used when no remote insurance agent is
// registered for the fixed intent->agent mapping (spec §4.11 step 7). No
// insurance provider SDK exists anywhere in the example pack, so this is
// a mocked responder rather than a live integration.
func Insurance(ctx context.Context, input Input) (string, error) {
	text := strings.ToLower(strings.TrimSpace(input.Text))

	switch {
	case containsAny(text, "new policy", "create policy", "apply"):
		return "I've noted your request for a new insurance policy (mocked). A specialist will follow up to collect details.", nil
	case containsAny(text, "claim"):
		return "To file a claim, please provide your policy number and a brief description of the incident.", nil
	case containsAny(text, "policy", "coverage"):
		return "Your policy is active with standard coverage (mocked). Ask me about filing a claim or requesting a new policy.", nil
	default:
		return "I can help with insurance: policy information, filing a claim, or requesting a new policy. What would you like to do?", nil
	}
}
