package handlers

import (
	"context"
	"strings"
	"time"
)

const capabilitiesText = `I can help you with:
- Support tickets: create and manage support tickets for issues
- Account management: view and update your account information
- Payment inquiries: answer questions about payments (actual payment processing is not available)
- Weather information: current weather and forecasts
- Insurance services: policy information and new policy requests

Just let me know what you need.`

var greetings = []string{
	"Hello! How can I assist you today?",
	"Hi there! What can I help you with?",
	"Greetings! I'm here to help.",
}

// General implements the reference general handler (spec §4.13): greetings,
// small talk, capability summaries, and a catch-all for out-of-scope
// questions, matching the teacher's GeneralAgent's conversational shape.
func General(ctx context.Context, input Input) (string, error) {
	text := strings.ToLower(strings.TrimSpace(input.Text))

	if containsAny(text, "what can you do", "capabilities", "features", "what are supported", "help me understand") {
		return capabilitiesText, nil
	}

	if containsAny(text, "hello", "hi ", "hey", "good morning", "good afternoon", "good evening") && !strings.Contains(text, "?") {
		return timeBasedGreeting() + " " + pickGreeting(text), nil
	}

	if containsAny(text, "how are you") {
		return "I'm doing great, thank you for asking! How can I assist you today?", nil
	}

	if containsAny(text, "thank") {
		return "You're very welcome! Is there anything else I can help you with?", nil
	}

	if containsAny(text, "bye", "goodbye", "see you") {
		return "Goodbye! Feel free to come back anytime you need assistance.", nil
	}

	return "I'm here to help! " + capabilitiesText, nil
}

func timeBasedGreeting() string {
	hour := time.Now().Hour()
	switch {
	case hour >= 5 && hour < 12:
		return "Good morning!"
	case hour >= 12 && hour < 17:
		return "Good afternoon!"
	case hour >= 17 && hour < 22:
		return "Good evening!"
	default:
		return "Hello!"
	}
}

func pickGreeting(text string) string {
	idx := len(text) % len(greetings)
	return greetings[idx]
}
