package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentmesh/router/runtime/agent/session"
)

var ticketIDSeq int

func nextMockTicketID() int {
	ticketIDSeq++
	return 1000 + ticketIDSeq
}

// Tickets implements the reference tickets handler (spec §4.13): it
// detects create/list intent from the free text, checks history for an
// in-flight follow-up about a previously mentioned ticket, and otherwise
// defaults to creating a ticket. When USE_REAL_TOOLS=true and both
// GITHUB_TOKEN and GITHUB_REPO are set, it files a real GitHub issue;
// otherwise it returns a mocked response.
func Tickets(ctx context.Context, input Input) (string, error) {
	text := strings.ToLower(strings.TrimSpace(input.Text))

	if hasPreviousTicketMention(input.History) && containsAny(text, "status", "update", "check") {
		return "I can see you asked about a ticket earlier. To check ticket status, please provide the ticket ID or issue number.", nil
	}

	switch {
	case containsAny(text, "list", "show"):
		return listTickets(ctx)
	default:
		return createTicket(ctx, input.Text)
	}
}

func hasPreviousTicketMention(history []session.Message) bool {
	for _, msg := range history {
		if msg.Role == session.RoleAgent && strings.Contains(strings.ToLower(msg.Content), "ticket") {
			return true
		}
	}
	return false
}

func containsAny(text string, substrs ...string) bool {
	for _, s := range substrs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func createTicket(ctx context.Context, text string) (string, error) {
	if realTicketTool, ok := newGitHubTicketTool(); ok {
		return realTicketTool.create(ctx, "Support Request", text)
	}
	id := nextMockTicketID()
	return fmt.Sprintf("Ticket created successfully! Issue #%d: (mocked) Support request recorded.", id), nil
}

func listTickets(ctx context.Context) (string, error) {
	if realTicketTool, ok := newGitHubTicketTool(); ok {
		return realTicketTool.list(ctx)
	}
	return "Found 0 open tickets (mocked).", nil
}

// githubTicketTool backs Tickets with the real GitHub Issues API when
// configured. No GitHub client library appears anywhere in the example
// pack, so this uses net/http directly against GitHub's plain REST API
// rather than fabricating a dependency.
type githubTicketTool struct {
	token string
	repo  string
	http  *http.Client
}

func newGitHubTicketTool() (*githubTicketTool, bool) {
	if strings.ToLower(os.Getenv("USE_REAL_TOOLS")) != "true" {
		return nil, false
	}
	token := os.Getenv("GITHUB_TOKEN")
	repo := os.Getenv("GITHUB_REPO")
	if token == "" || repo == "" {
		return nil, false
	}
	return &githubTicketTool{token: token, repo: repo, http: &http.Client{Timeout: 10 * time.Second}}, true
}

func (g *githubTicketTool) create(ctx context.Context, title, description string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"title": title,
		"body":  description,
		"labels": []string{"support", "auto-created"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal issue body: %w", err)
	}
	url := fmt.Sprintf("https://api.github.com/repos/%s/issues", g.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("build issue request: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create github issue: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("github issue creation failed with status %d", resp.StatusCode)
	}

	var issue struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return "", fmt.Errorf("decode github issue response: %w", err)
	}
	return fmt.Sprintf("Ticket created successfully! Issue #%d: %s", issue.Number, issue.HTMLURL), nil
}

func (g *githubTicketTool) list(ctx context.Context) (string, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/issues?state=open", g.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build issue list request: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("list github issues: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("github issue list failed with status %d", resp.StatusCode)
	}

	var issues []struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&issues); err != nil {
		return "", fmt.Errorf("decode github issue list: %w", err)
	}

	if len(issues) == 0 {
		return "Found 0 open tickets.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d open tickets:\n", len(issues))
	max := len(issues)
	if max > 5 {
		max = 5
	}
	for _, iss := range issues[:max] {
		fmt.Fprintf(&b, "- Issue #%d: %s\n", iss.Number, iss.Title)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (g *githubTicketTool) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
}
