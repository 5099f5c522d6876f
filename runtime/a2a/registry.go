package a2a

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/agentmesh/router/runtime/a2a/types"
)

const (
	agentEnvPrefix   = "AGENT_"
	agentEnvURLSufix = "_URL"
	agentEnvCapsSufx = "_CAPABILITIES"
)

// Registry is an in-memory, read-mostly set of agent cards. It is loaded at
// startup from environment variables and an optional JSON file, and may be
// mutated afterwards via Register/Unregister (for example in response to a
// dynamic agent registration call). The zero value is not usable; construct
// with NewRegistry.
//
// A Registry is safe for concurrent use. Readers never block writers for
// long: every mutation takes the lock only for the map update itself.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]types.AgentCard
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]types.AgentCard)}
}

// LoadFromEnviron scans the given environment (as returned by os.Environ)
// for AGENT_<NAME>_URL / AGENT_<NAME>_CAPABILITIES pairs and registers one
// AgentCard per discovered name. Names are lowercased, matching the
// registry's convention that environment-derived names are always
// lowercase. Capabilities are a comma-separated list; whitespace around
// each entry is trimmed and empty entries are dropped.
func (r *Registry) LoadFromEnviron(environ []string) {
	urls := map[string]string{}
	caps := map[string][]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, agentEnvPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, agentEnvPrefix)
		switch {
		case strings.HasSuffix(rest, agentEnvURLSufix):
			name := strings.ToLower(strings.TrimSuffix(rest, agentEnvURLSufix))
			if name != "" {
				urls[name] = v
			}
		case strings.HasSuffix(rest, agentEnvCapsSufx):
			name := strings.ToLower(strings.TrimSuffix(rest, agentEnvCapsSufx))
			if name != "" {
				caps[name] = splitAndTrim(v)
			}
		}
	}
	for name, url := range urls {
		r.Register(types.AgentCard{
			Name:         name,
			URL:          url,
			Capabilities: caps[name],
		})
	}
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFromFile reads a JSON agent-card file of shape {"agents": [...]} from
// path and registers every card it contains. A missing file is not an
// error; callers that require the file to exist should stat it first.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled configuration
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading agent card file %q: %w", path, err)
	}
	var file types.AgentCardFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing agent card file %q: %w", path, err)
	}
	for _, card := range file.Agents {
		r.Register(card)
	}
	return nil
}

// Register adds or replaces the card for card.Name. Registration is
// case-sensitive: callers that want the lowercase-env convention must
// lowercase the name themselves (LoadFromEnviron does this already).
func (r *Registry) Register(card types.AgentCard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[card.Name] = card
}

// Unregister removes the card for the given name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}

// Get returns the card registered under name. Lookup is case-sensitive.
func (r *Registry) Get(name string) (types.AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	card, ok := r.agents[name]
	return card, ok
}

// FindByCapability returns the first registered card (in name-sorted
// order, for determinism) that advertises the given capability.
func (r *Registry) FindByCapability(capability string) (types.AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.sortedNamesLocked()
	for _, name := range names {
		card := r.agents[name]
		if hasCapability(card, capability) {
			return card, true
		}
	}
	return types.AgentCard{}, false
}

// AllByCapability returns every registered card (in name-sorted order) that
// advertises the given capability.
func (r *Registry) AllByCapability(capability string) []types.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.sortedNamesLocked()
	out := make([]types.AgentCard, 0, len(names))
	for _, name := range names {
		card := r.agents[name]
		if hasCapability(card, capability) {
			out = append(out, card)
		}
	}
	return out
}

// List returns every registered card in name-sorted order.
func (r *Registry) List() []types.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.sortedNamesLocked()
	out := make([]types.AgentCard, 0, len(names))
	for _, name := range names {
		out = append(out, r.agents[name])
	}
	return out
}

// ListCapabilities returns the sorted union of every capability advertised
// by any registered card.
func (r *Registry) ListCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := map[string]struct{}{}
	for _, card := range r.agents {
		for _, c := range card.Capabilities {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// FindByNameSubstring scans registered names for the first one that
// appears (case-insensitively) as a substring of text. It is used by the
// principal router's delegation heuristic (spec §4.11 step 5) to resolve
// an agent mentioned by name inside free text.
func (r *Registry) FindByNameSubstring(text string) (types.AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lower := strings.ToLower(text)
	names := r.sortedNamesLocked()
	for _, name := range names {
		if strings.Contains(lower, strings.ToLower(name)) {
			return r.agents[name], true
		}
	}
	return types.AgentCard{}, false
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hasCapability(card types.AgentCard, capability string) bool {
	for _, c := range card.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
