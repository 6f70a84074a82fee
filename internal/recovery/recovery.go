// Package recovery rebuilds the relay's in-memory state after a new
// agent connection replaces a lost one: it asks the agent what targets
// are currently live, matches them against the persisted named-page
// table by URL, and reattaches/re-claims whatever still exists.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/devbridge/relay/internal/persist"
)

// Router is the subset of relayrouter.Router recovery needs.
type Router interface {
	GetAvailableTargets(ctx context.Context) (json.RawMessage, error)
	AttachToTab(ctx context.Context, targetID string) (string, error)
	ClaimRecoveredPage(sessionID, name, targetID, cdpSessionID string) error
}

// Result summarizes one recovery pass, surfaced on GET /stats as
// recoveredOnLastConnect.
type Result struct {
	Attempted int
	Recovered int
	RanAt     time.Time
}

// Run matches persisted pages against the agent's currently available
// targets by exact URL equality (first match wins on duplicate URLs,
// per the documented tie-break), reattaches each match, and leaves the
// registry/store consistent with whatever actually survived.
func Run(ctx context.Context, router Router, store *persist.Store, maxAge time.Duration) Result {
	res := Result{RanAt: time.Now()}

	persisted, err := store.Load(maxAge)
	if err != nil {
		log.Printf("recovery: failed to load persisted pages: %v", err)
		return res
	}
	if len(persisted) == 0 {
		return res
	}
	res.Attempted = len(persisted)

	available, err := getAvailableTargets(ctx, router)
	if err != nil {
		log.Printf("recovery: getAvailableTargets failed: %v", err)
		return res
	}

	claimed := make(map[string]bool) // targetId already matched, enforces first-match-wins
	for _, entry := range persisted {
		sessionID, name, ok := splitKey(entry.Key)
		if !ok {
			continue
		}

		targetID, found := matchByURL(available, entry.URL, claimed)
		if !found {
			continue
		}
		claimed[targetID] = true

		cdpSessionID, err := router.AttachToTab(ctx, targetID)
		if err != nil {
			log.Printf("recovery: attach to %s failed: %v", targetID, err)
			continue
		}

		if err := router.ClaimRecoveredPage(sessionID, name, targetID, cdpSessionID); err != nil {
			log.Printf("recovery: claim %s:%s failed: %v", sessionID, name, err)
			continue
		}
		res.Recovered++
	}

	return res
}

type availableTarget struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
	Type     string `json:"type"`
}

func getAvailableTargets(ctx context.Context, router Router) ([]availableTarget, error) {
	raw, err := router.GetAvailableTargets(ctx)
	if err != nil {
		return nil, err
	}
	var targets []availableTarget
	if err := json.Unmarshal(raw, &targets); err != nil {
		return nil, fmt.Errorf("parse getAvailableTargets response: %w", err)
	}

	filtered := targets[:0]
	for _, t := range targets {
		if t.Type != "" && t.Type != "page" {
			continue
		}
		filtered = append(filtered, t)
	}
	return filtered, nil
}

func matchByURL(targets []availableTarget, url string, claimed map[string]bool) (string, bool) {
	for _, t := range targets {
		if t.URL == url && !claimed[t.TargetID] {
			return t.TargetID, true
		}
	}
	return "", false
}

func splitKey(key string) (sessionID, name string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
