package agentcdp

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// tabRegistry maps CDP target ids to stable, process-lifetime tab ids,
// using the same double-checked-locking shape as the teacher's
// TabRegistry.GetOrCreateTabID.
type tabRegistry struct {
	counter     atomic.Int64
	mu          sync.RWMutex
	targetToTab map[string]string
	tabToTarget map[string]string
}

func newTabRegistry() *tabRegistry {
	return &tabRegistry{
		targetToTab: make(map[string]string),
		tabToTarget: make(map[string]string),
	}
}

// getOrCreateTabID returns the tab id bound to targetID, minting one if
// this is the first time targetID has been seen.
func (r *tabRegistry) getOrCreateTabID(targetID string) string {
	r.mu.RLock()
	if tabID, exists := r.targetToTab[targetID]; exists {
		r.mu.RUnlock()
		return tabID
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if tabID, exists := r.targetToTab[targetID]; exists {
		return tabID
	}

	tabID := fmt.Sprintf("tab-%d", r.counter.Add(1))
	r.targetToTab[targetID] = tabID
	r.tabToTarget[tabID] = targetID
	return tabID
}

func (r *tabRegistry) targetIDFor(tabID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targetID, ok := r.tabToTarget[tabID]
	return targetID, ok
}

func (r *tabRegistry) tabIDFor(targetID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tabID, ok := r.targetToTab[targetID]
	return tabID, ok
}

func (r *tabRegistry) remove(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tabID, ok := r.targetToTab[targetID]; ok {
		delete(r.tabToTarget, tabID)
	}
	delete(r.targetToTab, targetID)
}
