package workflow

import (
	"sync"
	"testing"
)

// NOTE: These tests are intentionally DB-free. They validate the delivery
// semantics the engine event consumer relies on:
// - at-least-once delivery is safe via durable idempotency
// - per-organization serialization prevents racey interleavings inside handlers
//
// DB-backed coverage of the same contract runs behind INTEGRATION_TESTS in the
// models package.

type fakeProcessor struct {
	muByOrg map[string]*sync.Mutex
	mu      sync.Mutex
	seen    map[string]bool
	calls   int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		muByOrg: map[string]*sync.Mutex{},
		seen:    map[string]bool{},
	}
}

func (p *fakeProcessor) process(organizationID, handlerName, messageID string, fn func()) {
	// Serialize per organization (models AcquireOrganizationLock).
	p.mu.Lock()
	om := p.muByOrg[organizationID]
	if om == nil {
		om = &sync.Mutex{}
		p.muByOrg[organizationID] = om
	}
	p.mu.Unlock()

	om.Lock()
	defer om.Unlock()

	// Deduplicate (models IdempotencyKey).
	key := organizationID + "|" + handlerName + "|" + messageID
	p.mu.Lock()
	if p.seen[key] {
		p.mu.Unlock()
		return
	}
	p.seen[key] = true
	p.mu.Unlock()

	fn()

	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
}

func TestDuplicateDelivery_IsProcessedOnce(t *testing.T) {
	p := newFakeProcessor()

	const (
		org       = "org-1"
		handler   = "activity_batch"
		messageID = "mf-batch-0001"
	)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.process(org, handler, messageID, func() {})
		}()
	}
	wg.Wait()

	if p.calls != 1 {
		t.Fatalf("expected exactly 1 processing call, got %d", p.calls)
	}
}

func TestDelivery_Property_DeterministicUnderConcurrency(t *testing.T) {
	for run := 0; run < 100; run++ {
		p := newFakeProcessor()
		var wg sync.WaitGroup

		// same scenario, repeated concurrently
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p.process("org-1", "activity_batch", "1", func() {})
				p.process("org-1", "baseline.restated", "2", func() {})
				p.process("org-1", "activity_batch", "1", func() {}) // duplicate
			}(i)
		}
		wg.Wait()

		if p.calls != 2 {
			t.Fatalf("run=%d expected 2 unique calls (batch#1, restated#2), got %d", run, p.calls)
		}
	}
}
