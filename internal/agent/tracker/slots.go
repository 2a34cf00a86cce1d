package tracker

import (
	"fmt"
	"sync"
)

// slotPool hands out the pilot references of free slots. The server associates a pilot reference with at most
// one job, so a pilot running several payloads at once registers one reference per slot.
type slotPool struct {
	mu         sync.Mutex
	references []string
	free       []string
}

func newSlotPool(reference string, slots int) *slotPool {
	references := []string{reference}
	if slots > 1 {
		references = make([]string, slots)
		for i := range references {
			references[i] = fmt.Sprintf("%s/%d", reference, i+1)
		}
	}
	free := make([]string, len(references))
	copy(free, references)
	return &slotPool{references: references, free: free}
}

// all returns every slot reference, free or not.
func (p *slotPool) all() []string {
	return p.references
}

func (p *slotPool) size() int {
	return len(p.references)
}

func (p *slotPool) take() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return "", false
	}
	reference := p.free[0]
	p.free = p.free[1:]
	return reference, true
}

func (p *slotPool) put(reference string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, reference)
}
