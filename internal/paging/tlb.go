package paging

import "sync"

// TLB models one core's translation cache. The machine performs no real
// caching; what matters to the kernel is the flush protocol, so the
// model records exactly the invalidations a hardware core would run.
type TLB struct {
	mu sync.Mutex

	pageFlushes uint64
	fullFlushes uint64
	lastPage    uint64
}

// FlushPage is the single-page invalidation (invlpg).
func (t *TLB) FlushPage(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pageFlushes++
	t.lastPage = v &^ uint64(0xFFF)
}

// FlushAll is the full invalidation (write_cr3(read_cr3())).
func (t *TLB) FlushAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fullFlushes++
}

// PageFlushes returns the number of single-page invalidations.
func (t *TLB) PageFlushes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pageFlushes
}

// FullFlushes returns the number of full invalidations.
func (t *TLB) FullFlushes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fullFlushes
}

// LastPage returns the most recently invalidated page address.
func (t *TLB) LastPage() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPage
}
