package mem

// Pools bundles the ordinary RAM pool with the optional high-bandwidth
// pool. The hbmem pool is a structurally identical second allocator
// keyed off a non-zero base address handed over at init.
type Pools struct {
	RAM   *FrameAllocator
	HBMem *FrameAllocator

	hbBase uint64
}

// NewPools builds the pool pair. hbBase/hbSize of zero leave the
// high-bandwidth pool absent.
func NewPools(hbBase, hbSize uint64) *Pools {
	p := &Pools{RAM: NewFrameAllocator(), hbBase: hbBase}
	if hbBase != 0 && hbSize != 0 {
		p.HBMem = NewFrameAllocator()
		p.HBMem.AddRange(hbBase, hbBase+hbSize)
	}
	return p
}

// IsHBMemAvailable reports whether the high-bandwidth pool exists.
// Session buffers prefer it when present.
func (p *Pools) IsHBMemAvailable() bool { return p.HBMem != nil }

// GetPages prefers the high-bandwidth pool when hb is requested and the
// pool exists, falling back to ordinary RAM.
func (p *Pools) GetPages(n uint64, hb bool) uint64 {
	if hb && p.HBMem != nil {
		if addr := p.HBMem.GetPages(n); addr != 0 {
			return addr
		}
	}
	return p.RAM.GetPages(n)
}

// PutPages routes frames back to the pool that owns them.
func (p *Pools) PutPages(addr, n uint64) {
	if p.HBMem != nil && addr >= p.hbBase {
		if p.HBMem.PutPages(addr, n) == 0 {
			return
		}
	}
	p.RAM.PutPages(addr, n)
}
