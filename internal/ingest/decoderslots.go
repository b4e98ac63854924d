package ingest

import "sync"

// DecoderSlotCapacity is the fixed number of decoded-frame slots a
// decoder owns.
const DecoderSlotCapacity = 8

type decoderSlot struct {
	inUse                bool
	timestampSec         float64
	chunkDisplayOrder    int
	absoluteDisplayOrder int
}

// DecoderSlotPool tracks a fixed set of decoded-frame slots per
// playback context. It also carries the running display-order and
// timestamp offsets that let each chunk's frames be numbered
// relative to the whole stream rather than just the current chunk:
// AdvanceChunk is called once a chunk is fully decoded, before the
// next chunk's frames start acquiring slots.
type DecoderSlotPool struct {
	mu                 sync.Mutex
	slots              [DecoderSlotCapacity]decoderSlot
	displayOrderOffset int
	timestampOffset    float64
}

// NewDecoderSlotPool creates an empty pool with every slot free.
func NewDecoderSlotPool() *DecoderSlotPool {
	return &DecoderSlotPool{}
}

// Acquire returns the index of the first free slot, marking it in
// use. ok is false when every slot is occupied.
func (p *DecoderSlotPool) Acquire() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if !p.slots[i].inUse {
			p.slots[i].inUse = true
			return i, true
		}
	}
	return 0, false
}

// Release clears a slot's in-use flag, making it eligible for reuse.
func (p *DecoderSlotPool) Release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= DecoderSlotCapacity {
		return
	}
	p.slots[index] = decoderSlot{}
}

// RecordFrame stores a decoded frame's presentation bookkeeping in an
// already-acquired slot.
func (p *DecoderSlotPool) RecordFrame(index int, timestampSec float64, chunkDisplayOrder, absoluteDisplayOrder int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= DecoderSlotCapacity {
		return
	}
	p.slots[index].timestampSec = timestampSec
	p.slots[index].chunkDisplayOrder = chunkDisplayOrder
	p.slots[index].absoluteDisplayOrder = absoluteDisplayOrder
}

// AdvanceChunk folds a completed chunk's frame count and duration into
// the running display-order and timestamp offsets, so the next
// chunk's frames continue numbering from where this one left off.
func (p *DecoderSlotPool) AdvanceChunk(frameCount int, durationSec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.displayOrderOffset += frameCount
	p.timestampOffset += durationSec
}

// DisplayOrderOffset reports the absolute display order the current
// chunk's frames are offset from.
func (p *DecoderSlotPool) DisplayOrderOffset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayOrderOffset
}

// TimestampOffset reports the wall-clock timestamp the current
// chunk's frames are offset from.
func (p *DecoderSlotPool) TimestampOffset() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timestampOffset
}

// FindByAbsoluteDisplayOrder returns the slot presenting target, the
// selection a presentation tick uses to pick which slot's frame is
// due.
func (p *DecoderSlotPool) FindByAbsoluteDisplayOrder(target int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].inUse && p.slots[i].absoluteDisplayOrder == target {
			return i, true
		}
	}
	return 0, false
}
