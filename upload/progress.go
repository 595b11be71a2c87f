package upload

import "sync"

// Progress weights: hashing contributes the first 20 percent, chunk
// completion the remaining 80. Chunk-level byte progress does not contribute;
// overall progress advances on whole-chunk completion only.
const (
	hashProgressWeight  = 0.2
	chunkProgressWeight = 0.8
)

// progressTracker composes hash and chunk progress into a single monotonic
// percentage. Observed values never decrease, even when a resumed session
// reconciles to a smaller chunk count or a cancelled chunk reverts.
type progressTracker struct {
	mu   sync.Mutex
	last float64
}

// fromHash folds a 0-100 hashing percentage into the overall value.
// The second return value reports whether the value increased.
func (p *progressTracker) fromHash(percent int) (float64, bool) {
	return p.clamp(hashProgressWeight * float64(percent))
}

// fromChunks folds a 0-100 chunk-completion percentage into the overall value.
func (p *progressTracker) fromChunks(percent int) (float64, bool) {
	return p.clamp(hashProgressWeight*100 + chunkProgressWeight*float64(percent))
}

// complete forces the final 100.
func (p *progressTracker) complete() (float64, bool) {
	return p.clamp(100)
}

// current returns the last reported value.
func (p *progressTracker) current() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *progressTracker) clamp(value float64) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if value <= p.last {
		return p.last, false
	}
	p.last = value
	return value, true
}
