package router

// Key rotation. The cursor makes selection fair round-robin: each pick
// starts scanning just past the previously chosen key instead of always
// hammering the first configured one.

// NextKey returns the first available key scanning round-robin from the
// cursor, advancing the cursor past it, or nil when no key is available.
// Availability is time-based, so a nil result now may be a hit moments
// later (breaker reset, cooldown expiry).
func (p *Provider) NextKey() *KeyState {
	n := len(p.keys)
	if n == 0 {
		return nil
	}

	p.cursorMu.Lock()
	start := p.cursor % n
	p.cursorMu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if p.keys[idx].Available() {
			p.cursorMu.Lock()
			p.cursor = idx + 1
			p.cursorMu.Unlock()
			return p.keys[idx]
		}
	}
	return nil
}

// CandidateKeys returns the currently-available keys in rotation order and
// advances the cursor by one so the next request starts elsewhere. An empty
// result means every key is cooling down, circuit-open, or disabled.
func (p *Provider) CandidateKeys() []*KeyState {
	n := len(p.keys)
	if n == 0 {
		return nil
	}

	p.cursorMu.Lock()
	start := p.cursor % n
	p.cursor = start + 1
	p.cursorMu.Unlock()

	var out []*KeyState
	for i := 0; i < n; i++ {
		k := p.keys[(start+i)%n]
		if k.Available() {
			out = append(out, k)
		}
	}
	return out
}

// AllKeys returns every key in rotation order regardless of availability.
// Used as a second pass when CandidateKeys came back empty: availability is
// a function of time and may have flipped since the check, and one extra
// attempt right after a breaker-reset boundary is cheaper than failing the
// provider outright.
func (p *Provider) AllKeys() []*KeyState {
	n := len(p.keys)
	if n == 0 {
		return nil
	}

	p.cursorMu.Lock()
	start := p.cursor % n
	p.cursorMu.Unlock()

	out := make([]*KeyState, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.keys[(start+i)%n])
	}
	return out
}
