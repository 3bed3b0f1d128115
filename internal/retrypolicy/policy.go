package retrypolicy

import "time"

// Policy is a compiled, immutable view of a Config: a lookup of retry knobs
// by operation kind. Thread-safe for concurrent use.
type Policy struct {
	byKind map[string]KindOverride
}

// NewPolicy compiles cfg into a Policy. A nil cfg yields a Policy with no
// overrides — every kind falls through to the caller's fallback value.
func NewPolicy(cfg *Config) *Policy {
	p := &Policy{byKind: make(map[string]KindOverride)}

	if cfg == nil {
		return p
	}

	for _, o := range cfg.Overrides {
		p.byKind[o.Kind] = o
	}

	return p
}

// MaxAttempts returns the override for kind, or fallback if none is configured.
func (p *Policy) MaxAttempts(kind string, fallback int) int {
	if p == nil {
		return fallback
	}

	if o, ok := p.byKind[kind]; ok && o.MaxAttempts != nil {
		return *o.MaxAttempts
	}

	return fallback
}

// RetryBackoff returns the override for kind, or fallback if none is configured.
func (p *Policy) RetryBackoff(kind string, fallback time.Duration) time.Duration {
	if p == nil {
		return fallback
	}

	if o, ok := p.byKind[kind]; ok && o.RetryBackoffMS != nil {
		return time.Duration(*o.RetryBackoffMS) * time.Millisecond
	}

	return fallback
}

// RateLimitBuffer returns the override for kind, or fallback if none is configured.
func (p *Policy) RateLimitBuffer(kind string, fallback time.Duration) time.Duration {
	if p == nil {
		return fallback
	}

	if o, ok := p.byKind[kind]; ok && o.RateLimitBufferMS != nil {
		return time.Duration(*o.RateLimitBufferMS) * time.Millisecond
	}

	return fallback
}
