// internal/domain/message/retention.go

package message

import "time"

// RetentionPolicy bounds how old the data served to clients may be
type RetentionPolicy struct {
	MaxDataAge time.Duration
	Now        func() time.Time
}

// NewRetentionPolicy creates a policy keeping maxDays of data
func NewRetentionPolicy(maxDays int) RetentionPolicy {
	return RetentionPolicy{
		MaxDataAge: time.Duration(maxDays) * 24 * time.Hour,
		Now:        time.Now,
	}
}

// DefaultCutoff returns the oldest timestamp (ms since epoch, exclusive) the
// server is willing to serve.
func (p RetentionPolicy) DefaultCutoff() int64 {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().Add(-p.MaxDataAge).UnixMilli()
}

// EffectiveCutoff combines the server cutoff with the caller's last seen
// timestamp, keeping whichever is more recent. A non-positive requested value
// means the caller has no filter.
func (p RetentionPolicy) EffectiveCutoff(requested int64) int64 {
	cutoff := p.DefaultCutoff()
	if requested > 0 && requested > cutoff {
		return requested
	}
	return cutoff
}
