package chatcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/chatcore/model"
)

// CachingCredentialProvider reuses media credentials per channel until they
// are about to expire.
//
// Expiry comes from the provider when set, otherwise from the token's exp
// claim when the token is a JWT, otherwise a fixed TTL is assumed.
type CachingCredentialProvider struct {
	next CredentialProvider
	ttl  time.Duration
	skew time.Duration

	mu    sync.Mutex
	cache map[string]model.Credential
}

// NewCachingCredentialProvider wraps next. Tokens without a known expiry are
// kept for ttl; a zero ttl means one hour.
func NewCachingCredentialProvider(next CredentialProvider, ttl time.Duration) *CachingCredentialProvider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachingCredentialProvider{
		next:  next,
		ttl:   ttl,
		skew:  30 * time.Second,
		cache: make(map[string]model.Credential),
	}
}

// Credential returns a cached credential for channel or fetches a new one.
func (p *CachingCredentialProvider) Credential(ctx context.Context, channel string) (model.Credential, error) {
	p.mu.Lock()
	cred, ok := p.cache[channel]
	p.mu.Unlock()
	if ok && !cred.IsExpired(p.skew) {
		return cred, nil
	}

	cred, err := p.next.Credential(ctx, channel)
	if err != nil {
		return model.Credential{}, NewErrorWithCause(ErrCodeCredential, fmt.Sprintf("credential for %s", channel), err)
	}
	if cred.ChannelName == "" {
		cred.ChannelName = channel
	}
	if cred.ExpiresAt.IsZero() {
		if exp, ok := tokenExpiry(cred.Token); ok {
			cred.ExpiresAt = exp
		} else {
			cred.ExpiresAt = time.Now().Add(p.ttl)
		}
	}

	p.mu.Lock()
	p.cache[channel] = cred
	p.mu.Unlock()
	return cred, nil
}

// Invalidate drops the cached credential of channel.
func (p *CachingCredentialProvider) Invalidate(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, channel)
}
