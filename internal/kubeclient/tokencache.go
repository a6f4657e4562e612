package kubeclient

import (
	"context"
	"sync"
	"time"

	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
)

// tokenTTLSeconds is the lifetime requested for every minted token. Cache
// entries are considered stale at half this duration, the same margin
// audit-scanner's own pager re-list cadence leaves for clock skew between
// the apiserver and the node running Checkpoint.
const tokenTTLSeconds = int64(10 * time.Minute / time.Second)

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// tokenCache mints and caches bound, short-lived ServiceAccount tokens via
// the TokenRequest subresource (spec.md §4.2). One entry per
// (namespace, name), shared by every rule using that ServiceAccount; a
// cached token is reused until it is within half its TTL of expiring.
// Minting runs outside the lock, so concurrent misses for the same key
// may each mint a token.
type tokenCache struct {
	clientset kubernetes.Interface

	mu      sync.Mutex
	entries map[string]tokenEntry
}

func newTokenCache(clientset kubernetes.Interface) *tokenCache {
	return &tokenCache{
		clientset: clientset,
		entries:   make(map[string]tokenEntry),
	}
}

func tokenCacheKey(sa *checkpointv1.ServiceAccountReference) string {
	return sa.Namespace + "/" + sa.Name
}

// Get returns a live bearer token for sa, minting a fresh one if the
// cached entry is absent or within its refresh margin of expiring.
func (c *tokenCache) Get(ctx context.Context, sa *checkpointv1.ServiceAccountReference) (string, error) {
	key := tokenCacheKey(sa)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	refreshMargin := time.Duration(tokenTTLSeconds/2) * time.Second
	if ok && time.Until(entry.expiresAt) > refreshMargin {
		return entry.token, nil
	}

	token, expiresAt, err := c.mint(ctx, sa)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = tokenEntry{token: token, expiresAt: expiresAt}
	c.mu.Unlock()

	return token, nil
}

func (c *tokenCache) mint(ctx context.Context, sa *checkpointv1.ServiceAccountReference) (string, time.Time, error) {
	expirationSeconds := tokenTTLSeconds
	tr, err := c.clientset.CoreV1().ServiceAccounts(sa.Namespace).CreateToken(ctx, sa.Name, &authenticationv1.TokenRequest{
		Spec: authenticationv1.TokenRequestSpec{
			ExpirationSeconds: &expirationSeconds,
		},
	}, metav1.CreateOptions{})
	if err != nil {
		return "", time.Time{}, err
	}

	expiresAt := time.Now().Add(time.Duration(tokenTTLSeconds) * time.Second)
	if !tr.Status.ExpirationTimestamp.IsZero() {
		expiresAt = tr.Status.ExpirationTimestamp.Time
	}
	return tr.Status.Token, expiresAt, nil
}
