package identity

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrNoToken is returned when a client has not signed in or its token expired.
var ErrNoToken = errors.New("not signed in")

const (
	DefaultTokenTTL      = 12 * time.Hour
	DefaultIntentTTL     = 15 * time.Minute
	defaultCleanupPeriod = 10 * time.Minute
)

// IntentKind names an action interrupted by an expired login.
type IntentKind string

const (
	IntentStart    IntentKind = "start"
	IntentDownload IntentKind = "download"
)

// Intent is an action to resume once the client signs in again.
type Intent struct {
	Kind      IntentKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Vault keeps service tokens and pending intents per client, in memory, with
// expiry.
type Vault struct {
	tokens  *cache.Cache
	intents *cache.Cache
	maxTTL  time.Duration
}

// NewVault creates a vault. Tokens never outlive maxTTL regardless of the
// lifetime the service reports.
func NewVault(maxTTL time.Duration) *Vault {
	if maxTTL <= 0 {
		maxTTL = DefaultTokenTTL
	}
	return &Vault{
		tokens:  cache.New(maxTTL, defaultCleanupPeriod),
		intents: cache.New(DefaultIntentTTL, defaultCleanupPeriod),
		maxTTL:  maxTTL,
	}
}

// Store saves token for clientID. A non-positive ttl means the vault maximum.
func (v *Vault) Store(clientID, token string, ttl time.Duration) {
	if ttl <= 0 || ttl > v.maxTTL {
		ttl = v.maxTTL
	}
	v.tokens.Set(clientID, token, ttl)
}

// Token returns the stored token for clientID.
func (v *Vault) Token(clientID string) (string, error) {
	if x, found := v.tokens.Get(clientID); found {
		if token, ok := x.(string); ok && token != "" {
			return token, nil
		}
	}
	return "", ErrNoToken
}

// Forget drops the token for clientID, typically after the service rejected it.
func (v *Vault) Forget(clientID string) {
	v.tokens.Delete(clientID)
}

// Remember records the action to resume after the next sign-in, replacing
// any earlier one.
func (v *Vault) Remember(clientID string, intent Intent) {
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	v.intents.Set(clientID, intent, cache.DefaultExpiration)
}

// TakeIntent returns and clears the pending intent for clientID.
func (v *Vault) TakeIntent(clientID string) (Intent, bool) {
	x, found := v.intents.Get(clientID)
	if !found {
		return Intent{}, false
	}
	v.intents.Delete(clientID)
	intent, ok := x.(Intent)
	return intent, ok
}
