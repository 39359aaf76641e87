package auth

import (
	"crypto/sha256"
	"net/http"
	"sync"
)

// Roles of configured keys. An operator may change the inventory and launch
// commands; a readonly key may only read.
const (
	RoleOperator = "operator"
	RoleReadonly = "readonly"
)

// IsValidRole reports whether role is known.
func IsValidRole(role string) bool {
	return role == RoleOperator || role == RoleReadonly
}

// Identity is the authenticated caller.
type Identity struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// CanWrite reports whether the identity may use mutating routes.
func (i Identity) CanWrite() bool {
	return i.Role == RoleOperator
}

// AllowsMethod reports whether the identity may use an HTTP method.
func (i Identity) AllowsMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return i.CanWrite()
	}
}

// KeyRing authenticates presented keys against the configured hashes.
// Successful checks are remembered by key digest so that bcrypt runs once
// per key.
type KeyRing struct {
	keys []KeyConfig

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]int
}

// NewKeyRing creates a key ring. Entries without a role are operators.
func NewKeyRing(keys []KeyConfig) *KeyRing {
	cp := make([]KeyConfig, len(keys))
	for i, k := range keys {
		if k.Role == "" {
			k.Role = RoleOperator
		}
		cp[i] = k
	}
	return &KeyRing{keys: cp, verified: make(map[[sha256.Size]byte]int)}
}

// Len returns the number of configured keys.
func (r *KeyRing) Len() int {
	return len(r.keys)
}

// Authenticate returns the identity of apiKey. Expired entries never match.
func (r *KeyRing) Authenticate(apiKey string) (Identity, bool) {
	if apiKey == "" || len(r.keys) == 0 {
		return Identity{}, false
	}
	digest := sha256.Sum256([]byte(apiKey))

	r.mu.RLock()
	idx, ok := r.verified[digest]
	r.mu.RUnlock()
	if ok {
		k := r.keys[idx]
		if k.IsExpired() {
			return Identity{}, false
		}
		return Identity{Name: k.Name, Role: k.Role}, true
	}

	for i, k := range r.keys {
		if k.IsExpired() || !ValidateAPIKey(apiKey, k.Hash) {
			continue
		}
		r.mu.Lock()
		r.verified[digest] = i
		r.mu.Unlock()
		return Identity{Name: k.Name, Role: k.Role}, true
	}
	return Identity{}, false
}
