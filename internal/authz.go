package internal

import (
	"golang.org/x/crypto/bcrypt"
)

// PermPrune is the only permission the core asks about: running the reaper
// on demand. Chat reads and writes are anonymous by design.
const PermPrune = "prune"

// Authorizer is the external authorization capability. The core consults it
// solely to gate administrative operations.
type Authorizer interface {
	IsAdmin(token string) bool
	HasPermission(token, permission string) bool
}

// KeyAuthorizer grants admin to callers presenting the key whose bcrypt hash
// was configured. An empty hash means no admin key is configured and every
// check fails closed.
type KeyAuthorizer struct {
	adminKeyHash []byte
}

func NewKeyAuthorizer(adminKeyHash string) *KeyAuthorizer {
	return &KeyAuthorizer{adminKeyHash: []byte(adminKeyHash)}
}

func (a *KeyAuthorizer) IsAdmin(token string) bool {
	if len(a.adminKeyHash) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.adminKeyHash, []byte(token)) == nil
}

func (a *KeyAuthorizer) HasPermission(token, permission string) bool {
	if permission != PermPrune {
		return false
	}
	return a.IsAdmin(token)
}

// HashAdminKey derives the bcrypt hash to put in the server config.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
