package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidClient = errors.New("invalid client credentials")

// ClientRegistry holds the sync clients allowed to request tokens.
// Secrets are kept only as bcrypt hashes.
type ClientRegistry struct {
	hashes map[string][]byte
}

// ParseClients reads "id:secret" pairs as produced by config.
func ParseClients(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		id, secret, ok := strings.Cut(pair, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("malformed client entry %q", id)
		}
		out[id] = secret
	}
	return out, nil
}

func NewClientRegistry(clients map[string]string, cost int) (*ClientRegistry, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	reg := &ClientRegistry{hashes: make(map[string][]byte, len(clients))}
	for id, secret := range clients {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
		if err != nil {
			return nil, fmt.Errorf("hashing secret for client %s: %w", id, err)
		}
		reg.hashes[id] = hash
	}
	return reg, nil
}

func (r *ClientRegistry) Len() int {
	return len(r.hashes)
}

func (r *ClientRegistry) Authenticate(clientID, secret string) error {
	hash, ok := r.hashes[clientID]
	if !ok {
		return ErrInvalidClient
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
		return ErrInvalidClient
	}
	return nil
}
