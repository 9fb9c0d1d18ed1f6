package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RegistryEntry is one immutable version of a registry name.
type RegistryEntry struct {
	Namespace       string
	Name            string
	Version         int
	Address         string
	LogicAddress    string
	RegisteredAt    time.Time
	RunID           string
	IntegritySHA256 string
}

func (e RegistryEntry) Validate() error {
	if strings.TrimSpace(e.Namespace) == "" {
		return errors.New("namespace is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("name is required")
	}
	if e.Version < 1 {
		return fmt.Errorf("version must be >= 1 (got %d)", e.Version)
	}
	if strings.TrimSpace(e.Address) == "" {
		return errors.New("address is required")
	}
	return nil
}

// Implementation returns the address calls are ultimately served by: the
// logic address for proxied components, otherwise the address itself.
func (e RegistryEntry) Implementation() string {
	if strings.TrimSpace(e.LogicAddress) != "" {
		return e.LogicAddress
	}
	return e.Address
}

// ComputeIntegritySHA256 hashes the identity-bearing fields of the entry.
func (e RegistryEntry) ComputeIntegritySHA256() (string, error) {
	type integrityInput struct {
		Namespace    string    `json:"namespace"`
		Name         string    `json:"name"`
		Version      int       `json:"version"`
		Address      string    `json:"address"`
		LogicAddress string    `json:"logic_address,omitempty"`
		RegisteredAt time.Time `json:"registered_at"`
		RunID        string    `json:"run_id,omitempty"`
	}
	blob, err := json.Marshal(integrityInput{
		Namespace:    strings.TrimSpace(e.Namespace),
		Name:         strings.TrimSpace(e.Name),
		Version:      e.Version,
		Address:      strings.TrimSpace(e.Address),
		LogicAddress: strings.TrimSpace(e.LogicAddress),
		RegisteredAt: e.RegisteredAt.UTC(),
		RunID:        strings.TrimSpace(e.RunID),
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
