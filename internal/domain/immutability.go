package domain

import (
	"errors"
	"fmt"
)

// EnsureRegistryEntryImmutable enforces that a stored (name, version) pair is
// never rewritten.
func EnsureRegistryEntryImmutable(before, after RegistryEntry) error {
	if before.Name == "" || after.Name == "" {
		return errors.New("registry entry names are required")
	}
	if before.Namespace != after.Namespace {
		return errors.New("namespace is immutable")
	}
	if before.Name != after.Name {
		return fmt.Errorf("name changed from %q to %q", before.Name, after.Name)
	}
	if before.Version != after.Version {
		return errors.New("version is immutable")
	}
	if before.Address != after.Address {
		return errors.New("address is immutable")
	}
	if before.LogicAddress != after.LogicAddress {
		return errors.New("logic address is immutable")
	}
	if !before.RegisteredAt.Equal(after.RegisteredAt) {
		return errors.New("registered_at is immutable")
	}
	if before.IntegritySHA256 != after.IntegritySHA256 {
		return errors.New("integrity sha256 is immutable")
	}
	return nil
}
