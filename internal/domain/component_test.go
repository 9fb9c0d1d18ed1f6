package domain

import (
	"errors"
	"testing"
)

func TestParseArgReferences(t *testing.T) {
	cases := []struct {
		raw  any
		want Arg
	}{
		{raw: "${component.Logic}", want: ComponentRef("Logic")},
		{raw: "${component.Proxy.logic}", want: ComponentLogicRef("Proxy")},
		{raw: "${network.gmoCns}", want: NetworkRef("gmoCns")},
		{raw: "${network.registry.address}", want: NetworkRef("registry.address")},
		{raw: "${registry.ProxyController}", want: RegistryRef("ProxyController")},
		{raw: "${registry.ProxyController.logic}", want: RegistryLogicRef("ProxyController")},
	}
	for _, tc := range cases {
		got, err := ParseArg(tc.raw)
		if err != nil {
			t.Fatalf("ParseArg(%v): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseArg(%v)=%+v, want %+v", tc.raw, got, tc.want)
		}
		if got.String() != tc.raw {
			t.Fatalf("String()=%q, want %q", got.String(), tc.raw)
		}
	}
}

func TestParseArgLiterals(t *testing.T) {
	cases := []any{"plain", 42, true, "$${component.X}"}
	for _, raw := range cases {
		got, err := ParseArg(raw)
		if err != nil {
			t.Fatalf("ParseArg(%v): %v", raw, err)
		}
		if got.IsReference() {
			t.Fatalf("expected literal for %v, got %+v", raw, got)
		}
	}
	escaped, _ := ParseArg("$${component.X}")
	if escaped.Value != "${component.X}" {
		t.Fatalf("escaped literal=%v", escaped.Value)
	}
}

func TestParseArgInvalid(t *testing.T) {
	cases := []string{
		"${component}",
		"${component.X",
		"${ledger.X}",
		"${component.X.address}",
		"${registry..X}",
		"${component.X.logic.extra}",
	}
	for _, raw := range cases {
		if _, err := ParseArg(raw); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("ParseArg(%q) expected ErrInvalidReference, got %v", raw, err)
		}
	}
}

func TestRegistryEntryImplementation(t *testing.T) {
	proxied := RegistryEntry{Address: "0xP", LogicAddress: "0xL"}
	if proxied.Implementation() != "0xL" {
		t.Fatalf("expected logic address, got %s", proxied.Implementation())
	}
	plain := RegistryEntry{Address: "0xA"}
	if plain.Implementation() != "0xA" {
		t.Fatalf("expected address, got %s", plain.Implementation())
	}
}

func TestEnsureRegistryEntryImmutable(t *testing.T) {
	before := RegistryEntry{Namespace: "dev", Name: "Proxy", Version: 1, Address: "0xP"}
	if err := EnsureRegistryEntryImmutable(before, before); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := before
	after.Address = "0xQ"
	if err := EnsureRegistryEntryImmutable(before, after); err == nil {
		t.Fatalf("expected address change to be rejected")
	}
}
