package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sbtc/oss-medical-record/internal/repo/memory"
)

// TestRegistryInvariants drives random register/upgrade sequences against a
// model of expected versions and checks contiguity, resolve and history.
func TestRegistryInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc, err := New(memory.NewRegistryStore(), "development")
		require.NoError(rt, err)
		ctx := context.Background()

		names := []string{"ProxyController", "Organizations", "Histories"}
		model := map[string]int{}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			name := rapid.SampledFrom(names).Draw(rt, "name")
			address := fmt.Sprintf("0x%02d", i)
			current := model[name]

			if rapid.Bool().Draw(rt, "upgrade") {
				entry, err := svc.Upgrade(ctx, name, address, "")
				if current == 0 {
					require.ErrorIs(rt, err, ErrUnknownComponent)
					continue
				}
				require.NoError(rt, err)
				require.Equal(rt, current+1, entry.Version)
				model[name] = current + 1
				continue
			}

			version := rapid.IntRange(-1, current+2).Draw(rt, "version")
			_, err := svc.Register(ctx, RegisterInput{Name: name, Version: version, Address: address})
			switch {
			case version == current+1:
				require.NoError(rt, err)
				model[name] = version
			case version >= 1 && version <= current:
				require.ErrorIs(rt, err, ErrDuplicateRegistration)
			default:
				require.ErrorIs(rt, err, ErrVersionConflict)
			}
		}

		for _, name := range names {
			want := model[name]
			entry, err := svc.Resolve(ctx, name)
			if want == 0 {
				require.True(rt, errors.Is(err, ErrUnknownComponent), "resolve %s: %v", name, err)
				continue
			}
			require.NoError(rt, err)
			require.Equal(rt, want, entry.Version)

			history, err := svc.History(ctx, name)
			require.NoError(rt, err)
			require.Len(rt, history, want)
			for i, h := range history {
				require.Equal(rt, i+1, h.Version, "history of %s must be contiguous and ascending", name)
			}
			require.Equal(rt, history[len(history)-1], entry)
		}
	})
}
