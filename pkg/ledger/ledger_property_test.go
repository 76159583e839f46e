//go:build property
// +build property

package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
)

// Property: any sequence of appends verifies, and tampering with any payload is
// reported at exactly that sequence.
func TestLedgerTamperLocalization(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tampered entry is the reported sequence", prop.ForAll(
		func(values []string, pick int) bool {
			if len(values) == 0 {
				return true
			}
			ctx := context.Background()
			store := NewMemoryStore()
			l, err := Open(ctx, store, determinism.NewSeededProvider("prop"))
			if err != nil {
				return false
			}
			for _, v := range values {
				if _, err := l.Append(ctx, KindTransition, map[string]any{"v": v}); err != nil {
					return false
				}
			}
			if l.VerifyIntegrity(ctx) != nil {
				return false
			}

			target := uint64(pick % len(values))
			e, err := l.Get(ctx, target)
			if err != nil {
				return false
			}
			e.Payload = []byte(`{"v":"tampered-` + e.Hash[:8] + `"}`)
			store.Replace(target, e)

			integrityErr, ok := l.VerifyIntegrity(ctx).(*IntegrityError)
			return ok && integrityErr.Sequence == target
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
