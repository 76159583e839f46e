package ledger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
)

func writeFileLedger(t *testing.T, n int) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "evidence", "ledger.jsonl")

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	l, err := Open(ctx, store, determinism.NewSeededProvider("file-test"))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := l.Append(ctx, KindTransition, map[string]any{
			"epoch_id":    "epoch-1",
			"mutation_id": "m-" + strings.Repeat("x", i%5),
			"score":       i,
			"note":        "<ok> & done",
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())
	return path
}

func TestFileStoreLineFormat(t *testing.T) {
	path := writeFileLedger(t, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	line := string(bytes.TrimSuffix(data, []byte("\n")))
	assert.True(t, strings.HasPrefix(line, `{"sequence":0,"prev_hash":"`+ZeroHash+`","hash":"`))
	assert.Contains(t, line, `"type":"mutation_lifecycle_transition","payload":{"epoch_id":"epoch-1"`)
	assert.Contains(t, line, `"note":"<ok> & done"`)
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
}

func TestFileStoreReopenContinuesChain(t *testing.T) {
	ctx := context.Background()
	path := writeFileLedger(t, 3)

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	l, err := Open(ctx, store, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), l.Len())

	e, err := l.Append(ctx, KindLifecycleHalt, map[string]any{"reason": "test"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Sequence)
	require.NoError(t, l.VerifyIntegrity(ctx))

	got, err := l.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestFileStoreDetectsSingleByteCorruption(t *testing.T) {
	ctx := context.Background()
	path := writeFileLedger(t, 6)
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	masks := []byte{0x01, 0x20, 0x80}
	for pos := 0; pos < len(original); pos += 7 {
		for _, mask := range masks {
			corrupted := append([]byte(nil), original...)
			corrupted[pos] ^= mask
			require.NoError(t, os.WriteFile(path, corrupted, 0o600))

			store, err := OpenFileStoreReadOnly(path)
			require.NoError(t, err)
			err = NewReader(store).VerifyIntegrity(ctx)

			var integrityErr *IntegrityError
			require.ErrorAsf(t, err, &integrityErr, "byte %d mask %#x went undetected", pos, mask)
			expected := uint64(bytes.Count(original[:pos], []byte("\n")))
			assert.Equalf(t, expected, integrityErr.Sequence, "byte %d mask %#x", pos, mask)
		}
	}
}

func TestFileStoreTornTail(t *testing.T) {
	ctx := context.Background()
	path := writeFileLedger(t, 2)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":2,"prev_hash":"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenFileStore(path)
	require.ErrorIs(t, err, ErrTornRecord)

	store, err := OpenFileStoreReadOnly(path)
	require.NoError(t, err)
	err = NewReader(store).VerifyIntegrity(ctx)
	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, uint64(2), integrityErr.Sequence)
	require.ErrorIs(t, err, ErrTornRecord)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestFileStoreReadOnlyRejectsAppend(t *testing.T) {
	path := writeFileLedger(t, 1)
	store, err := OpenFileStoreReadOnly(path)
	require.NoError(t, err)

	err = store.Append(context.Background(), Entry{Payload: []byte(`{}`)})
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestFileStoreRejectsUnknownFields(t *testing.T) {
	path := writeFileLedger(t, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	extended := bytes.Replace(data, []byte(`{"sequence":0,`), []byte(`{"extra":1,"sequence":0,`), 1)
	require.NoError(t, os.WriteFile(path, extended, 0o600))

	store, err := OpenFileStoreReadOnly(path)
	require.NoError(t, err)
	require.ErrorIs(t, NewReader(store).VerifyIntegrity(context.Background()), ErrIntegrity)
}
