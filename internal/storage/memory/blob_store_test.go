package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("run_id,ordinal\n")
	uri, err := store.PutObject(context.Background(), "exports/run-1.csv", "text/csv", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://exports/run-1.csv", uri)

	payload[0] = 'R'
	obj, ok := store.Get("exports/run-1.csv")
	require.True(t, ok)
	require.Equal(t, "text/csv", obj.ContentType)
	require.Equal(t, "run_id,ordinal\n", string(obj.Data))

	_, ok = store.Get("missing")
	require.False(t, ok)
}
