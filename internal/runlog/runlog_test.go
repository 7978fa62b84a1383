package runlog_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/runlog"
	"github.com/stretchr/testify/require"
)

func TestBoltRecordsInSequenceOrder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runlog.db")
	store, err := runlog.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Record(runlog.Entry{Target: "/a", ExitOK: true, At: time.Unix(1, 0)}))
	require.NoError(t, store.Record(runlog.Entry{Target: "/b", ExitOK: false, At: time.Unix(2, 0)}))

	entries, err := store.All()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "/a", entries[0].Target)
	require.Equal(t, "/b", entries[1].Target)
}

func TestNopStoreNeverErrors(t *testing.T) {
	var s runlog.Store = runlog.Nop{}
	require.NoError(t, s.Record(runlog.Entry{Target: "/x"}))
	require.NoError(t, s.Close())
}
