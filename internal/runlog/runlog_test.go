package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/aq-intake/internal/domain"
)

func TestLog_Printf(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(
		time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC),
	))
	defer domain.SetClock(nil)

	path := filepath.Join(t.TempDir(), "logs", "run.log")
	l, err := Open(path)
	require.NoError(t, err)

	l.Printf("station %s: bad value %q", "site-001", "n/a")
	l.Printf("plain message")
	require.NoError(t, l.Close())

	assert.Equal(t, int64(2), l.Lines())
	assert.Equal(t, path, l.Path())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `2024-06-01T12:00:00Z station site-001: bad value "n/a"`, lines[0])
	assert.Equal(t, "2024-06-01T12:00:00Z plain message", lines[1])
}

func TestLog_AppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	l1, err := Open(path)
	require.NoError(t, err)
	l1.Printf("first")
	require.NoError(t, l1.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	l2.Printf("second")
	require.NoError(t, l2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}

func TestLog_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	l, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				l.Printf("worker %d line %d", i, j)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	assert.Equal(t, int64(500), l.Lines())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimRight(string(data), "\n"), "\n"), 500)
}
