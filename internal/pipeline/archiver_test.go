package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type archiveSpy struct {
	cutoffs []time.Time
	err     error
}

func (s *archiveSpy) ArchiveExecutions(_ context.Context, before time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, before)
	return 3, s.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunUsesRetentionCutoff(t *testing.T) {
	spy := &archiveSpy{}
	a := NewArchiver(spy, 30, quietLogger())
	a.now = func() time.Time { return time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, a.Run(context.Background()))
	require.Len(t, spy.cutoffs, 1)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), spy.cutoffs[0])
}

func TestRunPropagatesError(t *testing.T) {
	spy := &archiveSpy{err: errors.New("s3 down")}
	a := NewArchiver(spy, 7, quietLogger())
	assert.Error(t, a.Run(context.Background()))
}

func TestRunCronRejectsBadExpression(t *testing.T) {
	a := NewArchiver(&archiveSpy{}, 7, quietLogger())
	err := a.RunCron(context.Background(), "every tuesday")
	assert.Error(t, err)
}

func TestRunCronStopsOnCancel(t *testing.T) {
	spy := &archiveSpy{}
	a := NewArchiver(spy, 7, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.RunCron(ctx, "0 3 * * *")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, spy.cutoffs)
}
