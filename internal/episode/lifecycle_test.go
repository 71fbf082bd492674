package episode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/logging"
	"github.com/uemlabs/metamind/internal/storage"
	"github.com/uemlabs/metamind/internal/types"
)

// mockRepo records every save in order so tests can assert write ordering.
type mockRepo struct {
	episodes map[string]*types.Episode
	saves    []string
	failNext error
	// failID fails the next save of that specific episode row
	failID  string
	failErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{episodes: make(map[string]*types.Episode)}
}

func (m *mockRepo) SaveEpisode(_ context.Context, ep *types.Episode) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if m.failID != "" && ep.ID == m.failID {
		m.failID = ""
		return m.failErr
	}
	cp := *ep
	m.episodes[ep.ID] = &cp
	m.saves = append(m.saves, "episode:"+ep.ID)
	return nil
}

func (m *mockRepo) SaveMetaEvent(_ context.Context, ev *types.MetaEvent) error {
	m.saves = append(m.saves, "event:"+ev.EpisodeID)
	return nil
}

func (m *mockRepo) SavePattern(_ context.Context, p *types.MetaPattern) error {
	m.saves = append(m.saves, "pattern:"+p.EpisodeID)
	return nil
}

func (m *mockRepo) SaveMetaStateSnapshot(_ context.Context, ms *types.MetaState) error {
	m.saves = append(m.saves, "snapshot:"+ms.EpisodeID)
	return nil
}

func (m *mockRepo) GetEpisode(_ context.Context, id string) (*types.Episode, error) {
	ep, ok := m.episodes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return ep, nil
}

func (m *mockRepo) ListEpisodes(context.Context, string, int) ([]*types.Episode, error) {
	return nil, nil
}
func (m *mockRepo) ListEvents(context.Context, storage.EventFilter) ([]*types.MetaEvent, error) {
	return nil, nil
}
func (m *mockRepo) ListPatterns(context.Context, storage.PatternFilter) ([]*types.MetaPattern, error) {
	return nil, nil
}
func (m *mockRepo) ListSnapshots(context.Context, storage.SnapshotFilter) ([]*types.MetaState, error) {
	return nil, nil
}
func (m *mockRepo) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (m *mockRepo) Close() error                                          { return nil }

func newTestLifecycle(repo storage.Repository, window int64) *Lifecycle {
	return NewLifecycle(config.EpisodeConfig{WindowCycles: window}, repo, logging.Nop())
}

func TestBeginPersistsFirstEpisode(t *testing.T) {
	repo := newMockRepo()
	l := newTestLifecycle(repo, 100)

	ep, err := l.Begin(context.Background(), "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "run-1:0", ep.ID)
	assert.Equal(t, 0, ep.SequenceNumber)
	assert.True(t, ep.Open())

	stored, err := repo.GetEpisode(context.Background(), "run-1:0")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.StartCycleID)
}

func TestTickReachesWindow(t *testing.T) {
	repo := newMockRepo()
	l := newTestLifecycle(repo, 5)
	_, err := l.Begin(context.Background(), "run-1", 1)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.False(t, l.Tick(), "cycle %d is inside the window", i+1)
	}
	assert.True(t, l.Tick(), "window reached on the fifth cycle")
}

func TestRotateClosesAndOpens(t *testing.T) {
	repo := newMockRepo()
	l := newTestLifecycle(repo, 100)
	ctx := context.Background()
	_, err := l.Begin(ctx, "run-1", 1)
	require.NoError(t, err)

	closed, err := l.Rotate(ctx, 100, map[string]any{"note": "window"})
	require.NoError(t, err)

	assert.Equal(t, "run-1:0", closed.ID)
	assert.False(t, closed.Open())
	assert.Equal(t, types.BoundaryTimeWindow, closed.BoundaryReason)
	assert.Equal(t, 100, closed.CycleCount)
	assert.Equal(t, "window", closed.Summary["note"])

	next := l.Current()
	require.NotNil(t, next)
	assert.Equal(t, "run-1:1", next.ID)
	assert.Equal(t, int64(101), next.StartCycleID)
	assert.True(t, next.Open())

	// closed row persisted before the successor's row
	assert.Equal(t, []string{"episode:run-1:0", "episode:run-1:0", "episode:run-1:1"}, repo.saves)
}

func TestOverrideTagsClosedEpisode(t *testing.T) {
	repo := newMockRepo()
	l := newTestLifecycle(repo, 100)
	ctx := context.Background()
	_, err := l.Begin(ctx, "run-1", 1)
	require.NoError(t, err)

	closed, err := l.Override(ctx, 42, types.BoundaryGoalComplete, "reached-shelter")
	require.NoError(t, err)
	assert.Equal(t, types.BoundaryGoalComplete, closed.BoundaryReason)
	assert.Equal(t, "reached-shelter", closed.SemanticTag)
	assert.Equal(t, 42, closed.CycleCount)

	stored, err := repo.GetEpisode(ctx, "run-1:0")
	require.NoError(t, err)
	assert.Equal(t, "reached-shelter", stored.SemanticTag)

	assert.Equal(t, "run-1:1", l.Current().ID)
}

func TestFinishClosesWithoutSuccessor(t *testing.T) {
	repo := newMockRepo()
	l := newTestLifecycle(repo, 100)
	ctx := context.Background()
	_, err := l.Begin(ctx, "run-1", 1)
	require.NoError(t, err)

	closed, err := l.Finish(ctx, 37, nil)
	require.NoError(t, err)
	assert.Equal(t, types.BoundaryRunEnd, closed.BoundaryReason)
	assert.Nil(t, l.Current())

	_, err = l.Finish(ctx, 38, nil)
	assert.ErrorIs(t, err, ErrNoOpenEpisode)
}

func TestCloseBeforeBegin(t *testing.T) {
	l := newTestLifecycle(newMockRepo(), 100)
	_, err := l.Finish(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestBeginTwiceFails(t *testing.T) {
	l := newTestLifecycle(newMockRepo(), 100)
	ctx := context.Background()
	_, err := l.Begin(ctx, "run-1", 1)
	require.NoError(t, err)
	_, err = l.Begin(ctx, "run-1", 1)
	assert.Error(t, err)
}

func TestRotatePropagatesStorageFailure(t *testing.T) {
	repo := newMockRepo()
	l := newTestLifecycle(repo, 100)
	ctx := context.Background()
	_, err := l.Begin(ctx, "run-1", 1)
	require.NoError(t, err)

	boom := errors.New("disk full")
	repo.failNext = boom
	_, err = l.Rotate(ctx, 100, nil)
	assert.ErrorIs(t, err, boom)
}

func TestCloseFailureKeepsEpisodeOpen(t *testing.T) {
	repo := newMockRepo()
	l := newTestLifecycle(repo, 100)
	ctx := context.Background()
	_, err := l.Begin(ctx, "run-1", 1)
	require.NoError(t, err)

	repo.failNext = errors.New("disk full")
	_, err = l.Rotate(ctx, 100, nil)
	require.Error(t, err)

	// the tracked episode is untouched, so the boundary can retry
	cur := l.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "run-1:0", cur.ID)
	assert.True(t, cur.Open())

	closed, err := l.Rotate(ctx, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1:0", closed.ID)
	assert.False(t, closed.Open())
	assert.Equal(t, "run-1:1", l.Current().ID)
}

func TestReopenAfterSuccessorOpenFailure(t *testing.T) {
	repo := newMockRepo()
	l := newTestLifecycle(repo, 100)
	ctx := context.Background()
	_, err := l.Begin(ctx, "run-1", 1)
	require.NoError(t, err)

	repo.failID = "run-1:1"
	repo.failErr = errors.New("disk full")
	closed, err := l.Rotate(ctx, 100, nil)
	require.NoError(t, err, "a failed successor open does not fail the boundary")
	assert.Equal(t, "run-1:0", closed.ID)
	assert.Nil(t, l.Current())

	reopened, err := l.Reopen(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, "run-1:1", reopened.ID)
	assert.Equal(t, int64(101), reopened.StartCycleID)
	assert.Same(t, reopened, l.Current())

	// Reopen with an episode already open is a no-op
	again, err := l.Reopen(ctx, 200)
	require.NoError(t, err)
	assert.Same(t, reopened, again)
}

func TestSequentialWindows(t *testing.T) {
	repo := newMockRepo()
	l := newTestLifecycle(repo, 10)
	ctx := context.Background()
	_, err := l.Begin(ctx, "run-1", 1)
	require.NoError(t, err)

	var cycle int64
	for w := 0; w < 3; w++ {
		for {
			cycle++
			if l.Tick() {
				break
			}
		}
		closed, err := l.Rotate(ctx, cycle, nil)
		require.NoError(t, err)
		assert.Equal(t, 10, closed.CycleCount, "window %d", w)
	}

	assert.Equal(t, int64(30), cycle)
	assert.Equal(t, "run-1:3", l.Current().ID)
}
