package clustering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/bibcluster/internal/clustering/clusteringtest"
	"horse.fit/bibcluster/internal/config"
	"horse.fit/bibcluster/internal/db"
	"horse.fit/bibcluster/internal/txn"
)

func TestNewService_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	store := clusteringtest.NewStore()
	registry := txn.NewRegistry(zerolog.Nop())

	_, err := NewService(Options{Sources: store, Commits: registry, Identifiers: []string{"OCLC"}})
	assert.Error(t, err)
	_, err = NewService(Options{Store: store, Commits: registry, Identifiers: []string{"OCLC"}})
	assert.Error(t, err)
	_, err = NewService(Options{Store: store, Sources: store, Identifiers: []string{"OCLC"}})
	assert.Error(t, err)
	_, err = NewService(Options{Store: store, Sources: store, Commits: registry})
	assert.Error(t, err)

	service, err := NewService(Options{Store: store, Sources: store, Commits: registry, Identifiers: []string{"OCLC"}})
	require.NoError(t, err)
	assert.Equal(t, StrategyImproved, service.Strategy())
}

func TestClusterBib_NewBibCreatesClusterWithMatchPoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	bib := newBib("Middlemarch", 7, ident("ISBN", "978-0-00-000001"), ident("OCLC", "12345"))
	h.store.PutBib(bib)

	clustered, err := h.service.ClusterBib(context.Background(), &bib)
	require.NoError(t, err)
	require.NotNil(t, clustered.ContributesTo)

	clusterID := *clustered.ContributesTo
	cluster, ok := h.store.Cluster(clusterID)
	require.True(t, ok)
	assert.False(t, cluster.IsDeleted)
	require.NotNil(t, cluster.SelectedBib)
	assert.Equal(t, bib.ID, *cluster.SelectedBib)
	assert.Equal(t, "Middlemarch", cluster.Title)
	assert.NotEqual(t, uuid.Nil, cluster.ID)

	assert.Equal(t, clusterID, clusterOf(t, h.store, bib.ID))
	assert.Equal(t, []string{"id:ISBN:978-0-00-000001", "id:OCLC:12345"}, h.store.MatchPointValues(bib.ID))
	assert.Equal(t, []string{"add:" + clusterID.String()}, h.indexer.snapshot())
}

func TestClusterBib_SecondBibJoinsByOCLCAndIsElected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	first := newBib("Middlemarch", 5, ident("ISBN", "978-0-00-000001"), ident("OCLC", "12345"))
	h.store.PutBib(first)
	_, err := h.service.ClusterBib(ctx, &first)
	require.NoError(t, err)
	clusterID := clusterOf(t, h.store, first.ID)

	second := newBib("Middlemarch: A Study of Provincial Life", 9, ident("OCLC", "12345"))
	h.store.PutBib(second)
	_, err = h.service.ClusterBib(ctx, &second)
	require.NoError(t, err)

	assert.Equal(t, clusterID, clusterOf(t, h.store, second.ID))
	assert.Len(t, h.store.LiveClusters(), 1)

	cluster, _ := h.store.Cluster(clusterID)
	require.NotNil(t, cluster.SelectedBib)
	assert.Equal(t, second.ID, *cluster.SelectedBib)
	assert.Equal(t, second.Title, cluster.Title)
}

func TestClusterBib_LowerScoringJoinerDoesNotTakeSelection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	first := newBib("Persuasion", 9, ident("OCLC", "777"))
	h.store.PutBib(first)
	_, err := h.service.ClusterBib(ctx, &first)
	require.NoError(t, err)

	second := newBib("Persuasion (abridged)", 2, ident("OCLC", "777"))
	h.store.PutBib(second)
	_, err = h.service.ClusterBib(ctx, &second)
	require.NoError(t, err)

	cluster, _ := h.store.Cluster(clusterOf(t, h.store, second.ID))
	require.NotNil(t, cluster.SelectedBib)
	assert.Equal(t, first.ID, *cluster.SelectedBib)
}

func TestClusterBib_NoMatchPointsStillGetsCluster(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	bib := newBib("Untitled", 1, ident("LOCAL", "x-1"))
	h.store.PutBib(bib)

	_, err := h.service.ClusterBib(context.Background(), &bib)
	require.NoError(t, err)
	assert.Len(t, h.store.LiveClusters(), 1)
	assert.Empty(t, h.store.MatchPointValues(bib.ID))
}

func TestClusterBib_ReclusterKeepsExistingCluster(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	bib := newBib("Emma", 3, ident("OCLC", "1"))
	h.store.PutBib(bib)
	_, err := h.service.ClusterBib(ctx, &bib)
	require.NoError(t, err)
	clusterID := clusterOf(t, h.store, bib.ID)

	// Fingerprints change completely; the bib must not be orphaned into a new
	// cluster while its old one is still live.
	reloaded, err := h.store.FindBib(ctx, bib.ID)
	require.NoError(t, err)
	reloaded.Identifiers = []db.BibIdentifier{ident("LCCN", "new")}
	_, err = h.service.ClusterBib(ctx, reloaded)
	require.NoError(t, err)

	assert.Equal(t, clusterID, clusterOf(t, h.store, bib.ID))
	assert.Len(t, h.store.LiveClusters(), 1)
	assert.Equal(t, []string{"id:LCCN:new"}, h.store.MatchPointValues(bib.ID))
}

func TestClusterBib_MissingCurrentClusterGetsNewCluster(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	bib := newBib("Emma", 3, ident("OCLC", "1"))
	missing := uuid.New()
	bib.ContributesTo = &missing
	h.store.PutBib(bib)

	_, err := h.service.ClusterBib(context.Background(), &bib)
	require.NoError(t, err)

	clusterID := clusterOf(t, h.store, bib.ID)
	assert.NotEqual(t, missing, clusterID)
	assert.Equal(t, []uuid.UUID{clusterID}, h.store.LiveClusters())
}

func TestClusterBib_StaleCandidateDeferredToHousekeepingOnCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	staleBib := newBib("Ivanhoe", 5, ident("OCLC", "X1"), ident("LCCN", "X2"))
	staleBib.ProcessingVersion = 0
	stale := h.seedCluster(t, &staleBib)

	currentBib := newBib("Ivanhoe", 5, ident("OCLC", "Y1"))
	current := h.seedCluster(t, &currentBib)

	incoming := newBib("Ivanhoe", 1, ident("OCLC", "X1"), ident("LCCN", "X2"), ident("OCLC", "Y1"))
	priorID := current.ID
	incoming.ContributesTo = &priorID
	h.store.PutBib(incoming)

	err := h.store.Transact(ctx, func(ctx context.Context) error {
		if _, err := h.service.ClusterBib(ctx, &incoming); err != nil {
			return err
		}
		assert.Empty(t, h.queue.snapshot(), "stale cluster must not be queued before commit")
		return nil
	})
	require.NoError(t, err)
	h.waitCallbacks(t)

	assert.Equal(t, current.ID, clusterOf(t, h.store, incoming.ID))
	assert.Equal(t, stale.ID, clusterOf(t, h.store, staleBib.ID), "stale cluster must not be absorbed")
	staleStored, _ := h.store.Cluster(stale.ID)
	assert.False(t, staleStored.IsDeleted)
	assert.Equal(t, []string{stale.ID.String()}, h.queue.snapshot())
}

func TestClusterBib_StaleCandidateNotQueuedOnRollback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	staleBib := newBib("Ivanhoe", 5, ident("OCLC", "X1"))
	staleBib.ProcessingVersion = 0
	h.seedCluster(t, &staleBib)

	incoming := newBib("Ivanhoe", 1, ident("OCLC", "X1"))
	h.store.PutBib(incoming)

	boom := errors.New("ingest failed later in the batch")
	err := h.store.Transact(ctx, func(ctx context.Context) error {
		if _, err := h.service.ClusterBib(ctx, &incoming); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	h.waitCallbacks(t)

	assert.Empty(t, h.queue.snapshot())
	assert.Empty(t, h.indexer.snapshot())
	stored, _ := h.store.Bib(incoming.ID)
	assert.Nil(t, stored.ContributesTo, "rolled back assignment must not persist")
}

func TestClusterBib_StaleCurrentClusterIsKeptAndQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	oldBib := newBib("Kim", 5, ident("OCLC", "K1"))
	oldBib.ProcessingVersion = 0
	current := h.seedCluster(t, &oldBib)

	incoming := newBib("Kim", 1, ident("OCLC", "K1"))
	priorID := current.ID
	incoming.ContributesTo = &priorID
	h.store.PutBib(incoming)

	_, err := h.service.ClusterBib(ctx, &incoming)
	require.NoError(t, err)

	assert.Equal(t, current.ID, clusterOf(t, h.store, incoming.ID))
	assert.Equal(t, []string{current.ID.String()}, h.queue.snapshot())
}

func TestClusterBib_ImprovedUsesDeeperComparisonForLowConfidence(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, title string, strategy Strategy) (uuid.UUID, uuid.UUID, uuid.UUID) {
		h := newHarness(t, func(o *Options) { o.Strategy = strategy })
		ctx := context.Background()

		oneBib := newBib("The Hobbit", 5, ident("OCLC", "1"))
		twoBib := newBib(title, 5, ident("OCLC", "2"), ident("ISBN", "978-9"))
		one := h.seedCluster(t, &oneBib)
		two := h.seedCluster(t, &twoBib)

		incoming := newBib("The Hobbit", 1, ident("OCLC", "1"), ident("OCLC", "2"), ident("ISBN", "978-9"))
		h.store.PutBib(incoming)
		_, err := h.service.ClusterBib(ctx, &incoming)
		require.NoError(t, err)
		return one.ID, two.ID, clusterOf(t, h.store, incoming.ID)
	}

	t.Run("similar title boosts the low confidence cluster", func(t *testing.T) {
		t.Parallel()
		_, two, got := run(t, "The Hobbit", StrategyImproved)
		assert.Equal(t, two, got)
	})

	t.Run("dissimilar title leaves first seen cluster on top", func(t *testing.T) {
		t.Parallel()
		one, _, got := run(t, "A Wizard of Earthsea", StrategyImproved)
		assert.Equal(t, one, got)
	})

	t.Run("basic strategy counts every point", func(t *testing.T) {
		t.Parallel()
		_, two, got := run(t, "A Wizard of Earthsea", StrategyBasic)
		assert.Equal(t, two, got)
	})
}

func TestClusterBibs_ConcurrentBibsConvergeOnOneCluster(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.Concurrency = 4 })

	bibs := make([]*db.Bib, 0, 12)
	for i := 0; i < 12; i++ {
		bib := newBib(fmt.Sprintf("Dracula %d", i), i, ident("OCLC", "D-1"))
		h.store.PutBib(bib)
		bibs = append(bibs, &bib)
	}

	results, err := h.service.ClusterBibs(context.Background(), bibs)
	require.NoError(t, err)
	require.Len(t, results, len(bibs))

	live := h.store.LiveClusters()
	require.Len(t, live, 1)
	for _, bib := range bibs {
		assert.Equal(t, live[0], clusterOf(t, h.store, bib.ID))
	}
	assert.Equal(t, 0, h.service.locks.size(), "cluster locks must be released")
	assert.Equal(t, 0, h.service.valueLocks.size(), "value locks must be released")
	assert.GreaterOrEqual(t, h.store.ValueLockers(), int64(len(bibs)))
}

func TestClusterBib_SeparateServicesConvergeOnOneCluster(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// A second service on the same store shares no in-process locks with the
	// first, like a second node against one database.
	other, err := NewService(Options{
		Store:             h.store,
		Sources:           h.store,
		Commits:           h.registry,
		Strategy:          StrategyImproved,
		ProcessingVersion: 1,
		Identifiers:       strings.Split(config.DefaultClusteringIdentifiers, ","),
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	services := []*Service{h.service, other}

	bibs := make([]*db.Bib, 0, 16)
	for i := 0; i < 16; i++ {
		bib := newBib("Frankenstein", i, ident("OCLC", "F-1"))
		h.store.PutBib(bib)
		bibs = append(bibs, &bib)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(bibs))
	for i, bib := range bibs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = services[i%len(services)].ClusterBib(context.Background(), bib)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	live := h.store.LiveClusters()
	require.Len(t, live, 1, "co-referent bibs must not split into several clusters")
	for _, bib := range bibs {
		assert.Equal(t, live[0], clusterOf(t, h.store, bib.ID))
	}
}

func TestClusterBib_FailureRestoresCallerBib(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	bib := newBib("Middlemarch", 3, ident("OCLC", "M-1"))
	h.store.PutBib(bib)

	boom := errors.New("write failed")
	h.store.FailSaveBib(boom)
	_, err := h.service.ClusterBib(ctx, &bib)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, bib.ContributesTo, "caller must not keep a cluster that was rolled back")
	assert.Empty(t, h.store.LiveClusters(), "the new cluster must be rolled back")

	missing := uuid.New()
	dangling := newBib("Middlemarch", 5, ident("OCLC", "M-2"))
	dangling.ContributesTo = &missing
	h.store.PutBib(dangling)
	h.store.FailSaveBib(boom)
	_, err = h.service.ClusterBib(ctx, &dangling)
	require.ErrorIs(t, err, boom)
	require.NotNil(t, dangling.ContributesTo)
	assert.Equal(t, missing, *dangling.ContributesTo)

	clustered, err := h.service.ClusterBib(ctx, &bib)
	require.NoError(t, err)
	require.NotNil(t, clustered.ContributesTo)
	assert.Equal(t, *clustered.ContributesTo, clusterOf(t, h.store, bib.ID))
}

func TestClusterBibs_ReportsPerBibFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	good := newBib("Rebecca", 1, ident("OCLC", "R"))
	h.store.PutBib(good)

	results, err := h.service.ClusterBibs(context.Background(), []*db.Bib{nil, &good})
	require.Error(t, err)
	assert.Nil(t, results[0])
	require.NotNil(t, results[1])
	assert.NotNil(t, results[1].ContributesTo)
}

func TestElectSelectedBib_IgnoresBib(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	top := newBib("Emma", 9, ident("OCLC", "E"))
	runnerUp := newBib("Emma", 4, ident("OCLC", "E"))
	cluster := h.seedCluster(t, &runnerUp, &top)

	elected, err := h.service.ElectSelectedBib(context.Background(), cluster.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, top.ID, *elected.SelectedBib)

	ignored := top.ID
	elected, err = h.service.ElectSelectedBib(context.Background(), cluster.ID, &ignored)
	require.NoError(t, err)
	assert.Equal(t, runnerUp.ID, *elected.SelectedBib)

	_, err = h.service.ElectSelectedBib(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
