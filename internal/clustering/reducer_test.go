package clustering

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/bibcluster/internal/db"
)

func clusterIDs(ranked []rankedCluster) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.cluster.ID)
	}
	return out
}

func TestRankClusters_CountOrderKeepsFirstSeenOnTies(t *testing.T) {
	t.Parallel()

	a := db.ClusterRecord{ID: uuid.New()}
	b := db.ClusterRecord{ID: uuid.New()}
	c := db.ClusterRecord{ID: uuid.New()}

	ranked := rankClusters([]db.ClusterRecord{a, c, b, a, b, a, b}, nil)

	assert.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID}, clusterIDs(ranked))
	assert.Equal(t, []int{3, 3, 1}, []int{ranked[0].count, ranked[1].count, ranked[2].count})
}

func TestRankClusters_CurrentWinsEqualTies(t *testing.T) {
	t.Parallel()

	a := db.ClusterRecord{ID: uuid.New()}
	b := db.ClusterRecord{ID: uuid.New()}

	ranked := rankClusters([]db.ClusterRecord{a, b, a, b}, &b)
	assert.Equal(t, []uuid.UUID{b.ID, a.ID}, clusterIDs(ranked))
}

func TestRankClusters_CurrentDoesNotBeatHigherCount(t *testing.T) {
	t.Parallel()

	a := db.ClusterRecord{ID: uuid.New()}
	b := db.ClusterRecord{ID: uuid.New()}

	ranked := rankClusters([]db.ClusterRecord{a, a, b}, &b)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, clusterIDs(ranked))
}

func TestRankClusters_UnmatchedCurrentAppendedLast(t *testing.T) {
	t.Parallel()

	a := db.ClusterRecord{ID: uuid.New()}
	current := db.ClusterRecord{ID: uuid.New()}

	ranked := rankClusters([]db.ClusterRecord{a}, &current)
	require.Len(t, ranked, 2)
	assert.Equal(t, current.ID, ranked[1].cluster.ID)
	assert.Equal(t, 0, ranked[1].count)

	assert.Empty(t, rankClusters(nil, nil))
	only := rankClusters(nil, &current)
	require.Len(t, only, 1)
	assert.Equal(t, current.ID, only[0].cluster.ID)
}

func TestClusterBib_AbsorbsLosingClusters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	primaryBib := newBib("Dune", 5, ident("OCLC", "1"), ident("LCCN", "L1"))
	loserOneBib := newBib("Dune", 5, ident("OCLC", "1"))
	loserOneExtra := newBib("Dune", 4, ident("GOLDRUSH", "G-9"))
	loserTwoBib := newBib("Dune", 5, ident("STRN", "S1"))

	primary := h.seedCluster(t, &primaryBib)
	loserOne := h.seedCluster(t, &loserOneBib, &loserOneExtra)
	loserTwo := h.seedCluster(t, &loserTwoBib)
	loserOneCreated, _ := h.store.Cluster(loserOne.ID)

	incoming := newBib("Dune", 1, ident("OCLC", "1"), ident("LCCN", "L1"), ident("STRN", "S1"))
	h.store.PutBib(incoming)

	_, err := h.service.ClusterBib(ctx, &incoming)
	require.NoError(t, err)

	for _, id := range []uuid.UUID{primaryBib.ID, loserOneBib.ID, loserOneExtra.ID, loserTwoBib.ID, incoming.ID} {
		assert.Equal(t, primary.ID, clusterOf(t, h.store, id))
	}

	for _, loser := range []uuid.UUID{loserOne.ID, loserTwo.ID} {
		stored, ok := h.store.Cluster(loser)
		require.True(t, ok)
		assert.True(t, stored.IsDeleted, "absorbed cluster must be soft-deleted")
	}
	stored, _ := h.store.Cluster(loserOne.ID)
	assert.True(t, stored.DateCreated.Equal(loserOneCreated.DateCreated), "soft delete keeps date_created")

	live, _ := h.store.Cluster(primary.ID)
	assert.False(t, live.IsDeleted)

	calls := h.indexer.snapshot()
	assert.Contains(t, calls, "delete:"+loserOne.ID.String())
	assert.Contains(t, calls, "delete:"+loserTwo.ID.String())
	assert.Contains(t, calls, "update:"+primary.ID.String())
}

func TestClusterBib_PriorClusterWinsTie(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	aBib := newBib("Emma", 5, ident("OCLC", "A1"), ident("LCCN", "A2"))
	bBib := newBib("Emma", 5, ident("OCLC", "B1"), ident("LCCN", "B2"))
	clusterA := h.seedCluster(t, &aBib)
	clusterB := h.seedCluster(t, &bBib)

	incoming := newBib("Emma", 1, ident("OCLC", "A1"), ident("LCCN", "A2"), ident("OCLC", "B1"), ident("LCCN", "B2"))
	priorID := clusterB.ID
	incoming.ContributesTo = &priorID
	h.store.PutBib(incoming)

	_, err := h.service.ClusterBib(ctx, &incoming)
	require.NoError(t, err)

	assert.Equal(t, clusterB.ID, clusterOf(t, h.store, incoming.ID))
	absorbed, _ := h.store.Cluster(clusterA.ID)
	assert.True(t, absorbed.IsDeleted)
	assert.Equal(t, clusterB.ID, clusterOf(t, h.store, aBib.ID))
}
