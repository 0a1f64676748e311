package clustering

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"horse.fit/bibcluster/internal/clustering/clusteringtest"
	"horse.fit/bibcluster/internal/config"
	"horse.fit/bibcluster/internal/db"
	"horse.fit/bibcluster/internal/txn"
)

const testDerivedType = "BOOKS"

var testSourceSystem = uuid.MustParse("6f1c3c1e-4b7c-4f55-9d3a-3c8f0e1a2b10")

type recordingIndexer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingIndexer) record(op string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+":"+id.String())
	return nil
}

func (r *recordingIndexer) Add(_ context.Context, id uuid.UUID) error    { return r.record("add", id) }
func (r *recordingIndexer) Update(_ context.Context, id uuid.UUID) error { return r.record("update", id) }
func (r *recordingIndexer) Delete(_ context.Context, id uuid.UUID) error { return r.record("delete", id) }

func (r *recordingIndexer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Prioritise(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.ids {
		if existing == id {
			return false
		}
	}
	q.ids = append(q.ids, id)
	return true
}

func (q *recordingQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type harness struct {
	store    *clusteringtest.Store
	service  *Service
	indexer  *recordingIndexer
	queue    *recordingQueue
	registry *txn.Registry
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	store := clusteringtest.NewStore()
	indexer := &recordingIndexer{}
	queue := &recordingQueue{}
	registry := txn.NewRegistry(zerolog.Nop())

	opts := Options{
		Store:             store,
		Sources:           store,
		Indexer:           indexer,
		Commits:           registry,
		Reprocessing:      queue,
		Strategy:          StrategyImproved,
		ProcessingVersion: 1,
		Identifiers:       strings.Split(config.DefaultClusteringIdentifiers, ","),
		Logger:            zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	service, err := NewService(opts)
	require.NoError(t, err)

	return &harness{store: store, service: service, indexer: indexer, queue: queue, registry: registry}
}

func (h *harness) waitCallbacks(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.registry.Wait(ctx))
}

func ident(namespace, value string) db.BibIdentifier {
	return db.BibIdentifier{ID: uuid.New(), Namespace: namespace, Value: value}
}

func newBib(title string, score int, identifiers ...db.BibIdentifier) db.Bib {
	id := uuid.New()
	for i := range identifiers {
		identifiers[i].BibID = id
	}
	return db.Bib{
		ID:                id,
		Title:             title,
		BlockingTitle:     strings.ToLower(title),
		DerivedType:       testDerivedType,
		ProcessingVersion: 1,
		MetadataScore:     score,
		SourceSystemID:    testSourceSystem,
		SourceRecordID:    "rec-" + id.String()[:8],
		Identifiers:       identifiers,
	}
}

// seedCluster stores a live cluster holding bibs, each with its generated
// match points and one source record. The first bib is selected.
func (h *harness) seedCluster(t *testing.T, bibs ...*db.Bib) db.ClusterRecord {
	t.Helper()
	require.NotEmpty(t, bibs)

	selected := bibs[0].ID
	cluster := db.ClusterRecord{ID: uuid.New(), Title: bibs[0].Title, SelectedBib: &selected}
	h.store.PutCluster(cluster)

	for _, bib := range bibs {
		clusterID := cluster.ID
		bib.ContributesTo = &clusterID
		h.store.PutBib(*bib)
		require.NoError(t, h.store.InsertMatchPoints(context.Background(), h.service.generator.Generate(*bib)))
		h.seedSource(*bib)
	}
	return cluster
}

func (h *harness) seedSource(bib db.Bib) uuid.UUID {
	id := uuid.New()
	h.store.PutSourceRecord(db.SourceRecord{
		ID:              id,
		SourceSystemID:  bib.SourceSystemID,
		RemoteID:        bib.SourceRecordID,
		ProcessingState: db.ProcessingStateSuccess,
	})
	return id
}

func clusterOf(t *testing.T, store *clusteringtest.Store, bibID uuid.UUID) uuid.UUID {
	t.Helper()
	bib, ok := store.Bib(bibID)
	require.True(t, ok, "bib %s not stored", bibID)
	require.NotNil(t, bib.ContributesTo, "bib %s is orphaned", bibID)
	return *bib.ContributesTo
}
