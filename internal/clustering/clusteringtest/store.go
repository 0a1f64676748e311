// Package clusteringtest provides an in-memory clustering store for tests.
package clusteringtest

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"horse.fit/bibcluster/internal/db"
	"horse.fit/bibcluster/internal/globaltime"
	"horse.fit/bibcluster/internal/txn"
)

type state struct {
	bibs     map[uuid.UUID]db.Bib
	bibOrder []uuid.UUID
	clusters map[uuid.UUID]db.ClusterRecord
	points   map[uuid.UUID]map[string]db.MatchPoint
	sources  map[uuid.UUID]db.SourceRecord
}

func newState() state {
	return state{
		bibs:     map[uuid.UUID]db.Bib{},
		clusters: map[uuid.UUID]db.ClusterRecord{},
		points:   map[uuid.UUID]map[string]db.MatchPoint{},
		sources:  map[uuid.UUID]db.SourceRecord{},
	}
}

type undoFunc func(*state)

type unitOfWork struct {
	parent     *unitOfWork
	done       chan struct{}
	once       sync.Once
	rolledBack atomic.Bool

	mu   sync.Mutex
	undo []undoFunc
	// held is only used on the root unit of work.
	held map[string]*sync.Mutex
}

func (u *unitOfWork) root() *unitOfWork {
	for u.parent != nil {
		u = u.parent
	}
	return u
}

func (u *unitOfWork) remember(fn undoFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.undo = append(u.undo, fn)
}

func (u *unitOfWork) takeUndo() []undoFunc {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.undo
	u.undo = nil
	return out
}

func (u *unitOfWork) Done() <-chan struct{} { return u.done }
func (u *unitOfWork) RollbackOnly() bool    { return u.rolledBack.Load() }

func (u *unitOfWork) Parent() txn.UnitOfWork {
	if u.parent == nil {
		return nil
	}
	return u.parent
}

func (u *unitOfWork) resolve(rolledBack bool) {
	u.once.Do(func() {
		u.rolledBack.Store(rolledBack)
		close(u.done)
	})
}

type txKey struct{}

// Store is an in-memory implementation of clustering.Store and
// clustering.SourceRecordService. Top-level transactions run concurrently and
// see each other's writes immediately; a rollback replays the writes made
// under it in reverse. Nested transactions behave as savepoints.
type Store struct {
	mu   sync.Mutex
	data state

	valueLocks      map[string]*sync.Mutex
	lockFailures    []error
	saveBibFailures []error
	transactions atomic.Int64
	valueLockers atomic.Int64
}

func NewStore() *Store {
	return &Store{data: newState(), valueLocks: map[string]*sync.Mutex{}}
}

func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	parent, _ := ctx.Value(txKey{}).(*unitOfWork)
	s.transactions.Add(1)

	uow := &unitOfWork{parent: parent, done: make(chan struct{})}
	committed := false
	defer func() {
		undo := uow.takeUndo()
		switch {
		case !committed:
			s.mu.Lock()
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i](&s.data)
			}
			s.mu.Unlock()
		case parent != nil:
			for _, u := range undo {
				parent.remember(u)
			}
		}
		if parent == nil {
			uow.releaseValueLocks()
		}
		uow.resolve(!committed)
	}()

	txCtx := context.WithValue(txn.WithUnitOfWork(ctx, uow), txKey{}, uow)
	if err := fn(txCtx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Transactions counts Transact calls, savepoints included.
func (s *Store) Transactions() int64 { return s.transactions.Load() }

// ValueLockers counts LockMatchPointValues calls.
func (s *Store) ValueLockers() int64 { return s.valueLockers.Load() }

// LockMatchPointValues holds a mutex per value until the top-level
// transaction on ctx ends, like a transaction-scoped advisory lock.
func (s *Store) LockMatchPointValues(ctx context.Context, derivedType string, values []string) error {
	s.valueLockers.Add(1)
	if len(values) == 0 {
		return nil
	}
	uow, _ := ctx.Value(txKey{}).(*unitOfWork)
	if uow == nil {
		return fmt.Errorf("lock match point values: no transaction on context")
	}
	root := uow.root()

	keys := make([]string, 0, len(values))
	for _, value := range values {
		keys = append(keys, derivedType+"|"+value)
	}
	sort.Strings(keys)
	keys = slices.Compact(keys)

	for _, key := range keys {
		root.mu.Lock()
		_, held := root.held[key]
		root.mu.Unlock()
		if held {
			continue
		}

		s.mu.Lock()
		m, ok := s.valueLocks[key]
		if !ok {
			m = &sync.Mutex{}
			s.valueLocks[key] = m
		}
		s.mu.Unlock()

		m.Lock()
		root.mu.Lock()
		if root.held == nil {
			root.held = map[string]*sync.Mutex{}
		}
		root.held[key] = m
		root.mu.Unlock()
	}
	return nil
}

func (u *unitOfWork) releaseValueLocks() {
	u.mu.Lock()
	held := u.held
	u.held = nil
	u.mu.Unlock()
	for _, m := range held {
		m.Unlock()
	}
}

// remember records how to revert a write made under the transaction on ctx.
// Writes outside a transaction are not recorded. Callers hold s.mu.
func remember(ctx context.Context, fn undoFunc) {
	if uow, ok := ctx.Value(txKey{}).(*unitOfWork); ok && uow != nil {
		uow.remember(fn)
	}
}

func rememberBib(ctx context.Context, data *state, id uuid.UUID) {
	prior, existed := data.bibs[id]
	prior = copyBib(prior)
	remember(ctx, func(st *state) {
		if existed {
			st.bibs[id] = prior
			return
		}
		delete(st.bibs, id)
		st.bibOrder = slices.DeleteFunc(st.bibOrder, func(other uuid.UUID) bool { return other == id })
	})
}

func rememberCluster(ctx context.Context, data *state, id uuid.UUID) {
	prior, existed := data.clusters[id]
	remember(ctx, func(st *state) {
		if existed {
			st.clusters[id] = prior
			return
		}
		delete(st.clusters, id)
	})
}

// FailLockClusters makes the next len(errs) LockClusters calls fail with errs
// in order.
func (s *Store) FailLockClusters(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockFailures = append(s.lockFailures, errs...)
}

// FailSaveBib makes the next len(errs) SaveBib calls fail with errs in order.
func (s *Store) FailSaveBib(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveBibFailures = append(s.saveBibFailures, errs...)
}

// PutBib stores bib with its identifiers.
func (s *Store) PutBib(bib db.Bib) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putBibLocked(bib, true)
}

// PutCluster stores cluster as is.
func (s *Store) PutCluster(cluster db.ClusterRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cluster.DateCreated.IsZero() {
		cluster.DateCreated = globaltime.UTC()
	}
	if cluster.DateUpdated.IsZero() {
		cluster.DateUpdated = cluster.DateCreated
	}
	s.data.clusters[cluster.ID] = cluster
}

// PutSourceRecord stores a source record as is.
func (s *Store) PutSourceRecord(record db.SourceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.sources[record.ID] = record
}

// Bib returns a copy of the stored bib.
func (s *Store) Bib(id uuid.UUID) (db.Bib, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bib, ok := s.data.bibs[id]
	return copyBib(bib), ok
}

// Cluster returns the stored cluster.
func (s *Store) Cluster(id uuid.UUID) (db.ClusterRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster, ok := s.data.clusters[id]
	return cluster, ok
}

// LiveClusters returns the ids of clusters that are not soft-deleted.
func (s *Store) LiveClusters() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.data.clusters))
	for id, cluster := range s.data.clusters {
		if !cluster.IsDeleted {
			ids = append(ids, id)
		}
	}
	sortUUIDs(ids)
	return ids
}

// SourceRecord returns the stored source record.
func (s *Store) SourceRecord(id uuid.UUID) (db.SourceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data.sources[id]
	return record, ok
}

// MatchPointValues returns the stored values of a bib, sorted.
func (s *Store) MatchPointValues(bibID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := slices.Collect(maps.Keys(s.data.points[bibID]))
	sort.Strings(values)
	return values
}

func (s *Store) FindBib(_ context.Context, id uuid.UUID) (*db.Bib, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bib, ok := s.data.bibs[id]
	if !ok {
		return nil, fmt.Errorf("find bib bib_id=%s: %w", id, db.ErrNotFound)
	}
	out := copyBib(bib)
	return &out, nil
}

func (s *Store) FindBibs(_ context.Context, ids []uuid.UUID) ([]db.Bib, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]db.Bib, 0, len(ids))
	for _, id := range s.data.bibOrder {
		if _, ok := want[id]; ok {
			out = append(out, copyBib(s.data.bibs[id]))
		}
	}
	return out, nil
}

func (s *Store) ListBibsForCluster(_ context.Context, clusterID uuid.UUID) ([]db.Bib, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Bib, 0)
	for _, id := range s.data.bibOrder {
		bib := s.data.bibs[id]
		if bib.ContributesTo != nil && *bib.ContributesTo == clusterID {
			out = append(out, copyBib(bib))
		}
	}
	return out, nil
}

func (s *Store) SaveBib(ctx context.Context, bib *db.Bib) error {
	if bib == nil || bib.ID == uuid.Nil {
		return fmt.Errorf("bib id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saveBibFailures) > 0 {
		err := s.saveBibFailures[0]
		s.saveBibFailures = s.saveBibFailures[1:]
		return err
	}
	if bib.ContributesTo != nil {
		if _, ok := s.data.clusters[*bib.ContributesTo]; !ok {
			return fmt.Errorf("save bib bib_id=%s: cluster %s violates foreign key", bib.ID, bib.ContributesTo)
		}
	}
	rememberBib(ctx, &s.data, bib.ID)
	now := globaltime.UTC()
	if bib.DateCreated.IsZero() {
		bib.DateCreated = now
	}
	bib.DateUpdated = now
	s.putBibLocked(*bib, false)
	return nil
}

func (s *Store) putBibLocked(bib db.Bib, withIdentifiers bool) {
	existing, exists := s.data.bibs[bib.ID]
	if !exists {
		s.data.bibOrder = append(s.data.bibOrder, bib.ID)
	}
	if !withIdentifiers && exists {
		bib.Identifiers = existing.Identifiers
	}
	s.data.bibs[bib.ID] = copyBib(bib)
}

func (s *Store) FindCluster(_ context.Context, id uuid.UUID) (*db.ClusterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster, ok := s.data.clusters[id]
	if !ok {
		return nil, fmt.Errorf("find cluster cluster_id=%s: %w", id, db.ErrNotFound)
	}
	return &cluster, nil
}

func (s *Store) LockClusters(_ context.Context, ids []uuid.UUID) ([]db.ClusterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lockFailures) > 0 {
		err := s.lockFailures[0]
		s.lockFailures = s.lockFailures[1:]
		return nil, err
	}
	ordered := slices.Clone(ids)
	sortUUIDs(ordered)
	ordered = slices.Compact(ordered)
	out := make([]db.ClusterRecord, 0, len(ordered))
	for _, id := range ordered {
		if cluster, ok := s.data.clusters[id]; ok {
			out = append(out, cluster)
		}
	}
	return out, nil
}

func (s *Store) SaveCluster(ctx context.Context, cluster *db.ClusterRecord) error {
	if cluster == nil || cluster.ID == uuid.Nil {
		return fmt.Errorf("cluster id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rememberCluster(ctx, &s.data, cluster.ID)
	now := globaltime.UTC()
	if cluster.DateCreated.IsZero() {
		cluster.DateCreated = now
	}
	cluster.DateUpdated = now
	s.data.clusters[cluster.ID] = *cluster
	return nil
}

func (s *Store) SoftDeleteCluster(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster, ok := s.data.clusters[id]
	if !ok {
		return fmt.Errorf("soft-delete cluster cluster_id=%s: %w", id, db.ErrNotFound)
	}
	rememberCluster(ctx, &s.data, id)
	cluster.IsDeleted = true
	cluster.DateUpdated = globaltime.UTC()
	s.data.clusters[id] = cluster
	return nil
}

func (s *Store) FindClustersByMatchPoints(_ context.Context, derivedType string, values []string) ([]db.ClusterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sortedValues := slices.Clone(values)
	sort.Strings(sortedValues)
	sortedValues = slices.Compact(sortedValues)

	out := make([]db.ClusterRecord, 0)
	for _, value := range sortedValues {
		hits := make([]uuid.UUID, 0)
		for _, bibID := range s.data.bibOrder {
			bib := s.data.bibs[bibID]
			if bib.DerivedType != derivedType || bib.ContributesTo == nil {
				continue
			}
			if _, ok := s.data.points[bibID][value]; !ok {
				continue
			}
			cluster, ok := s.data.clusters[*bib.ContributesTo]
			if !ok || cluster.IsDeleted {
				continue
			}
			hits = append(hits, cluster.ID)
		}
		sortUUIDs(hits)
		for _, id := range slices.Compact(hits) {
			out = append(out, s.data.clusters[id])
		}
	}
	return out, nil
}

func (s *Store) FindOutdatedClusterIDs(_ context.Context, ids []uuid.UUID, liveVersion int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]uuid.UUID, 0)
	seen := make(map[uuid.UUID]struct{})
	for _, bibID := range s.data.bibOrder {
		bib := s.data.bibs[bibID]
		if bib.ContributesTo == nil {
			continue
		}
		clusterID := *bib.ContributesTo
		if _, ok := want[clusterID]; !ok {
			continue
		}
		if _, done := seen[clusterID]; done {
			continue
		}
		if s.outdatedLocked(bib, liveVersion) {
			seen[clusterID] = struct{}{}
			out = append(out, clusterID)
		}
	}
	return out, nil
}

func (s *Store) ListOutdatedClusterIDs(_ context.Context, liveVersion, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clusters := make([]db.ClusterRecord, 0)
	for _, cluster := range s.data.clusters {
		if !cluster.IsDeleted {
			clusters = append(clusters, cluster)
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		if !clusters[i].DateUpdated.Equal(clusters[j].DateUpdated) {
			return clusters[i].DateUpdated.Before(clusters[j].DateUpdated)
		}
		return bytes.Compare(clusters[i].ID[:], clusters[j].ID[:]) < 0
	})

	out := make([]uuid.UUID, 0, limit)
	for _, cluster := range clusters {
		if len(out) == limit {
			break
		}
		for _, bibID := range s.data.bibOrder {
			bib := s.data.bibs[bibID]
			if bib.ContributesTo != nil && *bib.ContributesTo == cluster.ID && s.outdatedLocked(bib, liveVersion) {
				out = append(out, cluster.ID)
				break
			}
		}
	}
	return out, nil
}

// outdatedLocked reports whether bib is below liveVersion and has a source
// record that can still be flagged.
func (s *Store) outdatedLocked(bib db.Bib, liveVersion int) bool {
	if bib.ProcessingVersion >= liveVersion {
		return false
	}
	reprocessable := false
	for _, record := range s.data.sources {
		if record.SourceSystemID != bib.SourceSystemID || record.RemoteID != bib.SourceRecordID {
			continue
		}
		if record.ProcessingState == db.ProcessingStateRequired {
			return false
		}
		reprocessable = true
	}
	return reprocessable
}

func (s *Store) ListMatchPointsForBib(_ context.Context, bibID uuid.UUID) ([]db.MatchPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.data.points[bibID]))
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

func (s *Store) DeleteMatchPoints(ctx context.Context, bibID uuid.UUID, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, value := range values {
		point, ok := s.data.points[bibID][value]
		if !ok {
			continue
		}
		delete(s.data.points[bibID], value)
		remember(ctx, func(st *state) {
			if st.points[bibID] == nil {
				st.points[bibID] = map[string]db.MatchPoint{}
			}
			st.points[bibID][value] = point
		})
	}
	return nil
}

func (s *Store) InsertMatchPoints(ctx context.Context, points []db.MatchPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, point := range points {
		byValue, ok := s.data.points[point.BibID]
		if !ok {
			byValue = map[string]db.MatchPoint{}
			s.data.points[point.BibID] = byValue
		}
		if _, exists := byValue[point.Value]; exists {
			continue
		}
		byValue[point.Value] = point
		bibID, value := point.BibID, point.Value
		remember(ctx, func(st *state) { delete(st.points[bibID], value) })
	}
	return nil
}

func (s *Store) FindMatchPointsInClusters(_ context.Context, values []string, clusterIDs []uuid.UUID, excludeBibID uuid.UUID) ([]db.MatchPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wantValues := make(map[string]struct{}, len(values))
	for _, value := range values {
		wantValues[value] = struct{}{}
	}
	wantClusters := make(map[uuid.UUID]struct{}, len(clusterIDs))
	for _, id := range clusterIDs {
		wantClusters[id] = struct{}{}
	}

	out := make([]db.MatchPoint, 0)
	for _, bibID := range s.data.bibOrder {
		if bibID == excludeBibID {
			continue
		}
		bib := s.data.bibs[bibID]
		if bib.ContributesTo == nil {
			continue
		}
		if _, ok := wantClusters[*bib.ContributesTo]; !ok {
			continue
		}
		points := slices.Collect(maps.Values(s.data.points[bibID]))
		sort.Slice(points, func(i, j int) bool { return points[i].Value < points[j].Value })
		for _, point := range points {
			if _, ok := wantValues[point.Value]; ok {
				out = append(out, point)
			}
		}
	}
	return out, nil
}

func (s *Store) FindSourceRecordIDsForBib(_ context.Context, bib db.Bib) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]db.SourceRecord, 0)
	for _, record := range s.data.sources {
		if record.SourceSystemID == bib.SourceSystemID && record.RemoteID == bib.SourceRecordID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return bytes.Compare(records[i].ID[:], records[j].ID[:]) < 0 })
	ids := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids, nil
}

func (s *Store) RequireProcessing(ctx context.Context, sourceRecordID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data.sources[sourceRecordID]
	if !ok {
		return fmt.Errorf("require processing source_record_id=%s: %w", sourceRecordID, db.ErrNotFound)
	}
	prior := record
	remember(ctx, func(st *state) { st.sources[sourceRecordID] = prior })
	record.ProcessingState = db.ProcessingStateRequired
	record.DateUpdated = globaltime.UTC()
	s.data.sources[sourceRecordID] = record
	return nil
}

func copyBib(bib db.Bib) db.Bib {
	bib.Identifiers = slices.Clone(bib.Identifiers)
	if bib.ContributesTo != nil {
		id := *bib.ContributesTo
		bib.ContributesTo = &id
	}
	return bib
}

func sortUUIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
}
