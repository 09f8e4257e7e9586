// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"objectcache/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// gatedDBMgr counts loads and holds them until the gate opens.
type gatedDBMgr struct {
	*LocalBTreeDBMgr
	mu     sync.Mutex
	loads  map[common.ObjectID]int
	gate   chan struct{}
	opened bool
}

func newGatedDBMgr(closed bool) *gatedDBMgr {
	g := &gatedDBMgr{LocalBTreeDBMgr: NewLocalBTreeDBMgr(),
		loads: make(map[common.ObjectID]int), gate: make(chan struct{})}
	if closed {
		g.open()
	}
	return g
}

func (g *gatedDBMgr) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.opened {
		g.opened = true
		close(g.gate)
	}
}

func (g *gatedDBMgr) Load(ctx context.Context, id common.ObjectID) (*ManagedObject, error) {
	g.mu.Lock()
	g.loads[id]++
	g.mu.Unlock()
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.LocalBTreeDBMgr.Load(ctx, id)
}

func (g *gatedDBMgr) loadCount(id common.ObjectID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loads[id]
}

func (g *gatedDBMgr) totalLoads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.loads {
		n += c
	}
	return n
}

func newTestConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.FlushInterval = time.Millisecond
	cfg.GCPollInterval = 10 * time.Millisecond
	cfg.SweepInterval = 0
	return cfg
}

func newTestCache(t *testing.T, db DBMgr, cfg *Config) *ObjectCache {
	t.Helper()
	if cfg == nil {
		cfg = newTestConfig()
	}
	c, err := NewObjectCache(ObjectCacheCtx{DBMgr: db, Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func seed(t *testing.T, db DBMgr, objs ...*ManagedObject) {
	t.Helper()
	require.NoError(t, db.SaveBatch(context.Background(), objs))
}

func ids(vals ...uint64) []common.ObjectID {
	out := make([]common.ObjectID, len(vals))
	for i, v := range vals {
		out[i] = common.ObjectID(v)
	}
	return out
}

func resultIDs(res *LookupResult) []common.ObjectID {
	out := make([]common.ObjectID, 0, len(res.Objects))
	for id := range res.Objects {
		out = append(out, id)
	}
	sort.Sort(common.ObjectIDs(out))
	return out
}

// lookup returns the result of req, waiting for it if it was deferred.
func lookup(t *testing.T, c *ObjectCache, req LookupRequest) (*LookupResult, error) {
	t.Helper()
	res, p, err := c.Lookup(req)
	if err != nil {
		return nil, err
	}
	if res != nil {
		require.Nil(t, p)
		return res, nil
	}
	require.NotNil(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return p.Wait(ctx)
}

func releaseAll(t *testing.T, c *ObjectCache, res *LookupResult, persist bool) {
	t.Helper()
	for _, obj := range res.Objects {
		require.NoError(t, c.Release(obj, persist))
	}
}

// createAndRelease materializes objects and makes them resident and evictable.
func createAndRelease(t *testing.T, c *ObjectCache, objs ...*ManagedObject) {
	t.Helper()
	for _, obj := range objs {
		require.NoError(t, c.Create(obj))
		require.NoError(t, c.Release(obj, false))
	}
}

// checkInvariants verifies the eviction policy and the table agree.
func checkInvariants(t *testing.T, c *ObjectCache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	lru := c.policy.(*LocalLRUEvictionPolicy)
	pinned, checkedOut, faulting := 0, 0, 0
	c.table.forEach(func(ref *reference) bool {
		_, inPolicy := lru.memMap[ref.id]
		assert.Equal(t, ref.pinned, inPolicy, "%v", ref)
		assert.False(t, inPolicy && ref.checkedOut(), "%v is evictable and checked out", ref)
		assert.LessOrEqual(t, ref.checkouts, 1, "%v", ref)
		if ref.pinned {
			pinned++
		}
		if ref.checkedOut() {
			checkedOut++
		}
		if ref.isPlaceholder() {
			faulting++
		}
		return true
	})
	assert.Equal(t, lru.Len(), pinned)
	assert.Equal(t, c.table.checkedOut, checkedOut)
	assert.Equal(t, c.table.faulting, faulting)
}

func TestLookupFaultsIn(t *testing.T) {
	db := NewLocalBTreeDBMgr()
	seed(t, db, NewManagedObject(1, []byte("one")))
	c := newTestCache(t, db, nil)

	res, p, err := c.Lookup(LookupRequest{IDs: ids(1)})
	require.NoError(t, err)
	require.Nil(t, res)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err = p.Wait(ctx)
	require.NoError(t, err)
	obj := res.Objects[1]
	require.NotNil(t, obj)
	assert.Equal(t, []byte("one"), obj.State)
	assert.False(t, obj.IsDirty())
	assert.False(t, obj.IsNew())
	assert.Equal(t, RefStateResidentReferenced, c.State(1))

	require.NoError(t, c.Release(obj, true))
	assert.Equal(t, RefStateResidentUnreferenced, c.State(1))

	res, p, err = c.Lookup(LookupRequest{IDs: ids(1)})
	require.NoError(t, err)
	require.Nil(t, p)
	assert.Same(t, obj, res.Objects[1])
	releaseAll(t, c, res, false)
	checkInvariants(t, c)
}

func TestAtMostOneFaultPerID(t *testing.T) {
	db := newGatedDBMgr(false)
	seed(t, db.LocalBTreeDBMgr, NewManagedObject(42, []byte("x")))
	c := newTestCache(t, db, nil)

	const callers = 16
	var wg sync.WaitGroup
	futures := make([]*PendingLookup, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, p, err := c.Lookup(LookupRequest{IDs: ids(42)})
			if err == nil && res != nil {
				err = errors.New("lookup satisfied before the fault completed")
			}
			futures[i], errs[i] = p, err
		}(i)
	}
	wg.Wait()
	for i := range errs {
		require.NoError(t, errs[i])
	}
	require.Eventually(t, func() bool { return db.loadCount(42) == 1 }, waitTimeout, time.Millisecond)
	db.open()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for i := range futures {
		wg.Add(1)
		go func(p *PendingLookup) {
			defer wg.Done()
			res, err := p.Wait(ctx)
			if assert.NoError(t, err) {
				assert.NoError(t, c.Release(res.Objects[42], false))
			}
		}(futures[i])
	}
	wg.Wait()
	assert.Equal(t, 1, db.loadCount(42))
	checkInvariants(t, c)
}

func TestConcurrentLookupsShareFault(t *testing.T) {
	db := newGatedDBMgr(false)
	seed(t, db.LocalBTreeDBMgr, NewManagedObject(42, []byte("answer")))
	c := newTestCache(t, db, nil)

	_, p1, err := c.Lookup(LookupRequest{IDs: ids(42)})
	require.NoError(t, err)
	_, p2, err := c.Lookup(LookupRequest{IDs: ids(42)})
	require.NoError(t, err)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	assert.Equal(t, RefStateFaulting, c.State(42))

	db.open()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res1, err := p1.Wait(ctx)
	require.NoError(t, err)
	select {
	case <-p2.Done():
		t.Fatal("second lookup satisfied while the object is checked out")
	default:
	}

	require.NoError(t, c.Release(res1.Objects[42], false))
	res2, err := p2.Wait(ctx)
	require.NoError(t, err)
	assert.Same(t, res1.Objects[42], res2.Objects[42])
	assert.Equal(t, 1, db.loadCount(42))
	releaseAll(t, c, res2, false)
}

func TestLookupIsAllOrNothing(t *testing.T) {
	c := newTestCache(t, NewLocalBTreeDBMgr(), nil)
	createAndRelease(t, c, NewManagedObject(1, []byte("a")), NewManagedObject(2, []byte("b")))

	held, err := lookup(t, c, LookupRequest{IDs: ids(1)})
	require.NoError(t, err)

	res, p, err := c.Lookup(LookupRequest{IDs: ids(1, 2)})
	require.NoError(t, err)
	require.Nil(t, res)
	require.NotNil(t, p)
	assert.Equal(t, RefStateResidentUnreferenced, c.State(2))
	assert.Equal(t, 1, c.Stats().Pending)
	checkInvariants(t, c)

	releaseAll(t, c, held, false)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err = p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids(1, 2), resultIDs(res))
	assert.Equal(t, RefStateResidentReferenced, c.State(2))
	releaseAll(t, c, res, false)
}

func TestCheckoutEvictionExclusion(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxResidentObjects = 4
	cfg.MaxFlushBatch = 3
	db := NewLocalBTreeDBMgr()
	c := newTestCache(t, db, cfg)

	const numObjs = 20
	for i := 1; i <= numObjs; i++ {
		obj := NewManagedObject(common.ObjectID(i), []byte{byte(i)})
		require.NoError(t, c.Create(obj))
		require.NoError(t, c.Release(obj, true))
	}

	stop := make(chan struct{})
	checkerDone := make(chan struct{})
	go func() {
		defer close(checkerDone)
		for {
			select {
			case <-stop:
				return
			default:
				checkInvariants(t, c)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				id := common.ObjectID(rnd.Intn(numObjs) + 1)
				res, err := lookup(t, c, LookupRequest{IDs: []common.ObjectID{id}, Reachable: 1})
				if !assert.NoError(t, err) {
					return
				}
				res.Objects[id].SetState([]byte{byte(i)})
				for _, obj := range res.Objects {
					assert.NoError(t, c.Release(obj, rnd.Intn(2) == 0))
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(stop)
	<-checkerDone

	checkInvariants(t, c)
	stats := c.Stats()
	assert.Zero(t, stats.CheckedOut)
	assert.LessOrEqual(t, stats.Evictable, cfg.MaxResidentObjects)
	require.Eventually(t, func() bool { return c.Stats().Evictions > 0 }, waitTimeout, time.Millisecond)
}

func TestRoundTripThroughEviction(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxResidentObjects = 1
	db := newGatedDBMgr(true)
	c := newTestCache(t, db, cfg)

	orig := NewManagedObject(7, []byte("hello world"), 8)
	snapshot := orig.deepCopy()
	require.NoError(t, c.Create(orig))
	assert.Equal(t, RefStateNew, c.State(7))
	require.NoError(t, c.Release(orig, false))
	createAndRelease(t, c, NewManagedObject(8, []byte("other")))

	require.Eventually(t, func() bool { return c.State(7) == RefStateRemoved },
		waitTimeout, time.Millisecond)
	assert.Equal(t, ids(7), db.IDs())

	res, err := lookup(t, c, LookupRequest{IDs: ids(7)})
	require.NoError(t, err)
	back := res.Objects[7]
	assert.NotSame(t, orig, back)
	assert.True(t, snapshot.Equal(back), "got %v want %v", back, snapshot)
	assert.Equal(t, 1, db.loadCount(7))
	releaseAll(t, c, res, false)
}

func TestReachabilityScenario(t *testing.T) {
	db := newGatedDBMgr(true)
	c := newTestCache(t, db, nil)
	createAndRelease(t, c,
		NewManagedObject(5, nil, 6, 9),
		NewManagedObject(6, nil),
		NewManagedObject(9, nil))

	res, err := lookup(t, c, LookupRequest{IDs: ids(5), Reachable: 2})
	require.NoError(t, err)
	assert.Equal(t, ids(5, 6, 9), resultIDs(res))
	assert.Empty(t, res.Deferred)
	releaseAll(t, c, res, false)

	other, err := lookup(t, c, LookupRequest{IDs: ids(9)})
	require.NoError(t, err)
	res, err = lookup(t, c, LookupRequest{IDs: ids(5), Reachable: 2})
	require.NoError(t, err)
	assert.Equal(t, ids(5, 6), resultIDs(res))
	assert.Equal(t, ids(9), res.Deferred)
	releaseAll(t, c, res, false)
	releaseAll(t, c, other, false)
	assert.Zero(t, db.totalLoads())
}

func TestReachabilityNeverFaults(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxReachableObjects = 3
	db := newGatedDBMgr(true)
	c := newTestCache(t, db, cfg)
	for i := uint64(1); i <= 10; i++ {
		createAndRelease(t, c, NewManagedObject(common.ObjectID(i), nil, common.ObjectID(i+1), 100))
	}

	res, err := lookup(t, c, LookupRequest{IDs: ids(1), Reachable: 50})
	require.NoError(t, err)
	assert.Equal(t, ids(1, 2, 3, 4), resultIDs(res))
	assert.Contains(t, res.Deferred, common.ObjectID(100))
	assert.Zero(t, db.totalLoads())
	assert.Equal(t, RefStateRemoved, c.State(100))
	releaseAll(t, c, res, false)
}

func TestMissingObject(t *testing.T) {
	db := NewLocalBTreeDBMgr()
	seed(t, db, NewManagedObject(1, []byte("one")))
	c := newTestCache(t, db, nil)

	_, err := lookup(t, c, LookupRequest{IDs: ids(99)})
	require.ErrorIs(t, err, common.ErrMissingObject)
	assert.Equal(t, RefStateRemoved, c.State(99))

	_, err = lookup(t, c, LookupRequest{IDs: ids(1, 99)})
	require.ErrorIs(t, err, common.ErrMissingObject)

	res, err := lookup(t, c, LookupRequest{IDs: ids(1, 99), TolerateMissing: true})
	require.NoError(t, err)
	assert.Equal(t, ids(1), resultIDs(res))
	assert.Equal(t, ids(99), res.Missing)
	releaseAll(t, c, res, false)
	checkInvariants(t, c)
}

func TestMissingObjectIsNotFaultedAgain(t *testing.T) {
	db := newGatedDBMgr(true)
	seed(t, db.LocalBTreeDBMgr, NewManagedObject(1, []byte("one")))
	c := newTestCache(t, db, nil)

	held, err := lookup(t, c, LookupRequest{IDs: ids(1)})
	require.NoError(t, err)

	// both lookups wait on 1 while their other id resolves as not found.
	_, strict, err := c.Lookup(LookupRequest{IDs: ids(1, 99)})
	require.NoError(t, err)
	require.NotNil(t, strict)
	_, tolerant, err := c.Lookup(LookupRequest{IDs: ids(1, 98), TolerateMissing: true})
	require.NoError(t, err)
	require.NotNil(t, tolerant)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err = strict.Wait(ctx)
	require.ErrorIs(t, err, common.ErrMissingObject)
	require.Eventually(t, func() bool { return c.Stats().Faulting == 0 }, waitTimeout, time.Millisecond)
	assert.Equal(t, RefStateResidentReferenced, c.State(1))

	releaseAll(t, c, held, false)
	res, err := tolerant.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids(1), resultIDs(res))
	assert.Equal(t, ids(98), res.Missing)
	assert.Equal(t, 1, db.loadCount(99))
	assert.Equal(t, 1, db.loadCount(98))
	releaseAll(t, c, res, false)
	checkInvariants(t, c)
}

func TestReplayHonorsBackpressure(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxResidentObjects = 1
	cfg.MaxInFlightFaults = 1
	db := newGatedDBMgr(false)
	seed(t, db.LocalBTreeDBMgr, NewManagedObject(9, nil))
	c := newTestCache(t, db, cfg)
	defer db.open()

	createAndRelease(t, c, NewManagedObject(2, nil))
	held := NewManagedObject(5, nil)
	require.NoError(t, c.Create(held))
	_, p, err := c.Lookup(LookupRequest{IDs: ids(5, 2)})
	require.NoError(t, err)
	require.NotNil(t, p)

	// 2 is evicted while the lookup waits, 9 takes the only fault slot.
	createAndRelease(t, c, NewManagedObject(3, nil))
	require.Eventually(t, func() bool { return c.State(2) == RefStateRemoved }, waitTimeout, time.Millisecond)
	_, p9, err := c.Lookup(LookupRequest{IDs: ids(9)})
	require.NoError(t, err)
	require.NotNil(t, p9)

	require.NoError(t, c.Release(held, false))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, common.ErrBackpressure)
	assert.Zero(t, db.loadCount(2))

	db.open()
	res, err := p9.Wait(ctx)
	require.NoError(t, err)
	releaseAll(t, c, res, false)
	checkInvariants(t, c)
}

func TestFailedLookupDropsCreatedObjects(t *testing.T) {
	c := newTestCache(t, NewLocalBTreeDBMgr(), nil)
	_, err := lookup(t, c, LookupRequest{IDs: ids(99), NewIDs: ids(10)})
	require.ErrorIs(t, err, common.ErrMissingObject)
	assert.Equal(t, RefStateRemoved, c.State(10))
	assert.Zero(t, c.Stats().CheckedOut)
}

func TestLoadFailure(t *testing.T) {
	defer TestPointResetAll()
	db := NewLocalBTreeDBMgr()
	seed(t, db, NewManagedObject(1, nil))
	c := newTestCache(t, db, nil)

	TestPointEnable(TestPointFailDBFetch, 1)
	_, err := lookup(t, c, LookupRequest{IDs: ids(1)})
	require.ErrorIs(t, err, common.ErrDBLoadFailed)
	assert.Equal(t, RefStateRemoved, c.State(1))

	TestPointReset(TestPointFailDBFetch)
	res, err := lookup(t, c, LookupRequest{IDs: ids(1)})
	require.NoError(t, err)
	releaseAll(t, c, res, false)
}

func TestNewIDs(t *testing.T) {
	c := newTestCache(t, NewLocalBTreeDBMgr(), nil)
	res, p, err := c.Lookup(LookupRequest{NewIDs: ids(10, 11)})
	require.NoError(t, err)
	require.Nil(t, p)
	assert.Equal(t, ids(10, 11), resultIDs(res))
	for _, obj := range res.Objects {
		assert.True(t, obj.IsNew())
		assert.True(t, obj.IsDirty())
	}
	assert.Equal(t, RefStateNew, c.State(10))

	_, _, err = c.Lookup(LookupRequest{NewIDs: ids(10)})
	require.ErrorIs(t, err, common.ErrExists)

	releaseAll(t, c, res, false)
	assert.Equal(t, RefStateResidentUnreferenced, c.State(10))
}

func TestLookupValidation(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxLookupFanOut = 2
	cfg.MaxInFlightFaults = 1
	db := newGatedDBMgr(false)
	seed(t, db.LocalBTreeDBMgr, NewManagedObject(1, nil), NewManagedObject(2, nil))
	c := newTestCache(t, db, cfg)
	defer db.open()

	tests := []struct {
		name string
		req  LookupRequest
		err  error
	}{
		{"empty", LookupRequest{}, common.ErrInvalidParam},
		{"nil id", LookupRequest{IDs: ids(0)}, common.ErrInvalidParam},
		{"overlap", LookupRequest{IDs: ids(1), NewIDs: ids(1)}, common.ErrInvalidParam},
		{"negative budget", LookupRequest{IDs: ids(1), Reachable: -1}, common.ErrInvalidParam},
		{"fan out", LookupRequest{IDs: ids(1, 2, 3)}, common.ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.Lookup(tt.req)
			require.ErrorIs(t, err, tt.err)
		})
	}

	// duplicates collapse before the fan out check.
	_, p, err := c.Lookup(LookupRequest{IDs: ids(1, 1, 1)})
	require.NoError(t, err)
	require.NotNil(t, p)

	_, _, err = c.Lookup(LookupRequest{IDs: ids(2)})
	require.ErrorIs(t, err, common.ErrBackpressure)
}

func TestDoubleRelease(t *testing.T) {
	c := newTestCache(t, NewLocalBTreeDBMgr(), nil)
	obj := NewManagedObject(3, nil)
	require.NoError(t, c.Create(obj))
	require.ErrorIs(t, c.Create(NewManagedObject(3, nil)), common.ErrExists)
	require.NoError(t, c.Release(obj, false))
	require.ErrorIs(t, c.Release(obj, false), common.ErrInvariant)
	require.ErrorIs(t, c.Release(NewManagedObject(4, nil), false), common.ErrInvariant)
	checkInvariants(t, c)
}

// blockingSaveDBMgr holds Save calls until proceed is closed.
type blockingSaveDBMgr struct {
	*LocalBTreeDBMgr
	saving  chan struct{}
	proceed chan struct{}
}

func (b *blockingSaveDBMgr) Save(ctx context.Context, obj *ManagedObject) error {
	select {
	case b.saving <- struct{}{}:
	default:
	}
	<-b.proceed
	return b.LocalBTreeDBMgr.Save(ctx, obj)
}

func TestConcurrentParanoidRelease(t *testing.T) {
	cfg := newTestConfig()
	cfg.ParanoidFlush = true
	db := &blockingSaveDBMgr{LocalBTreeDBMgr: NewLocalBTreeDBMgr(),
		saving: make(chan struct{}, 1), proceed: make(chan struct{})}
	c := newTestCache(t, db, cfg)

	obj := NewManagedObject(1, []byte("v1"))
	require.NoError(t, c.Create(obj))
	first := make(chan error, 1)
	go func() { first <- c.Release(obj, true) }()
	select {
	case <-db.saving:
	case <-time.After(waitTimeout):
		t.Fatal("paranoid release did not write the object")
	}

	require.ErrorIs(t, c.Release(obj, true), common.ErrInvariant)
	assert.Equal(t, 1, c.Stats().CheckedOut)

	close(db.proceed)
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("paranoid release did not return")
	}
	assert.Equal(t, RefStateResidentUnreferenced, c.State(1))
	assert.Zero(t, c.Stats().CheckedOut)
	assert.False(t, obj.IsDirty())
	require.ErrorIs(t, c.Release(obj, true), common.ErrInvariant)
	checkInvariants(t, c)
}

func TestParanoidFlush(t *testing.T) {
	defer TestPointResetAll()
	cfg := newTestConfig()
	cfg.ParanoidFlush = true
	db := NewLocalBTreeDBMgr()
	c := newTestCache(t, db, cfg)

	obj := NewManagedObject(5, []byte("v1"))
	require.NoError(t, c.Create(obj))
	TestPointEnable(TestPointFailDBUpdate, 1)
	err := c.Release(obj, true)
	require.ErrorIs(t, err, common.ErrDBUpdateFailed)
	assert.True(t, obj.IsDirty())
	assert.Equal(t, RefStateResidentUnreferenced, c.State(5))
	assert.Zero(t, db.Len())

	TestPointReset(TestPointFailDBUpdate)
	res, err := lookup(t, c, LookupRequest{IDs: ids(5)})
	require.NoError(t, err)
	require.NoError(t, c.Release(res.Objects[5], true))
	assert.Equal(t, 1, db.Len())
	assert.False(t, obj.IsDirty())
}

func TestBatchedFlushFailure(t *testing.T) {
	defer TestPointResetAll()
	db := NewLocalBTreeDBMgr()
	failures := make(chan []common.ObjectID, 10)
	c, err := NewObjectCache(ObjectCacheCtx{
		DBMgr:  db,
		Config: newTestConfig(),
		OnFlushFailure: func(ids []common.ObjectID, err error) {
			failures <- ids
		},
	})
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	TestPointEnable(TestPointFailDBUpdate, 1)
	obj := NewManagedObject(6, []byte("v1"))
	require.NoError(t, c.Create(obj))
	require.NoError(t, c.Release(obj, true))

	select {
	case failed := <-failures:
		assert.Equal(t, ids(6), failed)
	case <-time.After(waitTimeout):
		t.Fatal("flush failure not observed")
	}
	TestPointReset(TestPointFailDBUpdate)
	assert.Equal(t, int64(1), c.Stats().FlushFailures)

	res, err := lookup(t, c, LookupRequest{IDs: ids(6)})
	require.NoError(t, err)
	assert.True(t, res.Objects[6].IsDirty())
	require.NoError(t, c.Release(res.Objects[6], true))
	require.Eventually(t, func() bool { return db.Len() == 1 }, waitTimeout, time.Millisecond)
}

func TestRemovalOnlyLookup(t *testing.T) {
	db := NewLocalBTreeDBMgr()
	seed(t, db, NewManagedObject(3, nil), NewManagedObject(4, nil))
	c := newTestCache(t, db, nil)

	res, err := lookup(t, c, LookupRequest{IDs: ids(3), RemoveOnRelease: true})
	require.NoError(t, err)
	releaseAll(t, c, res, false)
	assert.Equal(t, RefStateRemoved, c.State(3))
}

func TestRegularLookupDowngradesRemovalOnlyFault(t *testing.T) {
	db := newGatedDBMgr(false)
	seed(t, db.LocalBTreeDBMgr, NewManagedObject(4, nil))
	c := newTestCache(t, db, nil)

	_, scan, err := c.Lookup(LookupRequest{IDs: ids(4), RemoveOnRelease: true})
	require.NoError(t, err)
	_, regular, err := c.Lookup(LookupRequest{IDs: ids(4)})
	require.NoError(t, err)
	db.open()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := scan.Wait(ctx)
	require.NoError(t, err)
	releaseAll(t, c, res, false)

	res, err = regular.Wait(ctx)
	require.NoError(t, err)
	releaseAll(t, c, res, false)
	assert.Equal(t, RefStateResidentUnreferenced, c.State(4))
	assert.Equal(t, 1, db.loadCount(4))
	checkInvariants(t, c)
}

func TestSweepWritesBehind(t *testing.T) {
	cfg := newTestConfig()
	cfg.FlushInterval = time.Hour
	cfg.MaxFlushBatch = 2
	db := NewLocalBTreeDBMgr()
	c := newTestCache(t, db, cfg)
	createAndRelease(t, c, NewManagedObject(1, nil), NewManagedObject(2, nil), NewManagedObject(3, nil))
	assert.Zero(t, db.Len())

	c.Sweep()
	require.Eventually(t, func() bool {
		return db.Len() >= 2 && c.Stats().FlushBatches > 0
	}, waitTimeout, time.Millisecond)
}

type panickingStats struct{}

func (panickingStats) CacheHit()      { panic("hit") }
func (panickingStats) CacheMiss()     { panic("miss") }
func (panickingStats) ObjectCreated() { panic("created") }

func TestPanickingStatsSink(t *testing.T) {
	db := NewLocalBTreeDBMgr()
	seed(t, db, NewManagedObject(1, nil))
	c, err := NewObjectCache(ObjectCacheCtx{DBMgr: db, Config: newTestConfig(), Stats: panickingStats{}})
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	require.NoError(t, c.Create(NewManagedObject(2, nil)))
	res, err := lookup(t, c, LookupRequest{IDs: ids(1)})
	require.NoError(t, err)
	releaseAll(t, c, res, false)
}

func TestShutdown(t *testing.T) {
	db := NewLocalBTreeDBMgr()
	c, err := NewObjectCache(ObjectCacheCtx{DBMgr: db, Config: newTestConfig()})
	require.NoError(t, err)

	obj := NewManagedObject(1, []byte("dirty"))
	require.NoError(t, c.Create(obj))
	_, p, err := c.Lookup(LookupRequest{IDs: ids(1)})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NoError(t, c.Shutdown(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, common.ErrShutdown)

	_, _, err = c.Lookup(LookupRequest{IDs: ids(1)})
	require.ErrorIs(t, err, common.ErrShutdown)
	require.ErrorIs(t, c.Release(obj, true), common.ErrShutdown)
	require.ErrorIs(t, c.Create(NewManagedObject(2, nil)), common.ErrShutdown)
	require.ErrorIs(t, c.Shutdown(context.Background()), common.ErrShutdown)

	stored, err := db.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("dirty"), stored.State)
}
