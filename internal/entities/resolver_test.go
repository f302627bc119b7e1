package entities

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/folio/internal/apperr"
)

// memRepo is an in-memory Repository. conflicts makes the next N creates
// fail as if another writer inserted the entity first.
type memRepo struct {
	mu        sync.Mutex
	byID      map[string]Entity
	conflicts int
	// raced is inserted when a forced conflict fires, simulating the winner.
	raced   *Entity
	creates int
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[string]Entity)}
}

func (m *memRepo) GetEntity(_ context.Context, id string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func (m *memRepo) FindEntityByTicker(_ context.Context, ticker string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.Ticker != "" && e.Ticker == ticker {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memRepo) FindEntityByName(_ context.Context, name string, t Type) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.Type == t && strings.EqualFold(e.Name, name) {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memRepo) CreateEntity(_ context.Context, e Entity) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.conflicts > 0 {
		m.conflicts--
		if m.raced != nil {
			m.byID[m.raced.ID] = *m.raced
			m.raced = nil
		}
		return Entity{}, apperr.New(apperr.ConflictRetryable, "CreateEntity", "unique constraint")
	}
	for _, other := range m.byID {
		if other.Slug == e.Slug || (e.Ticker != "" && other.Ticker == e.Ticker) {
			return Entity{}, apperr.New(apperr.ConflictRetryable, "CreateEntity", "unique constraint")
		}
	}
	m.byID[e.ID] = e
	return e, nil
}

func TestResolve_CreatesThenMatches(t *testing.T) {
	repo := newMemRepo()
	r := NewResolver(repo)
	ctx := context.Background()

	created, err := r.Resolve(ctx, Key{Name: "Apple Inc", Type: TypeCompany})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if created.Slug != "apple-inc--company" {
		t.Errorf("Slug = %q", created.Slug)
	}

	again, err := r.Resolve(ctx, Key{Name: "APPLE INC", Type: TypeCompany})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if again.ID != created.ID {
		t.Error("case-insensitive name match should resolve to the same entity")
	}

	other, err := r.Resolve(ctx, Key{Name: "Apple Inc", Type: TypeAsset})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if other.ID == created.ID {
		t.Error("same name with a different type must be a different entity")
	}
}

func TestResolve_TickerExactMatch(t *testing.T) {
	repo := newMemRepo()
	repo.byID["e1"] = Entity{ID: "e1", Name: "Apple", Slug: "apple--company", Type: TypeCompany, Ticker: "AAPL"}
	r := NewResolver(repo)

	e, err := r.Resolve(context.Background(), Key{Ticker: "AAPL", Name: "Apple Computer", Type: TypeCompany})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.ID != "e1" {
		t.Errorf("ID = %s, want e1", e.ID)
	}
}

func TestResolve_ConflictRefetches(t *testing.T) {
	repo := newMemRepo()
	repo.conflicts = 1
	repo.raced = &Entity{ID: "winner", Name: "Nvidia", Slug: "nvidia--company", Type: TypeCompany, Ticker: "NVDA"}
	r := NewResolver(repo)

	e, err := r.Resolve(context.Background(), Key{Ticker: "NVDA", Name: "Nvidia", Type: TypeCompany})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.ID != "winner" {
		t.Errorf("ID = %s, want the concurrently created entity", e.ID)
	}
	if repo.creates != 1 {
		t.Errorf("creates = %d, want 1", repo.creates)
	}
}

func TestResolve_SecondConflictSurfaces(t *testing.T) {
	repo := newMemRepo()
	repo.conflicts = 5
	r := NewResolver(repo)

	_, err := r.Resolve(context.Background(), Key{Name: "Ghost", Type: TypeOther})
	if !apperr.IsCode(err, apperr.ConflictRetryable) {
		t.Fatalf("err = %v, want conflict_retryable", err)
	}
	if repo.creates != 2 {
		t.Errorf("creates = %d, want exactly 2 (one retry)", repo.creates)
	}
}

func TestResolve_UnknownID(t *testing.T) {
	r := NewResolver(newMemRepo())
	_, err := r.Resolve(context.Background(), Key{EntityID: "missing"})
	if !apperr.IsCode(err, apperr.NotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestResolve_ConcurrentSameKey(t *testing.T) {
	repo := newMemRepo()
	r := NewResolver(repo)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := r.Resolve(context.Background(), Key{Name: "Tesla", Type: TypeCompany})
			ids[i], errs[i] = e.ID, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("goroutine %d resolved %s, want %s", i, ids[i], ids[0])
		}
	}
	if len(repo.byID) != 1 {
		t.Errorf("stored entities = %d, want 1", len(repo.byID))
	}
}

// gatedRepo blocks name lookups until release is closed, honoring the
// caller's context while it waits.
type gatedRepo struct {
	*memRepo
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) FindEntityByName(ctx context.Context, name string, t Type) (*Entity, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.memRepo.FindEntityByName(ctx, name, t)
}

func TestResolve_CancelledCallerDoesNotFailOthers(t *testing.T) {
	repo := &gatedRepo{memRepo: newMemRepo(), entered: make(chan struct{}), release: make(chan struct{})}
	r := NewResolver(repo)
	key := Key{Name: "Tesla", Type: TypeCompany}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, key)
		errA <- err
	}()
	<-repo.entered

	type result struct {
		e   Entity
		err error
	}
	resB := make(chan result, 1)
	go func() {
		e, err := r.Resolve(context.Background(), key)
		resB <- result{e, err}
	}()
	// Give the second caller time to join the in-flight resolution.
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", err)
	}

	close(repo.release)
	select {
	case got := <-resB:
		if got.err != nil {
			t.Fatalf("live caller err = %v", got.err)
		}
		if got.e.Name != "Tesla" {
			t.Errorf("Name = %q, want Tesla", got.e.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("live caller did not return")
	}
}
