package entities

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/folio/internal/apperr"
)

// Repository is the persistence collaborator for entities. Lookups return
// (nil, nil) when nothing matches. CreateEntity must enforce uniqueness of
// slug and ticker and report a violation as ConflictRetryable.
type Repository interface {
	GetEntity(ctx context.Context, id string) (*Entity, error)
	FindEntityByTicker(ctx context.Context, ticker string) (*Entity, error)
	FindEntityByName(ctx context.Context, name string, t Type) (*Entity, error)
	CreateEntity(ctx context.Context, e Entity) (Entity, error)
}

// Resolver turns mention keys into stored entities. Matching is exact:
// ticker first, otherwise case-insensitive name within the type.
type Resolver struct {
	repo  Repository
	group singleflight.Group
	now   func() time.Time
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// Resolve returns the entity for key, creating it when no match exists.
// A uniqueness conflict on create means another writer won the race: the
// entity is re-fetched and creation retried once before the conflict is
// surfaced. Concurrent calls for the same key share one resolution.
func (r *Resolver) Resolve(ctx context.Context, key Key) (Entity, error) {
	if key.EntityID != "" {
		e, err := r.repo.GetEntity(ctx, key.EntityID)
		if err != nil {
			return Entity{}, fmt.Errorf("getting entity %s: %w", key.EntityID, err)
		}
		if e == nil {
			return Entity{}, apperr.New(apperr.NotFound, "Resolve", "entity "+key.EntityID+" does not exist")
		}
		return *e, nil
	}

	// The shared resolution outlives any single caller; each caller stops
	// waiting when its own context ends.
	ch := r.group.DoChan(key.String(), func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		return Entity{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entity{}, res.Err
		}
		return res.Val.(Entity), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, key Key) (Entity, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if e, err := r.lookup(ctx, key, attempt > 0); err != nil {
			return Entity{}, err
		} else if e != nil {
			return *e, nil
		}

		created, err := r.repo.CreateEntity(ctx, r.newEntity(key))
		if err == nil {
			return created, nil
		}
		if !apperr.IsCode(err, apperr.ConflictRetryable) {
			return Entity{}, fmt.Errorf("creating entity %s: %w", key, err)
		}
		slog.Debug("entity create conflict, re-fetching", "key", key.String(), "attempt", attempt+1)
		lastErr = err
	}
	return Entity{}, lastErr
}

// lookup finds an existing entity for key. After a conflict a ticker key
// also falls back to the name match, since the slug may be what collided.
func (r *Resolver) lookup(ctx context.Context, key Key, afterConflict bool) (*Entity, error) {
	if key.Ticker != "" {
		e, err := r.repo.FindEntityByTicker(ctx, key.Ticker)
		if err != nil || e != nil || !afterConflict {
			return e, wrapLookup(err, key)
		}
	}
	e, err := r.repo.FindEntityByName(ctx, key.DisplayName(), key.Type)
	return e, wrapLookup(err, key)
}

func wrapLookup(err error, key Key) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("looking up entity %s: %w", key, err)
}

func (r *Resolver) newEntity(key Key) Entity {
	now := r.now().UTC()
	name := key.DisplayName()
	return Entity{
		ID:        uuid.New().String(),
		Name:      name,
		Slug:      Slugify(name, key.Type),
		Type:      key.Type,
		Ticker:    key.Ticker,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
