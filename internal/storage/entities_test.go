package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/folio/internal/apperr"
	"github.com/kalambet/folio/internal/entities"
)

func createTestEntity(t *testing.T, s *Store, id, name string, typ entities.Type, ticker string) entities.Entity {
	t.Helper()
	now := time.Now().UTC()
	e, err := s.CreateEntity(context.Background(), entities.Entity{
		ID: id, Name: name, Slug: entities.Slugify(name, typ), Type: typ, Ticker: ticker,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	return e
}

func score(v float64) *float64 { return &v }

func TestEntityLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestEntity(t, s, "e1", "Apple Inc", entities.TypeCompany, "AAPL")

	byTicker, err := s.FindEntityByTicker(ctx, "aapl")
	if err != nil || byTicker == nil || byTicker.ID != "e1" {
		t.Fatalf("FindEntityByTicker = %+v, %v", byTicker, err)
	}
	byName, err := s.FindEntityByName(ctx, "  APPLE   inc", entities.TypeCompany)
	if err != nil || byName == nil || byName.ID != "e1" {
		t.Fatalf("FindEntityByName = %+v, %v", byName, err)
	}
	wrongType, err := s.FindEntityByName(ctx, "Apple Inc", entities.TypeAsset)
	if err != nil || wrongType != nil {
		t.Fatalf("FindEntityByName other type = %+v, %v", wrongType, err)
	}
	missing, err := s.GetEntity(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("GetEntity missing = %+v, %v", missing, err)
	}
}

func TestCreateEntity_UniqueConstraints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestEntity(t, s, "e1", "Apple Inc", entities.TypeCompany, "AAPL")

	now := time.Now()
	dupSlug := entities.Entity{ID: "e2", Name: "apple inc", Slug: entities.Slugify("apple inc", entities.TypeCompany), Type: entities.TypeCompany, CreatedAt: now, UpdatedAt: now}
	_, err := s.CreateEntity(ctx, dupSlug)
	if !apperr.IsCode(err, apperr.ConflictRetryable) || !errors.Is(err, ErrDuplicate) {
		t.Errorf("slug collision err = %v, want conflict_retryable", err)
	}

	dupTicker := entities.Entity{ID: "e3", Name: "Apple Two", Slug: "apple-two--company", Type: entities.TypeCompany, Ticker: "AAPL", CreatedAt: now, UpdatedAt: now}
	if _, err := s.CreateEntity(ctx, dupTicker); !apperr.IsCode(err, apperr.ConflictRetryable) {
		t.Errorf("ticker collision err = %v, want conflict_retryable", err)
	}

	// Entities without a ticker never collide on it.
	createTestEntity(t, s, "e4", "Jane Doe", entities.TypePerson, "")
	createTestEntity(t, s, "e5", "John Roe", entities.TypePerson, "")
}

func TestRecordMention_FoldsAverages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestEntity(t, s, "e1", "Apple Inc", entities.TypeCompany, "AAPL")

	mentions := []entities.Mention{
		{ID: "m1", EntityID: "e1", SourceKind: entities.SourceRevision, SourceID: "r1", Sentiment: score(0.5), Relevance: score(0.8)},
		{ID: "m2", EntityID: "e1", SourceKind: entities.SourceRevision, SourceID: "r1", Sentiment: score(-0.5)},
		{ID: "m3", EntityID: "e1", SourceKind: entities.SourceRevision, SourceID: "r2"},
	}
	for i, m := range mentions {
		m.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if _, err := s.RecordMention(ctx, m); err != nil {
			t.Fatalf("RecordMention %s: %v", m.ID, err)
		}
	}

	e, err := s.GetEntity(ctx, "e1")
	if err != nil || e == nil {
		t.Fatalf("GetEntity: %+v, %v", e, err)
	}
	if e.MentionCount != 3 {
		t.Errorf("MentionCount = %d, want 3", e.MentionCount)
	}
	if e.AvgSentiment != 0 || e.SentimentSamples != 2 {
		t.Errorf("sentiment = %v over %d samples, want 0 over 2", e.AvgSentiment, e.SentimentSamples)
	}
	if e.AvgRelevance != 0.8 || e.RelevanceSamples != 1 {
		t.Errorf("relevance = %v over %d samples, want 0.8 over 1", e.AvgRelevance, e.RelevanceSamples)
	}

	bySource, err := s.ListMentionsBySource(ctx, entities.SourceRevision, "r1")
	if err != nil {
		t.Fatalf("ListMentionsBySource: %v", err)
	}
	if len(bySource) != 2 || bySource[0].ID != "m1" || bySource[1].ID != "m2" {
		t.Fatalf("mentions = %+v", bySource)
	}
	if bySource[0].Ticker != "AAPL" || bySource[0].Name != "Apple Inc" {
		t.Errorf("mention entity fields not filled: %+v", bySource[0])
	}
	if bySource[1].Relevance != nil {
		t.Errorf("null relevance should stay nil, got %v", *bySource[1].Relevance)
	}
}

func TestRecordMention_UnknownEntity(t *testing.T) {
	s := openTestStore(t)
	_, err := s.RecordMention(context.Background(), entities.Mention{ID: "m", EntityID: "ghost", SourceKind: entities.SourceMessage, SourceID: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordMentions_AllOrNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestEntity(t, s, "e1", "Nvidia", entities.TypeCompany, "NVDA")
	now := time.Now().UTC()

	batch := []entities.Mention{
		{ID: "m1", EntityID: "e1", SourceKind: entities.SourceRevision, SourceID: "r1", Sentiment: score(0.6), CreatedAt: now},
		{ID: "m2", EntityID: "ghost", SourceKind: entities.SourceRevision, SourceID: "r1", CreatedAt: now},
		{ID: "m3", EntityID: "e1", SourceKind: entities.SourceRevision, SourceID: "r1", CreatedAt: now},
	}
	if _, err := s.RecordMentions(ctx, batch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	got, err := s.ListMentionsBySource(ctx, entities.SourceRevision, "r1")
	if err != nil {
		t.Fatalf("ListMentionsBySource: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("mentions after failed batch = %d, want 0", len(got))
	}
	e, _ := s.GetEntity(ctx, "e1")
	if e.MentionCount != 0 || e.SentimentSamples != 0 {
		t.Errorf("entity folded a rolled-back mention: %+v", e)
	}

	batch[1].EntityID = "e1"
	out, err := s.RecordMentions(ctx, batch)
	if err != nil {
		t.Fatalf("RecordMentions: %v", err)
	}
	if len(out) != 3 || out[1].Ticker != "NVDA" {
		t.Errorf("recorded = %+v", out)
	}
	e, _ = s.GetEntity(ctx, "e1")
	if e.MentionCount != 3 || e.AvgSentiment != 0.6 {
		t.Errorf("entity = %+v, want 3 mentions averaging 0.6", e)
	}
}

func TestListTopEntities_Order(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestEntity(t, s, "a", "A", entities.TypeCompany, "")
	createTestEntity(t, s, "b", "B", entities.TypeCompany, "")
	createTestEntity(t, s, "c", "C", entities.TypeCompany, "")
	_, err := s.db.Exec(`UPDATE entities SET avg_relevance = CASE id WHEN 'a' THEN 0.9 WHEN 'b' THEN 0.9 ELSE 0.95 END,
		mention_count = CASE id WHEN 'a' THEN 3 WHEN 'b' THEN 5 ELSE 1 END`)
	if err != nil {
		t.Fatalf("seeding scores: %v", err)
	}

	top, err := s.ListTopEntities(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListTopEntities: %v", err)
	}
	var ids []string
	for _, e := range top {
		ids = append(ids, e.ID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "b" || ids[2] != "a" {
		t.Errorf("order = %v, want [c b a]", ids)
	}

	people, err := s.ListTopEntities(ctx, entities.TypePerson, 10)
	if err != nil {
		t.Fatalf("ListTopEntities: %v", err)
	}
	if len(people) != 0 {
		t.Errorf("people = %d, want 0", len(people))
	}
}
