package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/folio/internal/apperr"
	"github.com/kalambet/folio/internal/entities"
)

// --- Entities ---

const entityColumns = `id, name, slug, type, ticker, mention_count, avg_sentiment, avg_relevance, sentiment_samples, relevance_samples, created_at, updated_at`

func scanEntity(row rowScanner) (entities.Entity, error) {
	var (
		e                    entities.Entity
		typ                  string
		ticker               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Slug, &typ, &ticker, &e.MentionCount, &e.AvgSentiment, &e.AvgRelevance,
		&e.SentimentSamples, &e.RelevanceSamples, &createdAt, &updatedAt); err != nil {
		return entities.Entity{}, err
	}
	e.Type = entities.Type(typ)
	e.Ticker = ticker.String
	var err error
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return entities.Entity{}, err
	}
	if e.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return entities.Entity{}, err
	}
	return e, nil
}

func (s *Store) findEntity(ctx context.Context, query string, args ...any) (*entities.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntity returns (nil, nil) when no entity has the id.
func (s *Store) GetEntity(ctx context.Context, id string) (*entities.Entity, error) {
	return s.findEntity(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
}

func (s *Store) FindEntityByTicker(ctx context.Context, ticker string) (*entities.Entity, error) {
	return s.findEntity(ctx, `SELECT `+entityColumns+` FROM entities WHERE ticker = ?`, entities.NormalizeTicker(ticker))
}

// FindEntityByName matches the normalized name exactly within a type.
func (s *Store) FindEntityByName(ctx context.Context, name string, t entities.Type) (*entities.Entity, error) {
	return s.findEntity(ctx, `SELECT `+entityColumns+` FROM entities WHERE name_norm = ? AND type = ?`, entities.NormalizeName(name), string(t))
}

// CreateEntity inserts e. A slug or ticker collision is reported as
// ConflictRetryable wrapping ErrDuplicate.
func (s *Store) CreateEntity(ctx context.Context, e entities.Entity) (entities.Entity, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, name_norm, slug, type, ticker, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, entities.NormalizeName(e.Name), e.Slug, string(e.Type), nullString(e.Ticker),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return entities.Entity{}, apperr.Wrap(apperr.ConflictRetryable, "CreateEntity", ErrDuplicate)
	}
	if err != nil {
		return entities.Entity{}, fmt.Errorf("inserting entity: %w", err)
	}
	e.MentionCount, e.AvgSentiment, e.AvgRelevance, e.SentimentSamples, e.RelevanceSamples = 0, 0, 0, 0, 0
	return e, nil
}

// RecordMention stores m and folds its scores into the entity's running
// averages.
func (s *Store) RecordMention(ctx context.Context, m entities.Mention) (entities.Mention, error) {
	out, err := s.RecordMentions(ctx, []entities.Mention{m})
	if err != nil {
		return entities.Mention{}, err
	}
	return out[0], nil
}

// RecordMentions stores every mention of a batch in one transaction, folding
// scores in slice order. Either all mentions land or none do.
func (s *Store) RecordMentions(ctx context.Context, ms []entities.Mention) ([]entities.Mention, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning mention transaction: %w", err)
	}
	defer tx.Rollback()

	out := make([]entities.Mention, len(ms))
	for i, m := range ms {
		if out[i], err = recordMention(ctx, tx, m); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing mentions: %w", err)
	}
	return out, nil
}

func recordMention(ctx context.Context, tx *sql.Tx, m entities.Mention) (entities.Mention, error) {
	e, err := scanEntity(tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, m.EntityID))
	if errors.Is(err, sql.ErrNoRows) {
		return entities.Mention{}, ErrNotFound
	}
	if err != nil {
		return entities.Mention{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_mentions (id, entity_id, source_kind, source_id, sentiment, relevance, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EntityID, string(m.SourceKind), m.SourceID, nullFloat(m.Sentiment), nullFloat(m.Relevance),
		m.Context, formatTime(m.CreatedAt),
	); err != nil {
		return entities.Mention{}, fmt.Errorf("inserting mention: %w", err)
	}

	e.MentionCount++
	if m.Sentiment != nil {
		e.AvgSentiment = entities.RunningAverage(e.AvgSentiment, e.SentimentSamples, *m.Sentiment)
		e.SentimentSamples++
	}
	if m.Relevance != nil {
		e.AvgRelevance = entities.RunningAverage(e.AvgRelevance, e.RelevanceSamples, *m.Relevance)
		e.RelevanceSamples++
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET mention_count = ?, avg_sentiment = ?, avg_relevance = ?,
			sentiment_samples = ?, relevance_samples = ?, updated_at = ?
		WHERE id = ?`,
		e.MentionCount, e.AvgSentiment, e.AvgRelevance, e.SentimentSamples, e.RelevanceSamples,
		formatTime(m.CreatedAt), e.ID,
	); err != nil {
		return entities.Mention{}, fmt.Errorf("updating entity averages: %w", err)
	}

	m.Name, m.Type, m.Ticker = e.Name, e.Type, e.Ticker
	return m, nil
}

// ListTopEntities returns entities ordered by relevance, mention count and
// creation time.
func (s *Store) ListTopEntities(ctx context.Context, t entities.Type, limit int) ([]entities.Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE ? = '' OR type = ?
		ORDER BY avg_relevance DESC, mention_count DESC, created_at ASC, rowid ASC
		LIMIT ?`, string(t), string(t), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entities.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListMentionsBySource returns the mentions found in one source text in
// recording order, with entity name, type and ticker filled in.
func (s *Store) ListMentionsBySource(ctx context.Context, kind entities.SourceKind, sourceID string) ([]entities.Mention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.entity_id, e.name, e.type, e.ticker, m.source_kind, m.source_id,
			m.sentiment, m.relevance, m.context, m.created_at
		FROM entity_mentions m JOIN entities e ON e.id = m.entity_id
		WHERE m.source_kind = ? AND m.source_id = ?
		ORDER BY m.created_at ASC, m.rowid ASC`, string(kind), sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entities.Mention
	for rows.Next() {
		var (
			m                   entities.Mention
			typ, srcKind, ts    string
			ticker              sql.NullString
			sentiment, relevant sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.EntityID, &m.Name, &typ, &ticker, &srcKind, &m.SourceID,
			&sentiment, &relevant, &m.Context, &ts); err != nil {
			return nil, err
		}
		m.Type = entities.Type(typ)
		m.Ticker = ticker.String
		m.SourceKind = entities.SourceKind(srcKind)
		m.Sentiment = floatPtr(sentiment)
		m.Relevance = floatPtr(relevant)
		if m.CreatedAt, err = parseTime("created_at", ts); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
