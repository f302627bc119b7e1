package entities

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/folio/internal/apperr"
)

type Type string

const (
	TypeCompany Type = "company"
	TypeAsset   Type = "asset"
	TypePerson  Type = "person"
	TypeSector  Type = "sector"
	TypeOther   Type = "other"
)

func (t Type) Valid() bool {
	switch t {
	case TypeCompany, TypeAsset, TypePerson, TypeSector, TypeOther:
		return true
	}
	return false
}

// ParseType maps free text from extraction output to a Type. Unknown values
// become TypeOther.
func ParseType(s string) Type {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return TypeOther
}

// SourceKind says what kind of text a mention was found in.
type SourceKind string

const (
	SourceRevision SourceKind = "revision"
	SourceMessage  SourceKind = "message"
)

// Entity is a deduplicated real-world subject.
type Entity struct {
	ID           string
	Name         string
	Slug         string
	Type         Type
	Ticker       string
	MentionCount int
	AvgSentiment float64
	AvgRelevance float64
	// Sample counts for the two averages. Mentions without a value do not
	// contribute a sample.
	SentimentSamples int
	RelevanceSamples int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Mention is one occurrence of an entity inside a piece of source text.
// Mentions are immutable once recorded.
type Mention struct {
	ID         string
	EntityID   string
	Name       string
	Type       Type
	Ticker     string
	SourceKind SourceKind
	SourceID   string
	Sentiment  *float64
	Relevance  *float64
	Context    string
	CreatedAt  time.Time
}

// NormalizeName lowercases name and collapses internal whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// NormalizeTicker upper-cases and trims a ticker symbol, dropping a leading '$'.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(ticker), "$"))
}

// Slugify derives the unique slug for a (name, type) pair.
func Slugify(name string, t Type) string {
	var b strings.Builder
	dash := false
	for _, r := range NormalizeName(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	base := strings.TrimSuffix(b.String(), "-")
	if base == "" {
		base = "unnamed"
	}
	return base + "--" + string(t)
}

// Key identifies the entity a mention refers to.
type Key struct {
	EntityID string
	Ticker   string
	Name     string
	Type     Type
}

// String is the grouping identity: entity id when resolved, then ticker,
// then normalized name and type.
func (k Key) String() string {
	switch {
	case k.EntityID != "":
		return "id:" + k.EntityID
	case k.Ticker != "":
		return "ticker:" + k.Ticker
	default:
		return fmt.Sprintf("name:%s|%s", NormalizeName(k.Name), k.Type)
	}
}

// DisplayName is the name an entity created from this key gets.
func (k Key) DisplayName() string {
	if n := strings.Join(strings.Fields(k.Name), " "); n != "" {
		return n
	}
	return k.Ticker
}

// KeyOf validates m and returns its identity. It fails with InvalidMention
// when m has neither a resolvable identity nor a name and type to create one,
// or when a score is out of range.
func KeyOf(m Mention) (Key, error) {
	if m.Sentiment != nil && (math.IsNaN(*m.Sentiment) || *m.Sentiment < -1 || *m.Sentiment > 1) {
		return Key{}, apperr.New(apperr.InvalidMention, "KeyOf", fmt.Sprintf("sentiment %v outside [-1,1]", *m.Sentiment))
	}
	if m.Relevance != nil && (math.IsNaN(*m.Relevance) || *m.Relevance < 0 || *m.Relevance > 1) {
		return Key{}, apperr.New(apperr.InvalidMention, "KeyOf", fmt.Sprintf("relevance %v outside [0,1]", *m.Relevance))
	}

	k := Key{
		EntityID: strings.TrimSpace(m.EntityID),
		Ticker:   NormalizeTicker(m.Ticker),
		Name:     strings.TrimSpace(m.Name),
		Type:     m.Type,
	}
	if k.EntityID != "" || k.Ticker != "" {
		if k.Type == "" {
			k.Type = TypeOther
		}
		if !k.Type.Valid() {
			return Key{}, apperr.New(apperr.InvalidMention, "KeyOf", fmt.Sprintf("unknown entity type %q", m.Type))
		}
		return k, nil
	}
	if k.Name == "" {
		return Key{}, apperr.New(apperr.InvalidMention, "KeyOf", "mention has no entity id, ticker or name")
	}
	if !k.Type.Valid() {
		return Key{}, apperr.New(apperr.InvalidMention, "KeyOf", fmt.Sprintf("unknown entity type %q", m.Type))
	}
	return k, nil
}
