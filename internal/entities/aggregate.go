package entities

import (
	"cmp"
	"slices"
)

// Aggregated is the merged view of every mention of one entity.
type Aggregated struct {
	Key              Key
	Name             string
	Type             Type
	Ticker           string
	MentionCount     int
	AvgSentiment     float64
	AvgRelevance     float64
	SentimentSamples int
	RelevanceSamples int
	// FirstSeen is the index of the first mention of this entity in the input.
	FirstSeen int
}

// Rejection records a mention that Merge dropped.
type Rejection struct {
	Index   int
	Mention Mention
	Err     error
}

// RunningAverage folds v into an average of n samples.
func RunningAverage(avg float64, n int, v float64) float64 {
	return (avg*float64(n) + v) / float64(n+1)
}

// Merge groups mentions by entity identity and folds their scores in the
// order given. Invalid mentions are returned as rejections and do not abort
// the batch. The result is in first-seen order; use Rank for presentation.
func Merge(mentions []Mention) ([]Aggregated, []Rejection) {
	var (
		out      []Aggregated
		rejected []Rejection
		index    = make(map[string]int)
	)
	for i, m := range mentions {
		key, err := KeyOf(m)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Mention: m, Err: err})
			continue
		}
		id := key.String()
		pos, ok := index[id]
		if !ok {
			pos = len(out)
			index[id] = pos
			out = append(out, Aggregated{
				Key:       key,
				Name:      key.DisplayName(),
				Type:      key.Type,
				Ticker:    key.Ticker,
				FirstSeen: i,
			})
		}
		agg := &out[pos]
		if agg.Ticker == "" && key.Ticker != "" {
			agg.Ticker = key.Ticker
		}
		agg.fold(m)
	}
	return out, rejected
}

func (a *Aggregated) fold(m Mention) {
	a.MentionCount++
	if m.Sentiment != nil {
		a.AvgSentiment = RunningAverage(a.AvgSentiment, a.SentimentSamples, *m.Sentiment)
		a.SentimentSamples++
	}
	if m.Relevance != nil {
		a.AvgRelevance = RunningAverage(a.AvgRelevance, a.RelevanceSamples, *m.Relevance)
		a.RelevanceSamples++
	}
}

// Rank sorts aggregates by descending relevance, then descending mention
// count, then first-seen order.
func Rank(aggs []Aggregated) {
	slices.SortStableFunc(aggs, func(a, b Aggregated) int {
		if c := cmp.Compare(b.AvgRelevance, a.AvgRelevance); c != 0 {
			return c
		}
		if c := cmp.Compare(b.MentionCount, a.MentionCount); c != 0 {
			return c
		}
		return cmp.Compare(a.FirstSeen, b.FirstSeen)
	})
}

// RankEntities orders stored entities with the same rules as Rank. Creation
// order stands in for first-seen order.
func RankEntities(list []Entity) {
	slices.SortStableFunc(list, func(a, b Entity) int {
		if c := cmp.Compare(b.AvgRelevance, a.AvgRelevance); c != 0 {
			return c
		}
		if c := cmp.Compare(b.MentionCount, a.MentionCount); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
