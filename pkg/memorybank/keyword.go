package memorybank

import (
	"sort"
	"strings"
)

// stopwords excluded from keyword matching and topic extraction.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "did": {}, "do": {}, "does": {}, "for": {},
	"from": {}, "had": {}, "has": {}, "have": {}, "he": {}, "her": {},
	"his": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {}, "me": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "our": {}, "she": {}, "so": {},
	"that": {}, "the": {}, "their": {}, "them": {}, "they": {}, "this": {},
	"to": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {},
	"you": {}, "your": {},
}

// keywords lower-cases text, splits it on non-alphanumeric runes, and
// drops stopwords and single-character tokens.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// keywordScore returns the fraction of query keywords present in the
// record's content or topics. Zero means no overlap; 1 means every query
// keyword matched. This is the basic ranking used by the non-vector
// backends; semantic ranking quality is the backend's concern, not the
// policy layer's.
func keywordScore(rec *Record, query string) float64 {
	qwords := keywords(query)
	if len(qwords) == 0 {
		return 0
	}

	indexed := make(map[string]struct{})
	for _, w := range keywords(rec.Content) {
		indexed[w] = struct{}{}
	}
	for _, topic := range rec.Topics {
		for _, w := range keywords(topic) {
			indexed[w] = struct{}{}
		}
	}

	matched := 0
	for _, w := range qwords {
		if _, ok := indexed[w]; ok {
			matched++
		}
	}

	return float64(matched) / float64(len(qwords))
}

// recencyFloorScore marks records surfaced by recency rather than keyword
// overlap. Kept above zero so callers can still distinguish "no memory"
// from "no strong match".
const recencyFloorScore = 0.01

// rankRecords scores candidates against the query and returns the topK
// best matches. When no candidate overlaps the query at all ("what did we
// discuss before?"), it falls back to the user's most recent records so an
// eager lookup still surfaces past context.
func rankRecords(candidates []Record, query string, topK int) []ScoredRecord {
	scored := make([]ScoredRecord, 0, len(candidates))
	for _, rec := range candidates {
		score := keywordScore(&rec, query)
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredRecord{Record: rec, Score: score})
	}

	if len(scored) == 0 {
		return recentRecords(candidates, topK)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}

// recentRecords returns the topK newest candidates with a floor score.
func recentRecords(candidates []Record, topK int) []ScoredRecord {
	recent := append([]Record(nil), candidates...)
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].CreatedAt.After(recent[j].CreatedAt)
	})

	if topK < len(recent) {
		recent = recent[:topK]
	}

	scored := make([]ScoredRecord, 0, len(recent))
	for _, rec := range recent {
		scored = append(scored, ScoredRecord{Record: rec, Score: recencyFloorScore})
	}
	return scored
}
