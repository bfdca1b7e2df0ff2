package memorybank

import (
	"sort"
	"strings"
	"time"

	"github.com/memgo-dev/memgo/pkg/session"
)

// maxTopics bounds the number of extracted topic keywords per record.
const maxTopics = 12

// Derive builds the memory record for a completed session. The record
// content is the role-tagged transcript; topics are the most frequent
// non-stopword terms, so keyword backends can match follow-up questions
// without scanning full transcripts.
func Derive(meta *session.Metadata, turns []*session.Turn) Record {
	var b strings.Builder
	freq := make(map[string]int)

	for _, turn := range turns {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Content)

		for _, w := range keywords(turn.Content) {
			freq[w]++
		}
	}

	type wordCount struct {
		word  string
		count int
	}
	counts := make([]wordCount, 0, len(freq))
	for w, c := range freq {
		counts = append(counts, wordCount{w, c})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].word < counts[j].word
	})

	topics := make([]string, 0, maxTopics)
	for _, wc := range counts {
		if len(topics) == maxTopics {
			break
		}
		topics = append(topics, wc.word)
	}

	return Record{
		AppName:   meta.AppName,
		UserID:    meta.UserID,
		SessionID: meta.ID,
		Content:   b.String(),
		Topics:    topics,
		CreatedAt: time.Now().UTC(),
	}
}
