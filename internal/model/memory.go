// Package model defines the core memory data types.
package model

import "time"

// Memory represents a stored life-event.
type Memory struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	Source         string         `json:"source"`
	Modality       string         `json:"modality"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Embedding      []float32      `json:"embedding,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	PrivacyLabel   string         `json:"privacy_label"`
	TTLSeconds     *int64         `json:"ttl_seconds,omitempty"`
}

// Expired reports whether the memory's TTL has elapsed at now.
// A memory without a TTL never expires.
func (m *Memory) Expired(now time.Time) bool {
	if m.TTLSeconds == nil {
		return false
	}
	return now.Sub(m.CreatedAt) > time.Duration(*m.TTLSeconds)*time.Second
}

// Privacy labels.
const (
	PrivacyPublic       = "public"
	PrivacyPrivate      = "private"
	PrivacyConfidential = "confidential"
)

// ValidPrivacyLabels are the allowed privacy labels.
var ValidPrivacyLabels = map[string]bool{
	PrivacyPublic:       true,
	PrivacyPrivate:      true,
	PrivacyConfidential: true,
}

// ValidModalities are the allowed content kinds. Non-text modalities carry a
// text description in Content.
var ValidModalities = map[string]bool{
	"text":  true,
	"image": true,
	"audio": true,
}

// SourceConversation marks chat turns. Conversations are kept verbatim and
// never consolidated.
const SourceConversation = "conversation"

// SummarySuffix is appended to a source to tag its consolidation summaries.
const SummarySuffix = "_summary"

// SummarySource returns the source tag used for summaries of source.
func SummarySource(source string) string {
	return source + SummarySuffix
}
