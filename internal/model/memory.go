// Package model defines the core memory data types.
package model

import (
	"sort"
	"strings"
	"time"
)

// Tier is a partition of the record store with its own retention policy.
type Tier string

const (
	TierShort  Tier = "short"
	TierMedium Tier = "medium"
	TierLong   Tier = "long"
)

// Tiers lists every tier in retrieval order.
var Tiers = []Tier{TierShort, TierMedium, TierLong}

// Expiring reports whether records of this tier carry an expires_at.
func (t Tier) Expiring() bool {
	return t == TierShort || t == TierMedium
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierShort || t == TierMedium || t == TierLong
}

// Creator identifies the caller class that produced a record.
// It is always assigned server-side.
type Creator string

const (
	CreatorKernel  Creator = "kernel"
	CreatorConsole Creator = "console"
	CreatorSystem  Creator = "system"
)

// ValidCreators is the closed creator enumeration.
var ValidCreators = map[Creator]bool{
	CreatorKernel:  true,
	CreatorConsole: true,
	CreatorSystem:  true,
}

// Kind classifies memory content.
type Kind string

const (
	KindPreference  Kind = "preference"
	KindFact        Kind = "fact"
	KindContext     Kind = "context"
	KindError       Kind = "error"
	KindSuccess     Kind = "success"
	KindObservation Kind = "observation"
	KindDecision    Kind = "decision"
)

// ValidKinds are the allowed memory kinds, mapped to their default tier.
var ValidKinds = map[Kind]Tier{
	KindContext:     TierShort,
	KindError:       TierMedium,
	KindSuccess:     TierMedium,
	KindObservation: TierMedium,
	KindPreference:  TierLong,
	KindFact:        TierLong,
	KindDecision:    TierLong,
}

// Scope gates record visibility.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// ValidScopes are the allowed scopes.
var ValidScopes = map[Scope]bool{
	ScopeUser:    true,
	ScopeProject: true,
	ScopeGlobal:  true,
}

// Record is a stored memory.
type Record struct {
	ID   string `json:"id"`
	Tier Tier   `json:"tier"`

	GroupID   string  `json:"group_id"`
	OwnerID   string  `json:"owner_id"`
	ProjectID string  `json:"project_id,omitempty"`
	Creator   Creator `json:"creator"`
	Source    string  `json:"source"`
	Scope     Scope   `json:"scope"`

	Kind       Kind           `json:"kind"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Degraded   bool           `json:"degraded,omitempty"`
	Importance float64        `json:"importance"`
	Confidence *float64       `json:"confidence,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	Version       int    `json:"version"`
	Superseded    bool   `json:"superseded,omitempty"`
	SupersededBy  string `json:"superseded_by,omitempty"`
	ReviewFlagged bool   `json:"review_flagged,omitempty"`
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// LastTouched is the staleness reference: last access, or creation.
func (r *Record) LastTouched() time.Time {
	if r.LastAccessedAt != nil {
		return *r.LastAccessedAt
	}
	return r.CreatedAt
}

// RelationType is the kind of edge between two long-tier records.
type RelationType string

const (
	RelRelated     RelationType = "related"
	RelSupersedes  RelationType = "supersedes"
	RelContradicts RelationType = "contradicts"
	RelElaborates  RelationType = "elaborates"
	RelDerivedFrom RelationType = "derived_from"
)

// ValidRelations are the allowed relationship types.
var ValidRelations = map[RelationType]bool{
	RelRelated:     true,
	RelSupersedes:  true,
	RelContradicts: true,
	RelElaborates:  true,
	RelDerivedFrom: true,
}

// Relationship is a directed edge between two long-tier records.
type Relationship struct {
	FromID    string       `json:"from_id"`
	ToID      string       `json:"to_id"`
	Type      RelationType `json:"type"`
	Strength  float64      `json:"strength"`
	CreatedAt time.Time    `json:"created_at"`
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeTags trims, drops empties and deduplicates tags, returning them sorted.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
