package layered

import (
	"context"
	"errors"
)

// ContextLayer identifies how deep into the archive a piece of retrieved
// context comes from. Ordered L0 < L1 < L2 by specificity and token cost.
type ContextLayer string

const (
	LayerL0 ContextLayer = "L0" // session-wide root abstract
	LayerL1 ContextLayer = "L1" // per-node overview
	LayerL2 ContextLayer = "L2" // full archived transcript
)

// Message is the host-facing conversation turn shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenEstimate holds the approximate token cost of one node at each layer.
type TokenEstimate struct {
	L0 int `json:"l0"`
	L1 int `json:"l1"`
	L2 int `json:"l2"`
}

// NodeMetadata carries per-node bookkeeping that is not summary content.
type NodeMetadata struct {
	// RecencyRank increases monotonically with archival order. Higher means
	// more recently archived.
	RecencyRank int `json:"recencyRank"`
}

// IndexNode is one archived chunk. Nodes are append-only: once written they
// are never mutated.
type IndexNode struct {
	ID              string        `json:"id"`
	Abstract        string        `json:"abstract"`
	Overview        string        `json:"overview"`
	FullContentPath string        `json:"fullContentPath"`
	Keywords        []string      `json:"keywords,omitempty"`
	TokenEstimate   TokenEstimate `json:"tokenEstimate"`
	Metadata        NodeMetadata  `json:"metadata"`
}

// RootSummary is the single L0 abstract covering the whole archived session,
// incrementally merged as new nodes arrive.
type RootSummary struct {
	Abstract string   `json:"abstract"`
	Keywords []string `json:"keywords,omitempty"`
}

// IndexDocument is the per-session index: the root summary plus every
// archived node in insertion order.
type IndexDocument struct {
	Root  RootSummary `json:"root"`
	Nodes []IndexNode `json:"nodes"`
}

// QueryMode is the deterministic classification of a retrieval query.
type QueryMode string

const (
	QueryBroad      QueryMode = "broad"
	QueryStructured QueryMode = "structured"
	QueryPrecise    QueryMode = "precise"
)

// EscalationDecision records which layer a retrieval call settled on and why.
// Computed fresh per call, never persisted.
type EscalationDecision struct {
	ReachedLayer   ContextLayer `json:"reachedLayer"`
	Reason         string       `json:"reason"`
	Top1Score      float64      `json:"top1Score"`
	Top1Top2Margin float64      `json:"top1Top2Margin"`
	QueryMode      QueryMode    `json:"queryMode"`
}

// Selection is one piece of retrieved context chosen for the prompt.
type Selection struct {
	NodeID          string       `json:"nodeId"`
	Layer           ContextLayer `json:"layer"`
	Content         string       `json:"content"`
	Score           float64      `json:"score"`
	EstimatedTokens int          `json:"estimatedTokens"`
	Reason          string       `json:"reason"`
}

// TokenUsage accounts for the token cost of a retrieval result against the
// cost of sending the whole archive raw.
type TokenUsage struct {
	L0         int     `json:"l0"`
	L1         int     `json:"l1"`
	L2         int     `json:"l2"`
	Total      int     `json:"total"`
	BaselineL2 int     `json:"baselineL2"`
	Savings    int     `json:"savings"`
	// SavingsRatio is Savings/BaselineL2, 0 when the baseline is 0. It can go
	// negative when the selected total exceeds the raw baseline.
	SavingsRatio float64 `json:"savingsRatio"`
}

// RetrievalResult is the output of one Retriever call.
type RetrievalResult struct {
	Selections []Selection        `json:"selections"`
	Decision   EscalationDecision `json:"decision"`
	TokenUsage TokenUsage         `json:"tokenUsage"`
}

// ErrArchiveExists is returned by Storage.WriteArchive when the path has
// already been written. Archives are immutable.
var ErrArchiveExists = errors.New("archive already exists")

// Storage persists one index document per session key plus immutable archive
// blobs addressed by relative path.
//
// ReadIndex and ReadArchive treat absence as (nil, nil) and ("", nil)
// respectively; missing data is not an error. WriteIndex must be atomic so a
// crash never leaves a partially written document. WriteArchive must fail
// with ErrArchiveExists on a second write to the same path.
type Storage interface {
	ReadIndex(sessionKey string) (*IndexDocument, error)
	WriteIndex(sessionKey string, doc *IndexDocument) error
	WriteArchive(path, transcript string) error
	ReadArchive(path string) (string, error)
}

// ChunkSummary is the Summarizer's digest of one message chunk: an L1
// overview, an incremental contribution to the L0 root abstract, and
// keywords.
type ChunkSummary struct {
	Overview      string   `json:"overview"`
	AbstractDelta string   `json:"abstract_delta"`
	Keywords      []string `json:"keywords"`
}

// Summarizer turns a window of raw messages into a ChunkSummary. Implemented
// by an external collaborator; the Indexer only orchestrates the call.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (*ChunkSummary, error)
}

// ScoreCandidate is one document submitted to a DenseScorer.
type ScoreCandidate struct {
	NodeID  string
	Content string
}

// DenseScorer is the optional semantic relevance provider. A nil scorer means
// sparse-only scoring, which is a fully supported path.
type DenseScorer interface {
	ScoreCandidates(ctx context.Context, query string, candidates []ScoreCandidate) (map[string]float64, error)
	// Strict reports whether scorer failures should abort retrieval instead
	// of degrading to sparse-only scoring.
	Strict() bool
}

// EscalationThresholds controls the Retriever's confidence gate.
type EscalationThresholds struct {
	ScoreThresholdHigh float64
	Top1Top2Margin     float64
	MaxItemsForL1      int
	MaxItemsForL2      int
}

// Params is the per-call engine configuration. Immutable for the duration of
// one Apply/Retrieve/MaybeArchive invocation.
type Params struct {
	L0TargetTokens           int
	L1TargetTokens           int
	MaxPromptTokens          int
	MaxArchives              int
	MaxRecentMessages        int
	ArchiveChunkSize         int
	EnableSessionCompression bool
	Escalation               EscalationThresholds
}

// Normalize fills non-positive fields with engine defaults and returns the
// result by value, leaving the receiver untouched.
func (p Params) Normalize() Params {
	if p.L0TargetTokens <= 0 {
		p.L0TargetTokens = 320
	}
	if p.L1TargetTokens <= 0 {
		p.L1TargetTokens = 960
	}
	if p.MaxPromptTokens <= 0 {
		p.MaxPromptTokens = 16000
	}
	if p.MaxArchives <= 0 {
		p.MaxArchives = 256
	}
	if p.MaxRecentMessages <= 0 {
		p.MaxRecentMessages = 12
	}
	if p.ArchiveChunkSize <= 0 {
		p.ArchiveChunkSize = 8
	}
	if p.Escalation.ScoreThresholdHigh <= 0 {
		p.Escalation.ScoreThresholdHigh = 0.62
	}
	if p.Escalation.Top1Top2Margin <= 0 {
		p.Escalation.Top1Top2Margin = 0.18
	}
	if p.Escalation.MaxItemsForL1 <= 0 {
		p.Escalation.MaxItemsForL1 = 6
	}
	if p.Escalation.MaxItemsForL2 <= 0 {
		p.Escalation.MaxItemsForL2 = 2
	}
	return p
}

// LayeredBudget is the token allowance reserved for retrieved context,
// independent of the raw recent-message budget the Manager keeps separately.
func (p Params) LayeredBudget() int {
	budget := p.MaxPromptTokens * 45 / 100
	if budget < 400 {
		budget = 400
	}
	return budget
}

// SessionKey builds the canonical session identity from platform and chat id.
func SessionKey(platform, chatID string) string {
	return platform + ":" + chatID
}
