package layered

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stellarlinkco/layerclaw/internal/tokens"
)

const maxRootKeywords = 16

// KeyHash maps an arbitrary session key to a short storage-safe name.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// ArchiveBlobPath is the canonical relative path of one node's transcript
// blob. Stored in the node's FullContentPath, resolved via Storage.
func ArchiveBlobPath(sessionKey, nodeID string) string {
	return "ar/" + KeyHash(sessionKey) + "/" + nodeID + ".txt"
}

// ArchiveReport describes what one MaybeArchive call did.
type ArchiveReport struct {
	NodesCreated     int
	MessagesArchived int
	// Skipped explains why nothing was archived, empty when nodes were made.
	Skipped string
}

// Indexer archives aging message windows into index nodes. It is the sole
// mutator of a session's index document; mutations for one session key are
// serialized through a keyed mutex.
type Indexer struct {
	store      Storage
	summarizer Summarizer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewIndexer(store Storage, summarizer Summarizer) *Indexer {
	return &Indexer{
		store:      store,
		summarizer: summarizer,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (ix *Indexer) sessionLock(sessionKey string) *sync.Mutex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	l, ok := ix.locks[sessionKey]
	if !ok {
		l = &sync.Mutex{}
		ix.locks[sessionKey] = l
	}
	return l
}

// MaybeArchive archives every full chunk of messages that has aged out of
// the raw window. The last MaxRecentMessages turns plus the trailing query
// turn are never archived, and layered-context messages spliced in by an
// earlier Apply are skipped: they are derived from the archive already and
// re-archiving them would fold summaries back into the index as
// conversation. Each chunk is all-or-nothing: a failed summary or blob
// write leaves its messages in the raw window for a later attempt.
// MessagesArchived counts raw messages only.
func (ix *Indexer) MaybeArchive(ctx context.Context, sessionKey string, messages []Message, params Params) (*ArchiveReport, error) {
	params = params.Normalize()

	raw := messages[ContextPrefixLen(messages):]
	eligible := len(raw) - params.MaxRecentMessages - 1
	if eligible < params.ArchiveChunkSize {
		return &ArchiveReport{Skipped: "raw window below archive threshold"}, nil
	}

	lock := ix.sessionLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	doc, err := ix.store.ReadIndex(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("read index for archive: %w", err)
	}
	if doc == nil {
		doc = &IndexDocument{}
	}

	if len(doc.Nodes) >= params.MaxArchives {
		log.Printf("[layered] session %s at archive cap (%d nodes), skipping archive", sessionKey, len(doc.Nodes))
		return &ArchiveReport{Skipped: "archive cap reached"}, nil
	}

	nextRank := nextRecencyRank(doc.Nodes)
	report := &ArchiveReport{}

	chunks := eligible / params.ArchiveChunkSize
	for c := 0; c < chunks; c++ {
		if len(doc.Nodes) >= params.MaxArchives {
			log.Printf("[layered] session %s reached archive cap mid-run", sessionKey)
			break
		}

		start := c * params.ArchiveChunkSize
		chunk := raw[start : start+params.ArchiveChunkSize]

		node, err := ix.archiveChunk(ctx, sessionKey, chunk, nextRank, doc)
		if err != nil {
			log.Printf("[layered] archive chunk for %s failed, messages stay raw: %v", sessionKey, err)
			break
		}

		doc.Nodes = append(doc.Nodes, *node)
		nextRank++
		report.NodesCreated++
		report.MessagesArchived += len(chunk)

		mergeRoot(&doc.Root, node, params.L0TargetTokens)
	}

	if report.NodesCreated == 0 {
		if report.Skipped == "" {
			report.Skipped = "no chunk archived"
		}
		return report, nil
	}

	if err := ix.store.WriteIndex(sessionKey, doc); err != nil {
		// Blobs written this round are orphaned but immutable; the next call
		// retries with fresh node ids.
		return nil, fmt.Errorf("write index after archive: %w", err)
	}
	return report, nil
}

func (ix *Indexer) archiveChunk(ctx context.Context, sessionKey string, chunk []Message, rank int, doc *IndexDocument) (*IndexNode, error) {
	summary, err := ix.summarizer.Summarize(ctx, chunk)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	nodeID := uuid.NewString()
	path := ArchiveBlobPath(sessionKey, nodeID)
	transcript := RenderTranscript(chunk)

	if err := ix.store.WriteArchive(path, transcript); err != nil {
		return nil, fmt.Errorf("write transcript: %w", err)
	}

	abstract := strings.TrimSpace(summary.AbstractDelta)
	if abstract == "" {
		abstract = firstSentence(summary.Overview)
	}
	keywords := dedupeKeywords(summary.Keywords, 8)

	node := &IndexNode{
		ID:              nodeID,
		Abstract:        abstract,
		Overview:        strings.TrimSpace(summary.Overview),
		FullContentPath: path,
		Keywords:        keywords,
		TokenEstimate: TokenEstimate{
			L0: tokens.Estimate(abstract + " " + strings.Join(keywords, " ")),
			L1: tokens.Estimate(summary.Overview),
			L2: estimateMessages(chunk),
		},
		Metadata: NodeMetadata{RecencyRank: rank},
	}
	return node, nil
}

// RenderTranscript flattens a chunk into the archived transcript form.
func RenderTranscript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func estimateMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += tokens.EstimateMessage(m.Role, m.Content)
	}
	return total
}

func nextRecencyRank(nodes []IndexNode) int {
	next := 1
	for _, n := range nodes {
		if n.Metadata.RecencyRank >= next {
			next = n.Metadata.RecencyRank + 1
		}
	}
	return next
}

// mergeRoot folds a new node's contribution into the session-wide summary.
// The abstract is truncated to l0Budget tokens at ingestion, dropping the
// oldest sentences first, so retrieval can include it unconditionally
// without blowing the layered budget.
func mergeRoot(root *RootSummary, node *IndexNode, l0Budget int) {
	if node.Abstract != "" {
		if root.Abstract == "" {
			root.Abstract = node.Abstract
		} else {
			root.Abstract = root.Abstract + " " + node.Abstract
		}
		root.Abstract = truncateToTokens(root.Abstract, l0Budget)
	}
	root.Keywords = dedupeKeywords(append(root.Keywords, node.Keywords...), maxRootKeywords)
}

func truncateToTokens(text string, budget int) string {
	if budget <= 0 || tokens.Estimate(text) <= budget {
		return text
	}

	sentences := splitSentences(text)
	for len(sentences) > 1 && tokens.Estimate(strings.Join(sentences, " ")) > budget {
		sentences = sentences[1:]
	}
	out := strings.Join(sentences, " ")
	if tokens.Estimate(out) <= budget {
		return out
	}

	// A single oversized sentence is cut by runes as a last resort.
	runes := []rune(out)
	for len(runes) > 0 && tokens.Estimate(string(runes)) > budget {
		cut := len(runes) / 8
		if cut < 1 {
			cut = 1
		}
		runes = runes[cut:]
	}
	return strings.TrimSpace(string(runes))
}

func splitSentences(text string) []string {
	seps := func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？'
	}

	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if seps(r) {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	if len(out) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	return out
}

func firstSentence(text string) string {
	sentences := splitSentences(strings.TrimSpace(text))
	if len(sentences) == 0 {
		return ""
	}
	return sentences[0]
}

func dedupeKeywords(keywords []string, limit int) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
		if len(out) == limit {
			break
		}
	}
	return out
}
