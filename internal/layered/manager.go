package layered

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// ApplyRequest is the host-facing input for one turn. SessionKey may be left
// empty when Platform and ChatID are set.
type ApplyRequest struct {
	SessionKey string    `json:"sessionKey,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	ChatID     string    `json:"chatId,omitempty"`
	Query      string    `json:"query"`
	Messages   []Message `json:"messages"`
	Params     Params    `json:"-"`
}

// ApplyResult carries the rewritten message list plus retrieval diagnostics.
// Retrieval is nil when layering did not apply this turn.
type ApplyResult struct {
	UpdatedMessages []Message        `json:"updatedMessages"`
	Applied         bool             `json:"applied"`
	Retrieval       *RetrievalResult `json:"retrieval,omitempty"`
}

// Manager is the top-level entry point. It composes the two explicit phases,
// archive then retrieve, and splices the retrieved context back into the
// outgoing message list.
type Manager struct {
	store     Storage
	indexer   *Indexer
	retriever *Retriever
}

func NewManager(store Storage, summarizer Summarizer, scorer DenseScorer, blendAlpha float64) *Manager {
	return &Manager{
		store:     store,
		indexer:   NewIndexer(store, summarizer),
		retriever: NewRetriever(store, scorer, blendAlpha),
	}
}

// Indexer exposes the archive phase for hosts that flush sessions outside
// the request path.
func (m *Manager) Indexer() *Indexer {
	return m.indexer
}

// Retriever exposes the read-only retrieval phase.
func (m *Manager) Retriever() *Retriever {
	return m.retriever
}

const contextTag = "[context:"

// IsContextMessage reports whether msg is a layered-context system message
// spliced in by an earlier Apply. Such messages are derived from the archive
// and must never be archived again.
func IsContextMessage(msg Message) bool {
	return msg.Role == "system" && strings.HasPrefix(msg.Content, contextTag)
}

// ContextPrefixLen counts the leading layered-context messages of a history.
func ContextPrefixLen(messages []Message) int {
	n := 0
	for _, m := range messages {
		if !IsContextMessage(m) {
			break
		}
		n++
	}
	return n
}

func (req *ApplyRequest) sessionKey() string {
	if strings.TrimSpace(req.SessionKey) != "" {
		return req.SessionKey
	}
	return SessionKey(req.Platform, req.ChatID)
}

func (req *ApplyRequest) query() string {
	if strings.TrimSpace(req.Query) != "" {
		return req.Query
	}
	if len(req.Messages) > 0 {
		return req.Messages[len(req.Messages)-1].Content
	}
	return ""
}

// Apply decides whether layering applies to this turn, archives any eligible
// window, retrieves condensed context, and rewrites the message list. The
// archived span is replaced by layered context messages ordered L0 to L2;
// the most recent MaxRecentMessages raw turns and the trailing query turn
// are preserved verbatim.
func (m *Manager) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	params := req.Params.Normalize()
	unchanged := &ApplyResult{UpdatedMessages: req.Messages, Applied: false}

	if !params.EnableSessionCompression {
		return unchanged, nil
	}

	// Context messages spliced by an earlier turn are replaced wholesale by
	// this turn's retrieval; only the raw turns after them count.
	prefix := ContextPrefixLen(req.Messages)
	if len(req.Messages)-prefix <= params.MaxRecentMessages+params.ArchiveChunkSize {
		return unchanged, nil
	}

	sessionKey := req.sessionKey()

	report, err := m.indexer.MaybeArchive(ctx, sessionKey, req.Messages, params)
	if err != nil {
		// Archiving failure leaves the raw window intact for a later turn.
		log.Printf("[layered] archive for %s failed: %v", sessionKey, err)
		report = &ArchiveReport{}
	}

	index, err := m.store.ReadIndex(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load index snapshot: %w", err)
	}
	if index == nil || len(index.Nodes) == 0 {
		return unchanged, nil
	}

	retrieval, err := m.retriever.Retrieve(ctx, index, req.query(), params)
	if err != nil {
		// Strict-mode dense failure: the host decides whether to run the
		// turn without layering.
		return nil, fmt.Errorf("retrieve layered context: %w", err)
	}

	updated := spliceMessages(req.Messages, prefix+report.MessagesArchived, retrieval.Selections)
	return &ApplyResult{
		UpdatedMessages: updated,
		Applied:         true,
		Retrieval:       retrieval,
	}, nil
}

// spliceMessages replaces the archived prefix of the history with layered
// context messages. Selections keep their retrieval order, which is already
// L0 first, then carried overviews, then transcripts.
func spliceMessages(messages []Message, archivedCount int, selections []Selection) []Message {
	if archivedCount > len(messages) {
		archivedCount = len(messages)
	}

	layeredMsgs := make([]Message, 0, len(selections))
	for _, sel := range selections {
		layeredMsgs = append(layeredMsgs, Message{
			Role:    "system",
			Content: fmt.Sprintf("[context:%s] %s", sel.Layer, sel.Content),
		})
	}

	out := make([]Message, 0, len(layeredMsgs)+len(messages)-archivedCount)
	out = append(out, layeredMsgs...)
	out = append(out, messages[archivedCount:]...)
	return out
}
