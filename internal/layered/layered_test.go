package layered

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// memStore is an in-memory Storage used across the package tests. It keeps
// the same semantics as the real backends: write-once archives, absent data
// reads as nil/empty, and index documents round-trip through JSON so tests
// never share mutable state with the store.
type memStore struct {
	mu       sync.Mutex
	indexes  map[string][]byte
	archives map[string]string

	failIndexWrite   bool
	failArchiveWrite bool
}

func newMemStore() *memStore {
	return &memStore{
		indexes:  make(map[string][]byte),
		archives: make(map[string]string),
	}
}

func (s *memStore) ReadIndex(sessionKey string) (*IndexDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.indexes[sessionKey]
	if !ok {
		return nil, nil
	}
	var doc IndexDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *memStore) WriteIndex(sessionKey string, doc *IndexDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIndexWrite {
		return fmt.Errorf("simulated index write failure")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.indexes[sessionKey] = raw
	return nil
}

func (s *memStore) WriteArchive(path, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failArchiveWrite {
		return fmt.Errorf("simulated archive write failure")
	}
	if _, ok := s.archives[path]; ok {
		return ErrArchiveExists
	}
	s.archives[path] = transcript
	return nil
}

func (s *memStore) ReadArchive(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archives[path], nil
}

// fakeSummarizer derives a deterministic summary from the chunk content.
type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
	// failOnCall makes the Nth call (1-based) fail; 0 disables.
	failOnCall int
}

func (f *fakeSummarizer) Summarize(_ context.Context, messages []Message) (*ChunkSummary, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.failOnCall != 0 && call == f.failOnCall {
		return nil, fmt.Errorf("simulated summarizer failure")
	}

	var words []string
	for _, m := range messages {
		fields := strings.Fields(m.Content)
		if len(fields) > 0 {
			words = append(words, fields[0])
		}
	}
	topic := strings.Join(words, " ")
	return &ChunkSummary{
		Overview:      "The window covered " + topic + ".",
		AbstractDelta: "Discussed " + topic + ".",
		Keywords:      words,
	}, nil
}

// fakeScorer returns canned dense scores, optionally failing.
type fakeScorer struct {
	scores map[string]float64
	err    error
	strict bool
}

func (f *fakeScorer) ScoreCandidates(_ context.Context, _ string, candidates []ScoreCandidate) (map[string]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		out[c.NodeID] = f.scores[c.NodeID]
	}
	return out, nil
}

func (f *fakeScorer) Strict() bool { return f.strict }

func makeMessages(n int, topic string) []Message {
	out := make([]Message, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out[i] = Message{Role: role, Content: fmt.Sprintf("%s turn %d", topic, i)}
	}
	return out
}

func testParams() Params {
	return Params{EnableSessionCompression: true}.Normalize()
}
