package textrank

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// DefaultBlendAlpha is the dense-vs-sparse trust weight: sparse dominates
	// unless the dense score strongly disagrees.
	DefaultBlendAlpha = 0.35
)

var (
	cnWordRegex = regexp.MustCompile(`[\p{Han}]`)
	enWordRegex = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_\-]*`)
	numRegex    = regexp.MustCompile(`[0-9]+`)
)

// Document is one scoring candidate in a batch.
type Document struct {
	ID      string
	Content string
}

// Model is a reusable BM25 scoring model built over one document batch.
type Model struct {
	docs     []Document
	docTerms []map[string]int
	docLens  []float64
	avgLen   float64
	idf      map[string]float64
}

// Tokenize lowercases text and splits it into Han runes, English words and
// number runs. Order follows first appearance; duplicates are kept because
// term frequency matters for BM25.
func Tokenize(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	for _, w := range cnWordRegex.FindAllString(text, -1) {
		tokens = append(tokens, w)
	}
	lower := strings.ToLower(text)
	for _, w := range enWordRegex.FindAllString(lower, -1) {
		tokens = append(tokens, w)
	}
	for _, w := range numRegex.FindAllString(lower, -1) {
		tokens = append(tokens, w)
	}
	return tokens
}

// BuildModel constructs a BM25 model over the batch. An empty batch yields a
// model whose Score returns an empty map.
func BuildModel(docs []Document) *Model {
	m := &Model{
		docs:     append([]Document(nil), docs...),
		docTerms: make([]map[string]int, len(docs)),
		docLens:  make([]float64, len(docs)),
		idf:      make(map[string]float64),
	}

	docFreq := make(map[string]int)
	totalLen := 0.0
	for i, doc := range docs {
		terms := Tokenize(doc.Content)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		m.docTerms[i] = tf
		m.docLens[i] = float64(len(terms))
		totalLen += m.docLens[i]
		for t := range tf {
			docFreq[t]++
		}
	}

	if len(docs) > 0 {
		m.avgLen = totalLen / float64(len(docs))
	}
	if m.avgLen == 0 {
		m.avgLen = 1
	}

	n := float64(len(docs))
	for t, df := range docFreq {
		// Standard BM25 idf with +1 smoothing so single-doc matches stay positive.
		m.idf[t] = math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
	}

	return m
}

// Score computes raw BM25 scores for the query against every document in the
// model. Scores are unnormalized but mutually comparable.
func (m *Model) Score(query string) map[string]float64 {
	scores := make(map[string]float64, len(m.docs))
	if len(m.docs) == 0 {
		return scores
	}

	queryTerms := Tokenize(query)
	for i, doc := range m.docs {
		tf := m.docTerms[i]
		docLen := m.docLens[i]
		score := 0.0
		for _, t := range queryTerms {
			freq := float64(tf[t])
			if freq == 0 {
				continue
			}
			idf := m.idf[t]
			score += idf * (freq * (bm25K1 + 1)) / (freq + bm25K1*(1-bm25B+bm25B*docLen/m.avgLen))
		}
		scores[doc.ID] = score
	}
	return scores
}

// NormalizeScores min-max normalizes raw scores into [0,1]. A flat batch where
// every score is equal maps positive scores to 1 and zero scores to 0.
func NormalizeScores(raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	if len(raw) == 0 {
		return out
	}

	minScore := math.Inf(1)
	maxScore := math.Inf(-1)
	for _, s := range raw {
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}

	if maxScore == minScore {
		for id, s := range raw {
			if s > 0 {
				out[id] = 1
			} else {
				out[id] = 0
			}
		}
		return out
	}

	rangeSize := maxScore - minScore
	for id, s := range raw {
		out[id] = Clamp01((s - minScore) / rangeSize)
	}
	return out
}

// Blend combines a dense and a sparse score in [0,1] via a logit-weighted
// blend. alpha is the dense weight; alpha<=0 falls back to DefaultBlendAlpha.
func Blend(dense, sparse, alpha float64) float64 {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultBlendAlpha
	}
	dense = Clamp01(dense)
	sparse = Clamp01(sparse)

	blended := alpha*logit(dense) + (1-alpha)*logit(sparse)
	return Clamp01(sigmoid(blended))
}

// Similarity is a lightweight pairwise scorer used when BM25 over a singleton
// corpus would be degenerate. It is token-overlap (Dice coefficient) based.
func Similarity(a, b string) float64 {
	ta := Tokenize(a)
	tb := Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		setB[t] = struct{}{}
	}

	overlap := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			overlap++
		}
	}
	return Clamp01(2 * float64(overlap) / float64(len(setA)+len(setB)))
}

// Clamp01 clamps v into [0,1].
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TopIDs returns ids sorted by descending score, ties broken by id for
// determinism.
func TopIDs(scores map[string]float64) []string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if scores[ids[i]] == scores[ids[j]] {
			return ids[i] < ids[j]
		}
		return scores[ids[i]] > scores[ids[j]]
	})
	return ids
}

func logit(p float64) float64 {
	const eps = 1e-6
	if p < eps {
		p = eps
	}
	if p > 1-eps {
		p = 1 - eps
	}
	return math.Log(p / (1 - p))
}

func sigmoid(x float64) float64 {
	if x > 20 {
		return 1
	}
	if x < -20 {
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}
