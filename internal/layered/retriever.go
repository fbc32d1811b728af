package layered

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/stellarlinkco/layerclaw/internal/textrank"
	"github.com/stellarlinkco/layerclaw/internal/tokens"
)

const (
	recencyBonusMax = 0.08

	l1ThresholdScale = 0.9
	l1MarginScale    = 0.5

	zeroNodesReason = "No archived nodes are available."
)

var (
	// Matches filename-like tokens by known extension, so decimals
	// ("version 1.5") and abbreviations ("u.s.") stay broad.
	fileExtRegex = regexp.MustCompile(`\w\.(?:go|py|rb|rs|js|jsx|ts|tsx|json|yaml|yml|toml|md|txt|log|sql|sh|java|cpp|css|html|xml|proto|env|lock|mod|sum|conf|cfg|ini)\b`)

	preciseSignals = map[string]struct{}{
		"error": {}, "stack": {}, "exception": {}, "function": {},
		"api": {}, "trace": {}, "traceback": {}, "panic": {}, "bug": {},
	}
	structuredSignals = map[string]struct{}{
		"overview": {}, "summary": {}, "architecture": {},
		"structure": {}, "design": {}, "roadmap": {},
	}
)

// ClassifyQuery maps a query string to its retrieval mode. Pure and
// deterministic: the same query always classifies the same way.
func ClassifyQuery(query string) QueryMode {
	lower := strings.ToLower(query)
	if strings.Contains(lower, "`") || strings.ContainsAny(lower, "/\\") || fileExtRegex.MatchString(lower) {
		return QueryPrecise
	}

	for _, tok := range textrank.Tokenize(lower) {
		if _, ok := preciseSignals[tok]; ok {
			return QueryPrecise
		}
	}
	for _, tok := range textrank.Tokenize(lower) {
		if _, ok := structuredSignals[tok]; ok {
			return QueryStructured
		}
	}
	return QueryBroad
}

// adaptiveThresholds scales the base confidence gate by query mode and query
// length, then clamps to sane bounds.
func adaptiveThresholds(base EscalationThresholds, mode QueryMode, queryTokens int) (threshold, margin float64) {
	threshold = base.ScoreThresholdHigh
	margin = base.Top1Top2Margin

	switch mode {
	case QueryPrecise:
		threshold *= 0.92
		margin *= 0.8
	case QueryStructured:
		threshold *= 0.97
	}

	if queryTokens <= 5 {
		threshold *= 0.88
		margin *= 0.72
	} else if queryTokens >= 12 {
		threshold *= 1.04
		margin *= 1.1
	}

	threshold = clampRange(threshold, 0.1, 0.99)
	margin = clampRange(margin, 0.01, 0.8)
	return threshold, margin
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Retriever decides, per query, how deep into the archive to dig and greedily
// fills the layered token budget with the best evidence. It only reads: the
// index snapshot is loaded by the caller and never mutated here.
type Retriever struct {
	store      Storage
	scorer     DenseScorer // nil means sparse-only scoring
	blendAlpha float64
}

func NewRetriever(store Storage, scorer DenseScorer, blendAlpha float64) *Retriever {
	if blendAlpha <= 0 || blendAlpha >= 1 {
		blendAlpha = textrank.DefaultBlendAlpha
	}
	return &Retriever{store: store, scorer: scorer, blendAlpha: blendAlpha}
}

type scoredNode struct {
	node    *IndexNode
	content string
	score   float64
}

func (r *Retriever) Retrieve(ctx context.Context, index *IndexDocument, query string, params Params) (*RetrievalResult, error) {
	params = params.Normalize()
	mode := ClassifyQuery(query)
	threshold, marginReq := adaptiveThresholds(params.Escalation, mode, len(textrank.Tokenize(query)))
	budget := params.LayeredBudget()

	if index == nil || len(index.Nodes) == 0 {
		return &RetrievalResult{
			Decision: EscalationDecision{
				ReachedLayer: LayerL0,
				Reason:       zeroNodesReason,
				QueryMode:    mode,
			},
		}, nil
	}

	maxRank := 0
	for i := range index.Nodes {
		if index.Nodes[i].Metadata.RecencyRank > maxRank {
			maxRank = index.Nodes[i].Metadata.RecencyRank
		}
	}

	l0Cands := make([]scoredNode, len(index.Nodes))
	for i := range index.Nodes {
		node := &index.Nodes[i]
		l0Cands[i] = scoredNode{node: node, content: l0Content(node)}
	}
	rootContext := strings.TrimSpace(index.Root.Abstract + " " + strings.Join(index.Root.Keywords, " "))

	l0Ranked, err := r.scoreLayer(ctx, query, l0Cands, rootContext, maxRank)
	if err != nil {
		return nil, err
	}

	top1, margin := topStats(l0Ranked)
	if mode == QueryBroad && top1 >= threshold && margin >= marginReq {
		return r.buildResult(index, LayerL0, l0Ranked, nil, budget, EscalationDecision{
			ReachedLayer:   LayerL0,
			Reason:         "High-confidence broad query satisfied at the abstract layer.",
			Top1Score:      top1,
			Top1Top2Margin: margin,
			QueryMode:      mode,
		}), nil
	}

	// L1: rerank the best L0 candidates over their overview text.
	l1Count := params.Escalation.MaxItemsForL1
	if l1Count > len(l0Ranked) {
		l1Count = len(l0Ranked)
	}
	l1Cands := make([]scoredNode, l1Count)
	for i := 0; i < l1Count; i++ {
		node := l0Ranked[i].node
		l1Cands[i] = scoredNode{node: node, content: l1Content(node)}
	}

	l1Ranked, err := r.scoreLayer(ctx, query, l1Cands, "", maxRank)
	if err != nil {
		return nil, err
	}

	l1Top1, l1Margin := topStats(l1Ranked)
	if mode != QueryPrecise && l1Top1 >= threshold*l1ThresholdScale && l1Margin >= marginReq*l1MarginScale {
		return r.buildResult(index, LayerL1, l1Ranked, nil, budget, EscalationDecision{
			ReachedLayer:   LayerL1,
			Reason:         "Overview layer reached sufficient confidence.",
			Top1Score:      l1Top1,
			Top1Top2Margin: l1Margin,
			QueryMode:      mode,
		}), nil
	}

	// L2: fetch transcripts for the strongest candidates and carry a reduced
	// set of the runner-up overviews for scope.
	l2Count := params.Escalation.MaxItemsForL2
	if l2Count > len(l1Ranked) {
		l2Count = len(l1Ranked)
	}
	carryCount := params.Escalation.MaxItemsForL1 - params.Escalation.MaxItemsForL2
	if carryCount < 1 {
		carryCount = 1
	}
	carry := l1Ranked[l2Count:]
	if carryCount < len(carry) {
		carry = carry[:carryCount]
	}
	l2Cands := make([]scoredNode, 0, l2Count)
	for i := 0; i < l2Count; i++ {
		node := l1Ranked[i].node
		transcript, err := r.store.ReadArchive(node.FullContentPath)
		if err != nil {
			return nil, fmt.Errorf("read transcript for %s: %w", node.ID, err)
		}
		if transcript == "" {
			log.Printf("[layered] transcript missing for node %s, skipping L2 candidate", node.ID)
			continue
		}
		l2Cands = append(l2Cands, scoredNode{node: node, content: transcript})
	}

	l2Ranked, err := r.scoreLayer(ctx, query, l2Cands, "", maxRank)
	if err != nil {
		return nil, err
	}

	decTop1, decMargin := topStats(l2Ranked)
	if len(l2Ranked) == 0 {
		decTop1, decMargin = l1Top1, l1Margin
	}
	reason := "Overview confidence insufficient; escalated to full transcripts."
	if mode == QueryPrecise {
		reason = "Precise query escalated to full transcripts."
	}

	return r.buildResult(index, LayerL2, l2Ranked, carry, budget, EscalationDecision{
		ReachedLayer:   LayerL2,
		Reason:         reason,
		Top1Score:      decTop1,
		Top1Top2Margin: decMargin,
		QueryMode:      mode,
	}), nil
}

// scoreLayer computes blended, recency-biased scores over one candidate
// batch and returns candidates sorted best-first. rootContext, when
// non-empty, joins the BM25 corpus for term statistics without being scored.
func (r *Retriever) scoreLayer(ctx context.Context, query string, cands []scoredNode, rootContext string, maxRank int) ([]scoredNode, error) {
	if len(cands) == 0 {
		return nil, nil
	}

	var sparse map[string]float64
	if len(cands) == 1 && rootContext == "" {
		// BM25 over a singleton corpus is degenerate.
		sparse = map[string]float64{
			cands[0].node.ID: textrank.Similarity(query, cands[0].content),
		}
	} else {
		docs := make([]textrank.Document, 0, len(cands)+1)
		for _, c := range cands {
			docs = append(docs, textrank.Document{ID: c.node.ID, Content: c.content})
		}
		if rootContext != "" {
			docs = append(docs, textrank.Document{ID: "__root__", Content: rootContext})
		}
		raw := textrank.BuildModel(docs).Score(query)
		delete(raw, "__root__")
		sparse = textrank.NormalizeScores(raw)
	}

	var denseScores map[string]float64
	if r.scorer != nil {
		candidates := make([]ScoreCandidate, len(cands))
		for i, c := range cands {
			candidates[i] = ScoreCandidate{NodeID: c.node.ID, Content: c.content}
		}
		scores, err := r.scorer.ScoreCandidates(ctx, query, candidates)
		if err != nil {
			if r.scorer.Strict() {
				return nil, fmt.Errorf("dense scoring: %w", err)
			}
			log.Printf("[layered] dense scoring degraded to sparse-only: %v", err)
		} else {
			denseScores = scores
		}
	}

	out := make([]scoredNode, len(cands))
	for i, c := range cands {
		score := textrank.Clamp01(sparse[c.node.ID])
		if d, ok := denseScores[c.node.ID]; ok {
			score = textrank.Blend(d, score, r.blendAlpha)
		}
		if maxRank > 0 {
			score += recencyBonusMax * float64(c.node.Metadata.RecencyRank) / float64(maxRank)
		}
		out[i] = scoredNode{node: c.node, content: c.content, score: textrank.Clamp01(score)}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].node.ID < out[j].node.ID
		}
		return out[i].score > out[j].score
	})
	return out, nil
}

func topStats(ranked []scoredNode) (top1, margin float64) {
	if len(ranked) == 0 {
		return 0, 0
	}
	top1 = ranked[0].score
	if len(ranked) == 1 {
		return top1, top1
	}
	return top1, top1 - ranked[1].score
}

// buildResult runs the budgeted greedy selection: the root abstract first and
// unconditionally, then carried overview selections, then the reached layer's
// candidates, stopping at the first candidate that would overflow the budget.
func (r *Retriever) buildResult(index *IndexDocument, layer ContextLayer, ranked, carry []scoredNode, budget int, decision EscalationDecision) *RetrievalResult {
	selections := make([]Selection, 0, len(ranked)+len(carry)+1)
	running := 0

	if abstract := strings.TrimSpace(index.Root.Abstract); abstract != "" {
		cost := tokens.Estimate(abstract)
		selections = append(selections, Selection{
			NodeID:          "root",
			Layer:           LayerL0,
			Content:         abstract,
			Score:           1,
			EstimatedTokens: cost,
			Reason:          "Session abstract is always included.",
		})
		running += cost
	}

	appendGreedy := func(items []scoredNode, itemLayer ContextLayer, reason string) bool {
		for _, item := range items {
			cost := layerCost(item.node, itemLayer, item.content)
			if running+cost > budget {
				return false
			}
			selections = append(selections, Selection{
				NodeID:          item.node.ID,
				Layer:           itemLayer,
				Content:         item.content,
				Score:           item.score,
				EstimatedTokens: cost,
				Reason:          reason,
			})
			running += cost
		}
		return true
	}

	if appendGreedy(carry, LayerL1, "Overview carried for scope.") {
		switch layer {
		case LayerL0:
			appendGreedy(ranked, LayerL0, "Abstract matched within budget.")
		case LayerL1:
			appendGreedy(ranked, LayerL1, "Overview matched within budget.")
		case LayerL2:
			appendGreedy(ranked, LayerL2, "Transcript evidence within budget.")
		}
	}

	return &RetrievalResult{
		Selections: selections,
		Decision:   decision,
		TokenUsage: accountTokens(index, selections),
	}
}

func layerCost(node *IndexNode, layer ContextLayer, content string) int {
	var cost int
	switch layer {
	case LayerL0:
		cost = node.TokenEstimate.L0
	case LayerL1:
		cost = node.TokenEstimate.L1
	case LayerL2:
		cost = node.TokenEstimate.L2
	}
	if cost <= 0 {
		cost = tokens.Estimate(content)
	}
	return cost
}

func accountTokens(index *IndexDocument, selections []Selection) TokenUsage {
	var usage TokenUsage
	for _, sel := range selections {
		switch sel.Layer {
		case LayerL0:
			usage.L0 += sel.EstimatedTokens
		case LayerL1:
			usage.L1 += sel.EstimatedTokens
		case LayerL2:
			usage.L2 += sel.EstimatedTokens
		}
		usage.Total += sel.EstimatedTokens
	}

	for i := range index.Nodes {
		usage.BaselineL2 += index.Nodes[i].TokenEstimate.L2
	}
	usage.Savings = usage.BaselineL2 - usage.Total
	if usage.BaselineL2 > 0 {
		usage.SavingsRatio = float64(usage.Savings) / float64(usage.BaselineL2)
	}
	return usage
}

func l0Content(node *IndexNode) string {
	return strings.TrimSpace(node.Abstract + " " + strings.Join(node.Keywords, " "))
}

func l1Content(node *IndexNode) string {
	if strings.TrimSpace(node.Overview) != "" {
		return node.Overview
	}
	return l0Content(node)
}
