// Package retrieval ranks stored learnings against a query. The
// pipeline is hybrid: tiered full-text search and vector similarity
// fused with Reciprocal Rank Fusion, then optional graph expansion,
// reranking, MMR diversification and feedback weighting.
package retrieval

import (
	"context"
	"sort"

	"tx/internal/capability"
	"tx/internal/embedding"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
)

// rrfK is the standard Reciprocal Rank Fusion constant.
const rrfK = 60

// lexicalDecay controls how fast decayed rank scores fall off.
const lexicalDecay = 0.1

// Defaults applied when an Options field is zero.
const (
	DefaultLimit       = 10
	DefaultGraphDepth  = 1
	DefaultGraphDecay  = 0.5
	DefaultGraphNodes  = 10
	DefaultMMRLambda   = 0.7
	DefaultCategoryCap = 2
	// topDiversified is how many leading results the per-category cap
	// applies to.
	topDiversified = 5
)

// GraphOptions enables BFS expansion over the learning edge graph.
type GraphOptions struct {
	Depth       int              `json:"depth"`
	DecayFactor float64          `json:"decayFactor"`
	MaxNodes    int              `json:"maxNodes"`
	EdgeTypes   []store.EdgeType `json:"edgeTypes,omitempty"`
}

// MMROptions enables maximal-marginal-relevance diversification.
type MMROptions struct {
	Lambda      float64 `json:"lambda"`
	CategoryCap int     `json:"categoryCap"`
}

// Options gates and parameterizes each pipeline stage.
type Options struct {
	Limit      int
	MinScore   float64
	Category   string
	SourceType store.LearningSourceType

	DisableLexical bool
	DisableVector  bool

	Graph       *GraphOptions
	UseReranker bool
	MMR         *MMROptions

	DisableFeedback   bool
	SkipUsageTracking bool
}

// LearningWithScore is one ranked result. Hops, Path and SourceEdge
// are set only on graph-expanded results.
type LearningWithScore struct {
	Learning *store.Learning `json:"learning"`
	Score    float64         `json:"score"`

	LexicalScore float64 `json:"lexicalScore,omitempty"`
	VectorScore  float64 `json:"vectorScore,omitempty"`
	RerankScore  float64 `json:"rerankScore,omitempty"`

	Hops       int      `json:"hops,omitempty"`
	Path       []string `json:"path,omitempty"`
	SourceEdge string   `json:"sourceEdge,omitempty"`
}

// Engine runs the retrieval pipeline over the store.
type Engine struct {
	store    *store.Store
	embedder embedding.Engine
	reranker capability.Reranker
}

// NewEngine builds the retrieval engine. A nil reranker disables the
// rerank stage regardless of options.
func NewEngine(s *store.Store, embedder embedding.Engine, reranker capability.Reranker) *Engine {
	if embedder == nil {
		embedder = embedding.Noop{}
	}
	if reranker == nil {
		reranker = capability.NoopReranker{}
	}
	return &Engine{store: s, embedder: embedder, reranker: reranker}
}

// candidate accumulates per-stage scores for one learning id.
type candidate struct {
	id         string
	lexRank    int // 1-based, 0 = not ranked
	vecRank    int
	lexScore   float64
	vecScore   float64
	rerank     float64
	score      float64
	hops       int
	path       []string
	sourceEdge string
}

// Retrieve runs the pipeline and returns ranked learnings, best first.
// Deterministic for fixed store contents and options, modulo the
// pluggable reranker.
func (e *Engine) Retrieve(ctx context.Context, query string, opts Options) ([]*LearningWithScore, error) {
	if query == "" {
		return nil, txerr.New(txerr.CodeValidationError, "query must not be empty")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	// Over-fetch so post-fusion filters still fill the limit.
	fetch := opts.Limit * 5
	if fetch < 50 {
		fetch = 50
	}

	cands := make(map[string]*candidate)
	get := func(id string) *candidate {
		c, ok := cands[id]
		if !ok {
			c = &candidate{id: id}
			cands[id] = c
		}
		return c
	}

	if !opts.DisableLexical {
		matches, err := e.store.LexicalCandidates(ctx, query, fetch)
		if err != nil {
			return nil, err
		}
		for i, m := range matches {
			c := get(m.LearningID)
			c.lexRank = i + 1
			c.lexScore = 1 / (1 + lexicalDecay*float64(i))
		}
	}

	if !opts.DisableVector {
		if err := e.vectorStage(ctx, query, fetch, get); err != nil {
			return nil, err
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}

	// Rank fusion: rrf = sum over rankings of 1/(k+rank), scaled so a
	// double rank-1 hit lands at 1.0.
	for _, c := range cands {
		var rrf float64
		if c.lexRank > 0 {
			rrf += 1 / float64(rrfK+c.lexRank)
		}
		if c.vecRank > 0 {
			rrf += 1 / float64(rrfK+c.vecRank)
		}
		c.score = rrf * float64(rrfK+1) / 2
	}

	if opts.Graph != nil {
		if err := e.expandGraph(ctx, cands, *opts.Graph); err != nil {
			return nil, err
		}
	}

	learnings, err := e.store.LearningsByIDs(ctx, candidateIDs(cands))
	if err != nil {
		return nil, err
	}

	ordered := orderCandidates(cands)
	ordered = filterCandidates(ordered, learnings, opts)

	if opts.UseReranker && e.reranker.Available() {
		if err := e.rerank(ctx, query, ordered, learnings); err != nil {
			return nil, err
		}
	}

	if opts.MMR != nil {
		ordered = e.diversify(ordered, learnings, *opts.MMR)
	}

	if !opts.DisableFeedback {
		if err := e.applyFeedback(ctx, ordered); err != nil {
			return nil, err
		}
	}

	// Final truncation and score floor.
	var results []*LearningWithScore
	for _, c := range ordered {
		if len(results) >= opts.Limit {
			break
		}
		if c.score < opts.MinScore {
			continue
		}
		results = append(results, &LearningWithScore{
			Learning:     learnings[c.id],
			Score:        c.score,
			LexicalScore: c.lexScore,
			VectorScore:  c.vecScore,
			RerankScore:  c.rerank,
			Hops:         c.hops,
			Path:         c.path,
			SourceEdge:   c.sourceEdge,
		})
	}

	if !opts.SkipUsageTracking && len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.Learning.ID
		}
		if err := e.store.TouchLearningUsage(ctx, ids, e.store.Now()); err != nil {
			logging.Retrieval("Usage tracking failed: %v", err)
		}
	}
	logging.RetrievalDebug("Retrieved %d of %d candidates for %q", len(results), len(cands), query)
	return results, nil
}

// vectorStage embeds the query and ranks by cosine similarity, scaled
// from [-1, 1] to [0, 1]. A missing embedding backend skips the stage;
// a dimension mismatch against stored embeddings is an error.
func (e *Engine) vectorStage(ctx context.Context, query string, fetch int, get func(string) *candidate) error {
	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		if txerr.HasCode(err, txerr.CodeEmbeddingUnavailable) {
			logging.RetrievalDebug("Vector stage skipped: %v", err)
			return nil
		}
		return err
	}

	matches, err := e.store.VectorCandidates(ctx, qvec, fetch)
	if err != nil {
		return err
	}
	if matches != nil {
		for i, m := range matches {
			c := get(m.LearningID)
			c.vecRank = i + 1
			// vec0 cosine distance is 1 - cos, so cos = 1 - distance.
			c.vecScore = embedding.ScaleSimilarity(1 - m.Distance)
		}
		return nil
	}

	// No ANN index; scan stored embeddings in-process.
	stored, err := e.store.LearningsWithEmbeddings(ctx)
	if err != nil {
		return err
	}
	type scored struct {
		id  string
		sim float64
	}
	hits := make([]scored, 0, len(stored))
	for _, l := range stored {
		cos, err := embedding.Cosine(qvec, l.Embedding)
		if err != nil {
			return err
		}
		hits = append(hits, scored{id: l.ID, sim: embedding.ScaleSimilarity(cos)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if len(hits) > fetch {
		hits = hits[:fetch]
	}
	for i, h := range hits {
		c := get(h.id)
		c.vecRank = i + 1
		c.vecScore = h.sim
	}
	return nil
}

// expandGraph BFS-walks edges (undirected) from the top fused seeds,
// decaying the seed score per hop and annotating provenance.
func (e *Engine) expandGraph(ctx context.Context, cands map[string]*candidate, g GraphOptions) error {
	if g.Depth <= 0 {
		g.Depth = DefaultGraphDepth
	}
	if g.DecayFactor <= 0 || g.DecayFactor > 1 {
		g.DecayFactor = DefaultGraphDecay
	}
	if g.MaxNodes <= 0 {
		g.MaxNodes = DefaultGraphNodes
	}
	allowed := make(map[store.EdgeType]bool, len(g.EdgeTypes))
	for _, t := range g.EdgeTypes {
		allowed[t] = true
	}

	seeds := orderCandidates(cands)
	if len(seeds) > topDiversified {
		seeds = seeds[:topDiversified]
	}

	type node struct {
		id    string
		score float64
		hops  int
		path  []string
		via   string
	}
	queue := make([]node, 0, len(seeds))
	for _, s := range seeds {
		queue = append(queue, node{id: s.id, score: s.score, path: []string{s.id}})
	}
	added := 0
	for len(queue) > 0 && added < g.MaxNodes {
		n := queue[0]
		queue = queue[1:]
		if n.hops >= g.Depth {
			continue
		}
		edges, err := e.store.EdgesTouching(ctx, n.id)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if len(g.EdgeTypes) > 0 && !allowed[edge.Type] {
				continue
			}
			next := edge.ToID
			if next == n.id {
				next = edge.FromID
			}
			if _, seen := cands[next]; seen {
				continue
			}
			score := n.score * g.DecayFactor * edge.Weight
			c := &candidate{
				id:         next,
				score:      score,
				hops:       n.hops + 1,
				path:       append(append([]string(nil), n.path...), next),
				sourceEdge: string(edge.Type),
			}
			cands[next] = c
			added++
			if added >= g.MaxNodes {
				break
			}
			queue = append(queue, node{id: next, score: score, hops: c.hops, path: c.path})
		}
	}
	return nil
}

// rerank folds capability scores into the running score by averaging.
func (e *Engine) rerank(ctx context.Context, query string, ordered []*candidate, learnings map[string]*store.Learning) error {
	docs := make([]string, len(ordered))
	for i, c := range ordered {
		docs[i] = learnings[c.id].Content
	}
	scores, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil {
		if txerr.HasCode(err, txerr.CodeRerankerUnavailable) {
			return nil
		}
		return txerr.Wrap(txerr.CodeRetrievalError, err, "reranker failed")
	}
	if len(scores) != len(ordered) {
		return txerr.New(txerr.CodeRetrievalError,
			"reranker returned %d scores for %d candidates", len(scores), len(ordered))
	}
	for i, c := range ordered {
		c.rerank = scores[i]
		c.score = (c.score + scores[i]) / 2
	}
	sortCandidates(ordered)
	return nil
}

// diversify reorders with MMR: each pick maximizes
// lambda*relevance - (1-lambda)*maxSim(picked), with a per-category
// cap inside the leading results.
func (e *Engine) diversify(ordered []*candidate, learnings map[string]*store.Learning, m MMROptions) []*candidate {
	if m.Lambda <= 0 || m.Lambda > 1 {
		m.Lambda = DefaultMMRLambda
	}
	if m.CategoryCap <= 0 {
		m.CategoryCap = DefaultCategoryCap
	}

	remaining := append([]*candidate(nil), ordered...)
	picked := make([]*candidate, 0, len(ordered))
	categoryCount := make(map[string]int)

	for len(remaining) > 0 {
		bestIdx := -1
		bestVal := 0.0
		for i, c := range remaining {
			l := learnings[c.id]
			if len(picked) < topDiversified && l.Category != nil &&
				categoryCount[*l.Category] >= m.CategoryCap {
				continue
			}
			maxSim := 0.0
			for _, p := range picked {
				if sim := pairSimilarity(l, learnings[p.id]); sim > maxSim {
					maxSim = sim
				}
			}
			val := m.Lambda*c.score - (1-m.Lambda)*maxSim
			if bestIdx < 0 || val > bestVal {
				bestIdx, bestVal = i, val
			}
		}
		if bestIdx < 0 {
			// Every remaining candidate is capped out of the top
			// window; past it the cap no longer applies.
			bestIdx = 0
		}
		c := remaining[bestIdx]
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
		picked = append(picked, c)
		if l := learnings[c.id]; l.Category != nil {
			categoryCount[*l.Category]++
		}
	}
	return picked
}

// applyFeedback multiplies scores by mean historical feedback,
// normalized so 0.5 is neutral. Learnings with no feedback are
// untouched.
func (e *Engine) applyFeedback(ctx context.Context, ordered []*candidate) error {
	ids := make([]string, len(ordered))
	for i, c := range ordered {
		ids[i] = c.id
	}
	means, err := e.store.MeanFeedbackScores(ctx, ids)
	if err != nil {
		return err
	}
	if len(means) == 0 {
		return nil
	}
	for _, c := range ordered {
		if mean, ok := means[c.id]; ok {
			c.score *= mean / 0.5
		}
	}
	sortCandidates(ordered)
	return nil
}

// pairSimilarity measures overlap between two learnings for MMR:
// embedding cosine when both carry vectors, keyword Jaccard otherwise.
func pairSimilarity(a, b *store.Learning) float64 {
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		if cos, err := embedding.Cosine(a.Embedding, b.Embedding); err == nil {
			return embedding.ScaleSimilarity(cos)
		}
	}
	if len(a.Keywords) == 0 || len(b.Keywords) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a.Keywords))
	for _, k := range a.Keywords {
		set[k] = true
	}
	both := 0
	for _, k := range b.Keywords {
		if set[k] {
			both++
		}
	}
	union := len(a.Keywords) + len(b.Keywords) - both
	if union == 0 {
		return 0
	}
	return float64(both) / float64(union)
}

func candidateIDs(cands map[string]*candidate) []string {
	ids := make([]string, 0, len(cands))
	for id := range cands {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func orderCandidates(cands map[string]*candidate) []*candidate {
	out := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

// sortCandidates orders by score descending with id as a deterministic
// tiebreak.
func sortCandidates(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		return cs[i].id < cs[j].id
	})
}

// filterCandidates drops candidates whose learning row vanished or
// fails the category/sourceType filters.
func filterCandidates(ordered []*candidate, learnings map[string]*store.Learning, opts Options) []*candidate {
	out := ordered[:0]
	for _, c := range ordered {
		l, ok := learnings[c.id]
		if !ok {
			continue
		}
		if opts.Category != "" && (l.Category == nil || *l.Category != opts.Category) {
			continue
		}
		if opts.SourceType != "" && l.SourceType != opts.SourceType {
			continue
		}
		out = append(out, c)
	}
	return out
}
