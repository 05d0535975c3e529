package result

// Candidate is a stage-one hit hydrated from the document store.
// FineScore is nil until the cross-encoder has scored it.
type Candidate struct {
	DocID       string
	CoarseScore float64
	FineScore   *float64
	VectorRank  int // 1-based position in the stage-one output
	Title       string
	Text        string
}

// Score returns the fine score when present, the coarse score otherwise.
func (c *Candidate) Score() float64 {
	if c.FineScore != nil {
		return *c.FineScore
	}
	return c.CoarseScore
}

// Result is a single ranked search hit.
type Result struct {
	id          string
	rank        int
	score       float64
	coarseScore float64
	fineScore   *float64
	vectorRank  int
	title       string
	preview     string
}

// New creates a ranked result from a candidate.
func New(c Candidate, rank int, preview string) Result {
	return Result{
		id:          c.DocID,
		rank:        rank,
		score:       c.Score(),
		coarseScore: c.CoarseScore,
		fineScore:   c.FineScore,
		vectorRank:  c.VectorRank,
		title:       c.Title,
		preview:     preview,
	}
}

// ID returns the document identifier.
func (r *Result) ID() string { return r.id }

// Rank returns the 1-based position in the full ranked list, not within the page.
func (r *Result) Rank() int { return r.rank }

// Score returns the score the result was ranked by.
func (r *Result) Score() float64 { return r.score }

// CoarseScore returns the stage-one cosine similarity.
func (r *Result) CoarseScore() float64 { return r.coarseScore }

// FineScore returns the cross-encoder score, nil when reranking did not run.
func (r *Result) FineScore() *float64 { return r.fineScore }

// VectorRank returns the position the document had after stage one.
func (r *Result) VectorRank() int { return r.vectorRank }

// Title returns the document title.
func (r *Result) Title() string { return r.title }

// Preview returns the bounded text preview.
func (r *Result) Preview() string { return r.preview }

// Timing holds per-stage wall time in milliseconds.
type Timing struct {
	EmbedMS        float64
	VectorSearchMS float64
	FetchMS        float64
	RerankMS       float64
	TotalMS        float64
}

// Page is one slice of the ranked list plus pipeline metadata.
type Page struct {
	Results    []Result
	Total      int
	Page       int
	PageSize   int
	TotalPages int
	// Reranked is true when fine scores drove the ordering.
	Reranked bool
	// Degraded is true when reranking was requested but failed and coarse scores were used.
	Degraded   bool
	Timing     Timing
	Stats      *RerankStats
	Comparison *RankingComparison
}

// TotalPages returns ceil(total/pageSize), 0 for an empty list.
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
