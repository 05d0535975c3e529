package result

// RerankStats summarizes the fine scores of a reranked candidate set.
type RerankStats struct {
	Total      int
	MaxScore   float64
	MinScore   float64
	AvgScore   float64
	ScoreRange float64
}

// RankingComparison describes how the cross-encoder moved documents relative to stage one.
// A positive change means the document moved up.
type RankingComparison struct {
	TotalDocs          int
	AvgRankChange      float64
	MaxRankImprovement int
	MaxRankDecline     int
	Improved           int
	Declined           int
	Unchanged          int
}

// ComputeRerankStats summarizes fine scores of ranked candidates. Candidates without
// a fine score are skipped; nil is returned when none has one.
func ComputeRerankStats(ranked []Candidate) *RerankStats {
	var s RerankStats
	var sum float64
	for i := range ranked {
		if ranked[i].FineScore == nil {
			continue
		}
		v := *ranked[i].FineScore
		if s.Total == 0 || v > s.MaxScore {
			s.MaxScore = v
		}
		if s.Total == 0 || v < s.MinScore {
			s.MinScore = v
		}
		sum += v
		s.Total++
	}
	if s.Total == 0 {
		return nil
	}
	s.AvgScore = sum / float64(s.Total)
	s.ScoreRange = s.MaxScore - s.MinScore
	return &s
}

// CompareRankings compares each candidate's stage-one rank with its final position
// in ranked (index+1). Candidates with no stage-one rank are ignored.
func CompareRankings(ranked []Candidate) *RankingComparison {
	var c RankingComparison
	var sum int
	for i := range ranked {
		if ranked[i].VectorRank <= 0 {
			continue
		}
		change := ranked[i].VectorRank - (i + 1)
		if c.TotalDocs == 0 || change > c.MaxRankImprovement {
			c.MaxRankImprovement = change
		}
		if c.TotalDocs == 0 || change < c.MaxRankDecline {
			c.MaxRankDecline = change
		}
		switch {
		case change > 0:
			c.Improved++
		case change < 0:
			c.Declined++
		default:
			c.Unchanged++
		}
		sum += change
		c.TotalDocs++
	}
	if c.TotalDocs == 0 {
		return nil
	}
	c.AvgRankChange = float64(sum) / float64(c.TotalDocs)
	return &c
}
