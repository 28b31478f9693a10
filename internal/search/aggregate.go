package search

// Aggregate merges per-term candidate lists into one candidate per chunk
// ID, keeping the highest fused score. On an exact tie the candidate from
// the earliest list wins, and within a list the earliest position. The
// output is in first-seen order; Rerank imposes the final order.
//
// Each returned candidate's Term is the index of the list it came from.
// The input lists are not modified, so the same input always yields the
// same output.
func Aggregate(lists [][]Candidate) []Candidate {
	index := make(map[string]int)
	var out []Candidate

	for term, list := range lists {
		for _, c := range list {
			c.Term = term
			pos, seen := index[c.ChunkID]
			if !seen {
				index[c.ChunkID] = len(out)
				out = append(out, c)
				continue
			}
			if c.FusedScore > out[pos].FusedScore {
				out[pos] = c
			}
		}
	}

	if out == nil {
		return []Candidate{}
	}
	return out
}
