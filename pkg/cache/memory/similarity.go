package memory

// Ratio returns the Ratcliff/Obershelp similarity of a and b: 2*M/T where T
// is the total number of runes in both strings and M is the number of runes
// in matching blocks. Identical strings score 1.0, disjoint strings 0.0.
// Two empty strings are considered identical.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	return 2 * float64(matchingRunes(ra, rb)) / float64(total)
}

type span struct {
	alo, ahi, blo, bhi int
}

// matchingRunes finds the longest common block, then recurses into the
// unmatched regions on either side of it.
func matchingRunes(a, b []rune) int {
	matched := 0
	stack := []span{{0, len(a), 0, len(b)}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		i, j, k := longestMatch(a, b, s)
		if k == 0 {
			continue
		}
		matched += k
		if s.alo < i && s.blo < j {
			stack = append(stack, span{s.alo, i, s.blo, j})
		}
		if i+k < s.ahi && j+k < s.bhi {
			stack = append(stack, span{i + k, s.ahi, j + k, s.bhi})
		}
	}
	return matched
}

// longestMatch returns the start in a, start in b and length of the longest
// common block within s. Ties go to the block starting earliest in a, then b.
func longestMatch(a, b []rune, s span) (int, int, int) {
	besti, bestj, best := s.alo, s.blo, 0
	width := s.bhi - s.blo + 1
	prev := make([]int, width)
	cur := make([]int, width)
	for i := s.alo; i < s.ahi; i++ {
		for j := s.blo; j < s.bhi; j++ {
			col := j - s.blo + 1
			if a[i] != b[j] {
				cur[col] = 0
				continue
			}
			k := prev[col-1] + 1
			cur[col] = k
			if k > best {
				besti, bestj, best = i-k+1, j-k+1, k
			}
		}
		prev, cur = cur, prev
	}
	return besti, bestj, best
}
