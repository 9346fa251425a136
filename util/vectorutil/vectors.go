package vectorutil

import (
	"errors"
	"math"
	"slices"
	"sort"

	"golang.org/x/exp/constraints"
)

// SoftMax takes a vector of logits and returns the softmax scores at the given temperature.
func SoftMax(vector []float32, temperature float32) []float32 {
	if temperature <= 0 {
		temperature = 1
	}
	maxLogit := slices.Max(vector)
	shiftedExp := make([]float64, len(vector))
	for i, logit := range vector {
		shiftedExp[i] = math.Exp(float64((logit - maxLogit) / temperature))
	}
	sumExp := SumSlice(shiftedExp)
	scores := make([]float32, len(vector))
	for i, exp := range shiftedExp {
		scores[i] = float32(exp / sumExp)
	}
	return scores
}

func SumSlice[T constraints.Integer | constraints.Float](s []T) T {
	var sum T
	for _, v := range s {
		sum += v
	}
	return sum
}

// ArgMax finds both the index of the max value in s and the max value. Ties resolve to the lowest index.
func ArgMax[T constraints.Integer | constraints.Float](s []T) (int, T, error) {
	if len(s) == 0 {
		return 0, 0, errors.New("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}

// TopIndices returns the indices of scores sorted by descending score, truncated to at most
// topK entries and then to the smallest prefix whose share of the kept mass reaches topP.
// topK <= 0 and topP <= 0 or >= 1 disable the respective cut.
func TopIndices(scores []float32, topK int, topP float32) []int {
	indices := make([]int, len(scores))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return scores[indices[a]] > scores[indices[b]]
	})
	if topK > 0 && topK < len(indices) {
		indices = indices[:topK]
	}
	if topP > 0 && topP < 1 {
		var total float32
		for _, idx := range indices {
			total += scores[idx]
		}
		if total <= 0 {
			return indices
		}
		var cumulative float32
		for i, idx := range indices {
			cumulative += scores[idx]
			if cumulative/total >= topP {
				indices = indices[:i+1]
				break
			}
		}
	}
	return indices
}
