package monitoring

import (
	"math"
	"time"
)

// Percentile выбирает значение по методу ближайшего ранга: sorted[floor(p/100*n)].
// Индекс ограничивается последним элементом, для пустого среза возвращается 0.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(p / 100 * float64(n)))
	idx = min(max(idx, 0), n-1)
	return sorted[idx]
}
