// Package evaluate computes classification metrics and sweeps decision
// thresholds over anomaly score distributions.
package evaluate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hed1ad/kddbench/pkg/kdd"
)

// ErrLengthMismatch is returned when scores and labels differ in length.
var ErrLengthMismatch = errors.New("length mismatch")

// Confusion is a binary confusion matrix with anomaly as the positive class.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`
}

// Total returns the number of classified samples.
func (c Confusion) Total() int {
	return c.TP + c.FP + c.TN + c.FN
}

// Precision returns TP / (TP + FP), or 0 when nothing was flagged.
func (c Confusion) Precision() float64 {
	return ratio(c.TP, c.TP+c.FP)
}

// Recall returns TP / (TP + FN), or 0 when there are no anomalies.
func (c Confusion) Recall() float64 {
	return ratio(c.TP, c.TP+c.FN)
}

// F1 returns the harmonic mean of precision and recall,
// 2TP / (2TP + FP + FN).
func (c Confusion) F1() float64 {
	return ratio(2*c.TP, 2*c.TP+c.FP+c.FN)
}

// Accuracy returns (TP + TN) / total.
func (c Confusion) Accuracy() float64 {
	return ratio(c.TP+c.TN, c.Total())
}

// FalsePositiveRate returns FP / (FP + TN).
func (c Confusion) FalsePositiveRate() float64 {
	return ratio(c.FP, c.FP+c.TN)
}

func (c Confusion) String() string {
	return fmt.Sprintf("tp=%d fp=%d tn=%d fn=%d", c.TP, c.FP, c.TN, c.FN)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Confuse tallies predictions against labels. true means anomaly.
func Confuse(labels, predicted []bool) (Confusion, error) {
	if len(labels) != len(predicted) {
		return Confusion{}, fmt.Errorf("%w: %d labels, %d predictions", ErrLengthMismatch, len(labels), len(predicted))
	}

	var c Confusion
	for i, actual := range labels {
		switch {
		case actual && predicted[i]:
			c.TP++
		case actual:
			c.FN++
		case predicted[i]:
			c.FP++
		default:
			c.TN++
		}
	}
	return c, nil
}

// Classify marks every score strictly above threshold as anomalous.
func Classify(scores []float64, threshold float64) []bool {
	out := make([]bool, len(scores))
	for i, s := range scores {
		out[i] = s > threshold
	}
	return out
}

// ROCAUC returns the area under the ROC curve, computed from the
// Mann-Whitney rank statistic with tied scores sharing their mean rank.
// It returns 0.5 when either class is empty.
func ROCAUC(scores []float64, labels []bool) (float64, error) {
	if len(scores) != len(labels) {
		return 0, fmt.Errorf("%w: %d scores, %d labels", ErrLengthMismatch, len(scores), len(labels))
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] < scores[idx[b]]
	})

	var positives, negatives int
	var rankSum float64
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && scores[idx[end]] == scores[idx[start]] {
			end++
		}
		// ranks are 1-based; ties take the mean of start+1..end
		rank := float64(start+1+end) / 2
		for _, i := range idx[start:end] {
			if labels[i] {
				positives++
				rankSum += rank
			} else {
				negatives++
			}
		}
		start = end
	}

	if positives == 0 || negatives == 0 {
		return 0.5, nil
	}

	u := rankSum - float64(positives)*float64(positives+1)/2
	return u / (float64(positives) * float64(negatives)), nil
}

// ROCPoint is one operating point of a ROC curve.
type ROCPoint struct {
	FPR, TPR float64
}

// ROCCurve returns the ROC operating points for every distinct score
// threshold, from (0, 0) to (1, 1).
func ROCCurve(scores []float64, labels []bool) ([]ROCPoint, error) {
	if len(scores) != len(labels) {
		return nil, fmt.Errorf("%w: %d scores, %d labels", ErrLengthMismatch, len(scores), len(labels))
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	var positives, negatives int
	for _, l := range labels {
		if l {
			positives++
		} else {
			negatives++
		}
	}

	points := []ROCPoint{{0, 0}}
	var tp, fp int
	for k, i := range idx {
		if labels[i] {
			tp++
		} else {
			fp++
		}
		if k+1 < len(idx) && scores[idx[k+1]] == scores[i] {
			continue
		}
		points = append(points, ROCPoint{
			FPR: ratio(fp, negatives),
			TPR: ratio(tp, positives),
		})
	}

	return points, nil
}

// CategoryRecall returns, per attack category, the fraction of attack
// records flagged as anomalous.
func CategoryRecall(records []kdd.Record, predicted []bool) (map[string]float64, error) {
	if len(records) != len(predicted) {
		return nil, fmt.Errorf("%w: %d records, %d predictions", ErrLengthMismatch, len(records), len(predicted))
	}

	total := make(map[string]int)
	hit := make(map[string]int)
	for i, r := range records {
		if !r.IsAnomaly() {
			continue
		}
		c := r.Category()
		total[c]++
		if predicted[i] {
			hit[c]++
		}
	}

	out := make(map[string]float64, len(total))
	for c, n := range total {
		out[c] = ratio(hit[c], n)
	}
	return out, nil
}
