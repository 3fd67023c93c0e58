package evaluation

// Confusion matrix of a binary classifier, with label 1 as the positive class.
type Confusion struct {
	TP, FP, TN, FN int
}

// ConfusionMatrix counts the predictions, where an example is predicted positive if its score is >= threshold.
func ConfusionMatrix(labels []int, scores []float64, threshold float64) (c Confusion) {
	for ii, score := range scores {
		positive := score >= threshold
		switch {
		case positive && labels[ii] == 1:
			c.TP++
		case positive:
			c.FP++
		case labels[ii] == 1:
			c.FN++
		default:
			c.TN++
		}
	}
	return
}

// Total number of examples.
func (c Confusion) Total() int { return c.TP + c.FP + c.TN + c.FN }

// Matrix returns the counts indexed by [trueLabel][predictedLabel].
func (c Confusion) Matrix() [2][2]int {
	return [2][2]int{{c.TN, c.FP}, {c.FN, c.TP}}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Accuracy is the fraction of correct predictions.
func (c Confusion) Accuracy() float64 { return ratio(c.TP+c.TN, c.Total()) }

// Precision is TP/(TP+FP), or 0 if nothing was predicted positive.
func (c Confusion) Precision() float64 { return ratio(c.TP, c.TP+c.FP) }

// Recall (sensitivity) is TP/(TP+FN), or 0 if there are no positives.
func (c Confusion) Recall() float64 { return ratio(c.TP, c.TP+c.FN) }

// Specificity is TN/(TN+FP), or 0 if there are no negatives.
func (c Confusion) Specificity() float64 { return ratio(c.TN, c.TN+c.FP) }

// F1 is the harmonic mean of precision and recall, or 0 if both are 0.
func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}
