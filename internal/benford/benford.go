// Package benford tests a batch of amounts against Benford's first-digit
// law. Fabricated invoice amounts tend to deviate from the expected
// logarithmic distribution.
package benford

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MinSamples is the smallest batch worth testing.
const MinSamples = 50

// CriticalValue is the chi-square critical value for 8 degrees of freedom
// at the 0.05 significance level.
const CriticalValue = 15.507

// Expected returns the Benford probability of leading digit d (1..9).
func Expected(d int) float64 {
	return math.Log10(1 + 1/float64(d))
}

// Result is the outcome of a first-digit test.
type Result struct {
	Samples    int        `json:"samples"`
	Observed   [9]float64 `json:"observed"`
	Expected   [9]float64 `json:"expected"`
	ChiSquare  float64    `json:"chiSquare"`
	Critical   float64    `json:"critical"`
	Anomalous  bool       `json:"anomalous"`
	Suspicious []int      `json:"suspiciousDigits,omitempty"`
}

// Analyze runs the test. It returns nil when fewer than MinSamples amounts
// have a non-zero leading digit.
func Analyze(amounts []decimal.Decimal) *Result {
	var counts [9]int
	n := 0
	for _, a := range amounts {
		if d := FirstDigit(a); d > 0 {
			counts[d-1]++
			n++
		}
	}
	if n < MinSamples {
		return nil
	}

	r := &Result{Samples: n, Critical: CriticalValue}
	for i := range counts {
		exp := Expected(i + 1)
		obs := float64(counts[i]) / float64(n)
		r.Expected[i] = round4(exp)
		r.Observed[i] = round4(obs)

		expCount := exp * float64(n)
		diff := float64(counts[i]) - expCount
		r.ChiSquare += diff * diff / expCount

		// A digit whose share is off by more than half of its expectation.
		if math.Abs(obs-exp) > exp/2 {
			r.Suspicious = append(r.Suspicious, i+1)
		}
	}
	r.ChiSquare = round4(r.ChiSquare)
	r.Anomalous = r.ChiSquare > CriticalValue
	return r
}

// FirstDigit returns the leading non-zero digit of |a|, or 0 for zero.
func FirstDigit(a decimal.Decimal) int {
	s := strings.TrimLeft(a.Abs().String(), "0.")
	if s == "" {
		return 0
	}
	return int(s[0] - '0')
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
