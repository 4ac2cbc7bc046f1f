package strategy

import (
	"math"
	"sort"
	"time"

	"github.com/mhayashi-dev/spreadwheel/internal/models"
)

const (
	// maxStrikesPerExpiry caps how many strikes near the money are quoted.
	maxStrikesPerExpiry = 15
	// maxExpirations caps how many expirations are quoted per cycle.
	maxExpirations = 2
	// strikeFloorRatio is the lower bound of considered strikes relative to
	// the underlying price.
	strikeFloorRatio = 0.85
	// scoreWindow is the delta distance at which a candidate's score reaches
	// zero.
	scoreWindow = 0.1
)

// expiration is a chain expiration that falls inside the DTE window.
type expiration struct {
	Expiry  string // YYYYMMDD
	ExpDate time.Time
	DTE     int
}

// validExpirations returns the expirations within [minDTE, maxDTE] days of
// today, soonest first, capped at maxExpirations.
func validExpirations(expirations []string, today time.Time, minDTE, maxDTE int) []expiration {
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	sorted := append([]string(nil), expirations...)
	sort.Strings(sorted)

	var out []expiration
	for _, s := range sorted {
		exp, err := time.ParseInLocation("20060102", s, time.UTC)
		if err != nil {
			continue
		}
		dte := int(exp.Sub(day).Hours() / 24)
		if dte < minDTE || dte > maxDTE {
			continue
		}
		out = append(out, expiration{Expiry: s, ExpDate: exp, DTE: dte})
		if len(out) == maxExpirations {
			break
		}
	}
	return out
}

// candidateStrikes returns up to maxStrikesPerExpiry strikes in
// [price*strikeFloorRatio, price), nearest the money, ascending.
func candidateStrikes(strikes []float64, price float64) []float64 {
	var in []float64
	for _, s := range strikes {
		if s >= price*strikeFloorRatio && s < price {
			in = append(in, s)
		}
	}
	sort.Float64s(in)
	if len(in) > maxStrikesPerExpiry {
		in = in[len(in)-maxStrikesPerExpiry:]
	}
	return in
}

// scoreDelta rates how close a short leg's delta is to the target. Within
// scoreWindow the score decays linearly from 1 to 0; beyond it the score is 0.
func scoreDelta(shortDelta, targetDelta float64) float64 {
	return math.Max(0, 1-math.Abs(shortDelta-targetDelta)/scoreWindow)
}

// bestCandidate returns the highest-scoring candidate. Ties keep the earliest
// candidate in the slice, so the build order (soonest expiry, then ascending
// strike) decides.
func bestCandidate(candidates []*models.SpreadCandidate) *models.SpreadCandidate {
	var best *models.SpreadCandidate
	for _, c := range candidates {
		if best == nil || c.Score > best.Score {
			best = c
		}
	}
	return best
}

// positionSize returns the number of spreads to trade given the account's
// net liquidation value and the per-contract max loss. The risk budget is
// netLiq * riskPerTrade * sizeFactor; at least one contract is always traded.
func positionSize(netLiq, riskPerTrade, sizeFactor, maxLossPerContract float64) int {
	if maxLossPerContract <= 0 {
		return 1
	}
	qty := int(netLiq * riskPerTrade * sizeFactor / maxLossPerContract)
	if qty < 1 {
		return 1
	}
	return qty
}
