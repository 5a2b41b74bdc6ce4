package services

import (
	"math"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

const (
	// MarketCapMultiplier turns a unit price into an illustrative market-cap figure.
	MarketCapMultiplier = 1000

	bullishPosition = 0.7
	bearishPosition = 0.3
)

// PriceMetrics are the values derived from one variant's raw prices.
type PriceMetrics struct {
	Volatility     float64               `json:"volatility"`
	Spread         float64               `json:"spread"`
	StabilityScore float64               `json:"stability_score"`
	MarketCap      float64               `json:"market_cap"`
	Liquidity      float64               `json:"liquidity"`
	TrendDirection models.TrendDirection `json:"trend_direction"`
}

// DeriveMetrics computes every metric for a price set. Zero prices count as absent.
func DeriveMetrics(p pokemonPriceSet) PriceMetrics {
	volatility := Volatility(p)
	return PriceMetrics{
		Volatility:     volatility,
		Spread:         Spread(p),
		StabilityScore: StabilityScore(volatility),
		MarketCap:      roundTo(p.Market*MarketCapMultiplier, 2),
		Liquidity:      Liquidity(p),
		TrendDirection: Trend(p),
	}
}

// Volatility is the coefficient of variation (population stddev over mean) of the
// non-zero low, mid, high and market prices.
func Volatility(p pokemonPriceSet) float64 {
	var values []float64
	for _, v := range []float64{p.Low, p.Mid, p.High, p.Market} {
		if v > 0 {
			values = append(values, v)
		}
	}
	if len(values) < 2 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(sq / float64(len(values)))
	return roundTo(stddev/mean, 4)
}

// Spread is (high-low)/market, or 0 when any of them is missing.
func Spread(p pokemonPriceSet) float64 {
	if p.Market <= 0 || p.High <= 0 || p.Low <= 0 {
		return 0
	}
	return roundTo((p.High-p.Low)/p.Market, 4)
}

// StabilityScore maps volatility onto 0..100, higher meaning steadier.
func StabilityScore(volatility float64) float64 {
	return roundTo(clamp((1-volatility)*100, 0, 100), 2)
}

// Liquidity scores how actively a card trades on 0..100.
func Liquidity(p pokemonPriceSet) float64 {
	if p.Market <= 0 {
		return 0
	}

	spread := 1.0
	if p.High > 0 && p.Low > 0 {
		spread = (p.High - p.Low) / p.Market
	}

	score := 50.0
	score += math.Max(0, 1-spread) * 25
	if p.DirectLow > 0 {
		score += 15
		if math.Abs(p.DirectLow-p.Market)/p.Market <= 0.2 {
			score += 10
		}
	}
	return roundTo(clamp(score, 0, 100), 2)
}

// Trend places market inside the low-high range: top 30% bullish, bottom 30% bearish.
func Trend(p pokemonPriceSet) models.TrendDirection {
	if p.Low <= 0 || p.High <= 0 || p.Market <= 0 || p.High <= p.Low {
		return models.TrendNeutral
	}
	position := (p.Market - p.Low) / (p.High - p.Low)
	switch {
	case position >= bullishPosition:
		return models.TrendBullish
	case position <= bearishPosition:
		return models.TrendBearish
	default:
		return models.TrendNeutral
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func roundTo(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}
