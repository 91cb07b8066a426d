// Package valuation computes DomaRank scores and risk-adjusted USD
// valuations for fractional domain tokens. Every function here is pure and
// all arithmetic is arbitrary-precision decimal, so a fixed input yields a
// bit-identical result on every machine.
package valuation

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// secondsPerYear is 365.25 days.
const secondsPerYear = 31557600

var (
	two      = decimal.NewFromInt(2)
	three    = decimal.NewFromInt(3)
	five     = decimal.NewFromInt(5)
	ten      = decimal.NewFromInt(10)
	hundred  = decimal.NewFromInt(100)
	tldW     = decimal.RequireFromString("0.5")
	keywordW = decimal.RequireFromString("0.3")
	lengthW  = decimal.RequireFromString("0.2")

	// minValuationUSD is the smallest representable on-chain value; below
	// it a token gets no valuation rather than a silent zero.
	minValuationUSD = decimal.New(1, -18)
)

var tldScores = map[string]int64{
	"com": 10,
	"io":  10,
	"ai":  10,
	"net": 9,
	"org": 9,
	"xyz": 8,
}

const unknownTLDScore = 5

var premiumKeywords = []string{"crypto", "nft", "defi", "web3", "dao", "ai"}

// Metadata is the full input set of the scoring function.
type Metadata struct {
	Domain           string
	Label            string
	TLD              string
	NameLength       int
	YearsOnChain     decimal.Decimal
	YearsUntilExpiry decimal.Decimal
	ActiveOffers     int
	LivePriceUSD     decimal.Decimal
}

// Valuation is the scoring output. HasValue is false when the USD value is
// below one wei-USD and the token must be skipped instead of written as 0.
type Valuation struct {
	AgeScore     decimal.Decimal
	DemandScore  decimal.Decimal
	QualityScore decimal.Decimal
	DomaRank     decimal.Decimal
	ValuationUSD decimal.Decimal
	ValuationWei *big.Int
	HasValue     bool
}

func minDec(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// TLDScore looks up the fixed top-level-domain score.
func TLDScore(tld string) decimal.Decimal {
	if s, ok := tldScores[strings.ToLower(tld)]; ok {
		return decimal.NewFromInt(s)
	}
	return decimal.NewFromInt(unknownTLDScore)
}

// KeywordScore is 10 when the lowercased name carries a premium keyword,
// else 4.
func KeywordScore(name string) decimal.Decimal {
	lower := strings.ToLower(name)
	for _, kw := range premiumKeywords {
		if strings.Contains(lower, kw) {
			return ten
		}
	}
	return decimal.NewFromInt(4)
}

// LengthScore buckets the label length: <=5 -> 10, 6..10 -> 7, else 4.
func LengthScore(length int) decimal.Decimal {
	switch {
	case length <= 5:
		return ten
	case length <= 10:
		return decimal.NewFromInt(7)
	default:
		return decimal.NewFromInt(4)
	}
}

// Score runs the multi-factor model:
//
//	A = min(yearsOnChain*2, 5) + min(yearsUntilExpiry, 5)
//	D = min(activeOffers*2, 10)
//	K = 0.5*tld + 0.3*keyword + 0.2*length
//	DomaRank = clamp(2A + 5D + 3K, 0, 100)
//	valuation = livePriceUSD * DomaRank / 100
func Score(md Metadata) Valuation {
	ageScore := minDec(md.YearsOnChain.Mul(two), five).
		Add(minDec(md.YearsUntilExpiry, five))

	demandScore := minDec(decimal.NewFromInt(int64(md.ActiveOffers)).Mul(two), ten)

	qualityScore := TLDScore(md.TLD).Mul(tldW).
		Add(KeywordScore(md.Domain).Mul(keywordW)).
		Add(LengthScore(md.NameLength).Mul(lengthW))

	rank := clamp(
		ageScore.Mul(two).Add(demandScore.Mul(five)).Add(qualityScore.Mul(three)),
		decimal.Zero, hundred,
	)

	// Dividing by 100 is a pure exponent shift, so the result stays exact.
	usd := md.LivePriceUSD.Mul(rank).Shift(-2)

	v := Valuation{
		AgeScore:     ageScore,
		DemandScore:  demandScore,
		QualityScore: qualityScore,
		DomaRank:     rank,
		ValuationUSD: usd,
	}
	if usd.LessThan(minValuationUSD) {
		return v
	}
	v.ValuationWei = ToWei(usd)
	v.HasValue = true
	return v
}

// ToWei converts a USD value to its 18-decimal wei representation, rounding
// half to even.
func ToWei(usd decimal.Decimal) *big.Int {
	return usd.Shift(18).RoundBank(0).BigInt()
}

// FromBaseUnit renders a raw integer string with d implied fractional
// digits as a plain decimal string.
func FromBaseUnit(raw string, d int32) (string, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid base-unit amount %q: %w", raw, err)
	}
	return v.Shift(-d).String(), nil
}

// ToBaseUnit renders a decimal string as a raw integer string with d
// implied fractional digits.
func ToBaseUnit(value string, d int32) (string, error) {
	v, err := decimal.NewFromString(value)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return v.Shift(d).String(), nil
}

// Derive builds scoring metadata from raw subgraph fields. The TLD is the
// suffix after the last dot; years are measured in 365.25-day units; the
// live price arrives in the upstream's fixed 8-decimal format.
func Derive(domainName string, fractionalizedAt, expiresAt, now int64, activeOffers int, currentPriceRaw string) (Metadata, error) {
	label := domainName
	tld := ""
	if i := strings.LastIndex(domainName, "."); i >= 0 {
		label = domainName[:i]
		tld = domainName[i+1:]
	}

	priceRaw, err := decimal.NewFromString(currentPriceRaw)
	if err != nil {
		return Metadata{}, fmt.Errorf("invalid price %q for %s: %w", currentPriceRaw, domainName, err)
	}

	return Metadata{
		Domain:           domainName,
		Label:            label,
		TLD:              tld,
		NameLength:       len(label),
		YearsOnChain:     yearsBetween(fractionalizedAt, now),
		YearsUntilExpiry: yearsBetween(now, expiresAt),
		ActiveOffers:     activeOffers,
		LivePriceUSD:     priceRaw.Shift(-8),
	}, nil
}

func yearsBetween(from, to int64) decimal.Decimal {
	if to <= from {
		return decimal.Zero
	}
	return decimal.NewFromInt(to - from).Div(decimal.NewFromInt(secondsPerYear))
}
