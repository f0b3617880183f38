// Package archive defines the core types shared across the archival pipeline.
package archive

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Provider identifies an upstream quote provider.
type Provider string

// Known providers.
const (
	ProviderVisa       Provider = "VISA"
	ProviderMastercard Provider = "MASTERCARD"

	// AnyProvider matches observations from every provider in existence checks.
	AnyProvider Provider = ""
)

var knownProviders = map[Provider]struct{}{
	ProviderVisa:       {},
	ProviderMastercard: {},
}

// ParseProvider normalizes a provider name such as "visa" or "Mastercard".
func ParseProvider(raw string) (Provider, error) {
	p := Provider(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownProviders[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
	return p, nil
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	_, ok := knownProviders[p]
	return ok
}

// FetchMode describes the concurrency contract of a fetch client.
type FetchMode int

// Fetch modes.
const (
	// ModeStateless clients accept many independent requests at once.
	ModeStateless FetchMode = iota
	// ModeStateful clients carry session state between requests and must be
	// driven one request at a time in submission order.
	ModeStateful
)

func (m FetchMode) String() string {
	if m == ModeStateful {
		return "stateful"
	}
	return "stateless"
}

// Pair is a source/target currency pair.
type Pair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// ParsePair parses "USD/INR" (also accepts "USD-INR" and lower case).
func ParsePair(raw string) (Pair, error) {
	sep := "/"
	if !strings.Contains(raw, sep) {
		sep = "-"
	}
	parts := strings.Split(strings.TrimSpace(raw), sep)
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("invalid pair %q: expected SOURCE/TARGET", raw)
	}
	p := Pair{
		Source: strings.ToUpper(strings.TrimSpace(parts[0])),
		Target: strings.ToUpper(strings.TrimSpace(parts[1])),
	}
	if err := p.Validate(); err != nil {
		return Pair{}, err
	}
	return p, nil
}

// ParsePairs parses a list of pair strings.
func ParsePairs(raw []string) ([]Pair, error) {
	out := make([]Pair, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		p, err := ParsePair(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Validate checks both currency codes.
func (p Pair) Validate() error {
	if !ValidCurrency(p.Source) {
		return fmt.Errorf("invalid source currency %q", p.Source)
	}
	if !ValidCurrency(p.Target) {
		return fmt.Errorf("invalid target currency %q", p.Target)
	}
	if p.Source == p.Target {
		return fmt.Errorf("source and target currency are both %s", p.Source)
	}
	return nil
}

func (p Pair) String() string {
	return p.Source + "/" + p.Target
}

// ValidCurrency reports whether code is a three letter upper-case ISO code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

// Observation is one archived exchange-rate data point.
type Observation struct {
	Date     civil.Date          `json:"date"`
	Source   string              `json:"source"`
	Target   string              `json:"target"`
	Provider Provider            `json:"provider"`
	Rate     decimal.Decimal     `json:"rate"`
	Markup   decimal.NullDecimal `json:"markup"`
}

// Validate enforces the observation invariants.
func (o Observation) Validate() error {
	if !o.Date.IsValid() {
		return fmt.Errorf("invalid date %v", o.Date)
	}
	if err := (Pair{Source: o.Source, Target: o.Target}).Validate(); err != nil {
		return err
	}
	if !o.Provider.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, o.Provider)
	}
	if !o.Rate.IsPositive() {
		return fmt.Errorf("rate must be > 0, got %s", o.Rate)
	}
	return nil
}

// DedupKey returns the per-source uniqueness key "date|target|provider".
// The source currency is implicit because keys live in a per-source index.
func (o Observation) DedupKey() string {
	return DedupKey(o.Date, o.Target, o.Provider)
}

// Pair returns the observation's currency pair.
func (o Observation) Pair() Pair {
	return Pair{Source: o.Source, Target: o.Target}
}

// DedupKey builds the key used by the store index.
func DedupKey(date civil.Date, target string, provider Provider) string {
	return date.String() + "|" + target + "|" + string(provider)
}

// GapQuery describes a gap analysis request.
type GapQuery struct {
	Pairs     []Pair
	Range     DateRange
	Providers []Provider
}

// MissingPoint is an observation the store does not hold yet.
type MissingPoint struct {
	Date     civil.Date `json:"date"`
	Source   string     `json:"source"`
	Target   string     `json:"target"`
	Provider Provider   `json:"provider"`
}

// BatchRequest is one unit of work for a fetch client. The provider is implied
// by the queue the request belongs to.
type BatchRequest struct {
	Date   civil.Date
	Source string
	Target string
}

// Pair returns the request's currency pair.
func (r BatchRequest) Pair() Pair {
	return Pair{Source: r.Source, Target: r.Target}
}

func (r BatchRequest) String() string {
	return r.Date.String() + " " + r.Source + "/" + r.Target
}
