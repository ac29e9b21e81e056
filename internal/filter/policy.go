// Package filter decides whether a normalized signal qualifies for dispatch.
package filter

import (
	"fmt"
	"strings"

	"sigwatch/internal/signal"
)

// Policy is an immutable threshold snapshot. MaxPrice <= 0 disables the upper
// price bound.
type Policy struct {
	MinPrice        float64
	MaxPrice        float64
	MinChangePct    float64
	MinDollarVolume float64
	ChangeFilter    bool
	VolumeFilter    bool
	whitelist       map[string]struct{}
}

// Options mirror the filter configuration section.
type Options struct {
	MinPrice        float64
	MaxPrice        float64
	MinChangePct    float64
	MinDollarVolume float64
	ChangeFilter    bool
	VolumeFilter    bool
	Whitelist       []string
}

// Decision is the outcome of evaluating one signal.
type Decision struct {
	Accepted bool
	Reason   string
}

// NewPolicy builds a policy. Whitelist entries are canonicalised the same way
// as source symbols.
func NewPolicy(opts Options) Policy {
	p := Policy{
		MinPrice:        opts.MinPrice,
		MaxPrice:        opts.MaxPrice,
		MinChangePct:    opts.MinChangePct,
		MinDollarVolume: opts.MinDollarVolume,
		ChangeFilter:    opts.ChangeFilter,
		VolumeFilter:    opts.VolumeFilter,
	}
	for _, sym := range opts.Whitelist {
		if canonical := signal.CanonicalSymbol(sym); canonical != "" {
			if p.whitelist == nil {
				p.whitelist = make(map[string]struct{})
			}
			p.whitelist[canonical] = struct{}{}
		}
	}
	return p
}

// Accepts reports whether sig passes every enabled threshold.
func (p Policy) Accepts(sig signal.Signal) bool {
	return p.Evaluate(sig).Accepted
}

// Evaluate is Accepts with the rejection reason kept for logging.
func (p Policy) Evaluate(sig signal.Signal) Decision {
	if len(p.whitelist) > 0 {
		if _, ok := p.whitelist[sig.Symbol]; !ok {
			return reject("symbol not whitelisted")
		}
	}
	if sig.Price < p.MinPrice {
		return reject(fmt.Sprintf("price %.4f below %.4f", sig.Price, p.MinPrice))
	}
	if p.MaxPrice > 0 && sig.Price > p.MaxPrice {
		return reject(fmt.Sprintf("price %.4f above %.4f", sig.Price, p.MaxPrice))
	}
	if p.ChangeFilter && sig.ChangePct < p.MinChangePct {
		return reject(fmt.Sprintf("change %.2f%% below %.2f%%", sig.ChangePct, p.MinChangePct))
	}
	if p.VolumeFilter && sig.DollarVolume < p.MinDollarVolume {
		return reject(fmt.Sprintf("dollar volume %.0f below %.0f", sig.DollarVolume, p.MinDollarVolume))
	}
	return Decision{Accepted: true}
}

// Whitelist returns the whitelisted symbols in no particular order.
func (p Policy) Whitelist() []string {
	out := make([]string, 0, len(p.whitelist))
	for sym := range p.whitelist {
		out = append(out, sym)
	}
	return out
}

// String renders the thresholds for startup logs.
func (p Policy) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "price=[%g,", p.MinPrice)
	if p.MaxPrice > 0 {
		fmt.Fprintf(&b, "%g]", p.MaxPrice)
	} else {
		b.WriteString("inf]")
	}
	if p.ChangeFilter {
		fmt.Fprintf(&b, " change>=%g%%", p.MinChangePct)
	}
	if p.VolumeFilter {
		fmt.Fprintf(&b, " dollar_volume>=%g", p.MinDollarVolume)
	}
	if len(p.whitelist) > 0 {
		fmt.Fprintf(&b, " whitelist=%d", len(p.whitelist))
	}
	return b.String()
}

func reject(reason string) Decision {
	return Decision{Reason: reason}
}
