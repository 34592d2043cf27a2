// Package selfheal implements the Self-Heal Regenerator (C8): it classifies
// a terminal failed run, asks a Generator to produce a fixed spec, and
// builds the next Spec/Run pair in the parentSpecId lineage. Grounded on
// kilroy's internal/attractor/engine/failure_policy.go substring/class
// classification idiom and escalation.go's attempt-ladder accounting.
package selfheal

import "strings"

// FailureClass is one of the six substring-classified failure buckets of
// spec §4.6.
type FailureClass string

const (
	ClassSelector  FailureClass = "selector"
	ClassTimeout   FailureClass = "timeout"
	ClassWallet    FailureClass = "wallet"
	ClassAssertion FailureClass = "assertion"
	ClassNetwork   FailureClass = "network"
	ClassUnknown   FailureClass = "unknown"
)

// classificationOrder is checked top to bottom; the first substring match
// wins. Order matters: "wallet" is checked before "timeout" since a wallet
// popup timeout should classify as wallet, not timeout, and "selector"
// before the generic "assertion" bucket for the same reason.
var classificationOrder = []struct {
	class    FailureClass
	patterns []string
}{
	{ClassWallet, []string{"wallet", "metamask", "siwe", "sign-in with ethereum", "extension popup"}},
	{ClassSelector, []string{"locator", "selector", "no element found", "element not found", "getbyrole", "getbytestid"}},
	{ClassNetwork, []string{"net::err_", "econnrefused", "enotfound", "etimedout", "dns", "connection refused"}},
	{ClassTimeout, []string{"timeout", "timed out", "exceeded"}},
	{ClassAssertion, []string{"assert", "expect(", "expected", "tohavevalue", "tobevisible"}},
}

// Classify applies case-insensitive substring heuristics against the
// combined error and log text (spec §4.6).
func Classify(errText, logs string) FailureClass {
	combined := strings.ToLower(errText + "\n" + logs)
	for _, c := range classificationOrder {
		for _, p := range c.patterns {
			if strings.Contains(combined, p) {
				return c.class
			}
		}
	}
	return ClassUnknown
}
