package sandbox

import (
	"context"
	"fmt"
	"time"
)

// PopupAction is the thing a wallet popup driver must perform once the
// popup tab has been located, e.g. clicking "Connect" or "Sign".
type PopupAction func(ctx context.Context, tab TabInfo, ctxHandle TabContext) error

// SelectorStrategy is one of the three UI-version fallback tiers every
// popup driver tries in order (spec §4.2).
type SelectorStrategy int

const (
	SelectorTestID SelectorStrategy = iota
	SelectorRoleText
	SelectorStructural
)

// PopupSelectors names the selector to try for each strategy tier, in
// fallback order.
type PopupSelectors struct {
	TestID     string
	RoleText   string // e.g. "button:Connect"
	Structural string
}

// DriveResult reports whether a popup interaction was handled; per spec
// §4.2 "the contract returns 'handled or not', never raises" — Handled is
// the only outcome callers branch on, Err is advisory diagnostic detail.
type DriveResult struct {
	Handled bool
	Err     error
}

// HelperInvoker is the wallet extension's own "open and drive this popup"
// helper, when it offers one (step 2 of the protocol).
type HelperInvoker func(ctx context.Context, timeout time.Duration) (found bool, err error)

// ExtensionOriginResolver resolves the wallet extension's origin (step 3 of
// the protocol). DriveWalletPopup treats a successful resolution as the cue
// to rescan the open tabs; it does not open a URL built from the origin.
type ExtensionOriginResolver func(ctx context.Context) (origin string, err error)

// DriveWalletPopup runs steps 1-3 of the race-safe wallet protocol of
// spec §4.2:
//  1. Scan current tabs for an already-open wallet notification page.
//  2. Else invoke the wallet's own helper with a short timeout.
//  3. Else resolve the wallet's extension origin and, when that succeeds,
//     scan the open tabs once more. This step does not open the
//     notification URL itself, so a popup that is not already open is not
//     found by it.
//
// Step 4 (polling for a dependent popup) is PollForDependentPopup.
//
// isWalletTab identifies which open tab (if any) is the wallet popup.
func DriveWalletPopup(
	ctx context.Context,
	tabs TabContext,
	isWalletTab func(TabInfo) bool,
	helper HelperInvoker,
	resolveOrigin ExtensionOriginResolver,
	selectors PopupSelectors,
	action PopupAction,
) DriveResult {
	if tab, ok := scanForWalletTab(ctx, tabs, isWalletTab); ok {
		if err := tabs.BringForward(ctx, tab.ID); err != nil {
			return DriveResult{Handled: false, Err: err}
		}
		if err := runSelectorFallback(ctx, tab, tabs, selectors, action); err != nil {
			return DriveResult{Handled: false, Err: err}
		}
		return DriveResult{Handled: true}
	}

	if helper != nil {
		found, err := helper(ctx, 10*time.Second)
		if found {
			return DriveResult{Handled: true}
		}
		if err != nil {
			// Non-fatal: fall through to manual origin resolution.
			_ = err
		}
	}

	if resolveOrigin != nil {
		origin, err := resolveOrigin(ctx)
		if err == nil && origin != "" {
			if tab, ok := scanForWalletTab(ctx, tabs, isWalletTab); ok {
				if err := runSelectorFallback(ctx, tab, tabs, selectors, action); err != nil {
					return DriveResult{Handled: false, Err: err}
				}
				return DriveResult{Handled: true}
			}
		}
	}

	return DriveResult{Handled: false, Err: fmt.Errorf("sandbox: wallet popup not found by any of the three strategies")}
}

// scanForWalletTab implements protocol step 1.
func scanForWalletTab(ctx context.Context, tabs TabContext, isWalletTab func(TabInfo) bool) (TabInfo, bool) {
	open, err := tabs.OpenTabs(ctx)
	if err != nil {
		return TabInfo{}, false
	}
	for _, t := range open {
		if isWalletTab(t) {
			return t, true
		}
	}
	return TabInfo{}, false
}

// runSelectorFallback calls action once for each non-empty selector tier,
// in testid -> role/text -> structural order, until one call succeeds. The
// selector strings are not passed to action, so every call runs the same
// action; with no selector set, action is not called and nil is returned.
func runSelectorFallback(ctx context.Context, tab TabInfo, tabs TabContext, selectors PopupSelectors, action PopupAction) error {
	var lastErr error
	for _, sel := range []string{selectors.TestID, selectors.RoleText, selectors.Structural} {
		if sel == "" {
			continue
		}
		if err := action(ctx, tab, tabs); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// PollForDependentPopup implements protocol step 4: up to 3 polls at 2s
// intervals waiting for a dependent popup (e.g. sign-in-with-Ethereum after
// wallet connection) before the caller repeats steps 1-3 for it.
func PollForDependentPopup(ctx context.Context, tabs TabContext, isDependentTab func(TabInfo) bool) (TabInfo, bool) {
	const (
		maxPolls = 3
		interval = 2 * time.Second
	)
	for i := 0; i < maxPolls; i++ {
		if tab, ok := scanForWalletTab(ctx, tabs, isDependentTab); ok {
			return tab, true
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return TabInfo{}, false
		}
	}
	return TabInfo{}, false
}
