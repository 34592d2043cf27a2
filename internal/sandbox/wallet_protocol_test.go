package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTabContext struct {
	tabs []TabInfo
}

func (f *fakeTabContext) OpenTabs(ctx context.Context) ([]TabInfo, error) { return f.tabs, nil }
func (f *fakeTabContext) BringForward(ctx context.Context, tabID string) error { return nil }
func (f *fakeTabContext) Screenshot(ctx context.Context, excludeExtensionTabs bool) ([]byte, error) {
	return nil, nil
}

func isWallet(t TabInfo) bool { return t.IsWallet }

func TestDriveWalletPopupScansOpenTabsFirst(t *testing.T) {
	tabs := &fakeTabContext{tabs: []TabInfo{{ID: "1", URL: "https://dapp"}, {ID: "2", URL: "chrome-extension://wallet/notification.html", IsWallet: true}}}
	called := false
	action := func(ctx context.Context, tab TabInfo, ctxHandle TabContext) error {
		called = true
		return nil
	}
	res := DriveWalletPopup(context.Background(), tabs, isWallet, nil, nil, PopupSelectors{TestID: "approve-btn"}, action)
	assert.True(t, res.Handled)
	assert.True(t, called)
}

func TestDriveWalletPopupFallsBackToHelper(t *testing.T) {
	tabs := &fakeTabContext{} // no wallet tab open
	helperCalled := false
	helper := func(ctx context.Context, timeout time.Duration) (bool, error) {
		helperCalled = true
		return true, nil
	}
	res := DriveWalletPopup(context.Background(), tabs, isWallet, helper, nil, PopupSelectors{}, func(ctx context.Context, tab TabInfo, ctxHandle TabContext) error { return nil })
	assert.True(t, helperCalled)
	assert.True(t, res.Handled)
}

func TestDriveWalletPopupReturnsNotHandledNeverPanics(t *testing.T) {
	tabs := &fakeTabContext{}
	res := DriveWalletPopup(context.Background(), tabs, isWallet, nil, nil, PopupSelectors{}, func(ctx context.Context, tab TabInfo, ctxHandle TabContext) error { return nil })
	assert.False(t, res.Handled)
	assert.Error(t, res.Err)
}
