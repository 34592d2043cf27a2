package selfheal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySelector(t *testing.T) {
	assert.Equal(t, ClassSelector, Classify("locator.click: no element found for selector", ""))
}

func TestClassifyTimeout(t *testing.T) {
	assert.Equal(t, ClassTimeout, Classify("Timeout 30000ms exceeded", ""))
}

func TestClassifyWalletTakesPriorityOverTimeout(t *testing.T) {
	assert.Equal(t, ClassWallet, Classify("MetaMask popup timed out waiting for approval", ""))
}

func TestClassifyNetwork(t *testing.T) {
	assert.Equal(t, ClassNetwork, Classify("net::ERR_CONNECTION_REFUSED", ""))
}

func TestClassifyAssertion(t *testing.T) {
	assert.Equal(t, ClassAssertion, Classify("Error: expect(received).toBeVisible()", ""))
}

func TestClassifyUnknownFallback(t *testing.T) {
	assert.Equal(t, ClassUnknown, Classify("something odd happened", ""))
}

func TestClassifyIsCaseInsensitiveAndScansLogs(t *testing.T) {
	assert.Equal(t, ClassSelector, Classify("", "WARN could not resolve LOCATOR for submit button"))
}
