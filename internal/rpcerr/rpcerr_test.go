package rpcerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodes(t *testing.T) {
	// These values are a compatibility contract with browser dApp code.
	assert.Equal(t, 4001, CodeUserRejected)
	assert.Equal(t, 4100, CodeUnauthorized)
	assert.Equal(t, 4200, CodeUnsupportedMethod)
	assert.Equal(t, 4900, CodeDisconnected)
	assert.Equal(t, 4901, CodeChainDisconnected)
}

func TestUserRejectedDefaultReason(t *testing.T) {
	err := UserRejected("")
	assert.Equal(t, CodeUserRejected, err.Code)
	assert.Equal(t, "User rejected the request", err.Message)

	err = UserRejected("Suspicious")
	assert.Equal(t, "Suspicious", err.Message)
}

func TestFromPassthrough(t *testing.T) {
	orig := UnsupportedMethod("eth_frobnicate")
	wrapped := fmt.Errorf("dispatch: %w", orig)

	got := From(wrapped)
	assert.Equal(t, CodeUnsupportedMethod, got.Code)
	assert.Contains(t, got.Message, "eth_frobnicate")
}

func TestFromPlainError(t *testing.T) {
	got := From(errors.New("boom"))
	assert.Equal(t, CodeDisconnected, got.Code)
	assert.Equal(t, "boom", got.Message)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeUserRejected, CodeOf(UserRejected("no")))
	assert.Equal(t, 0, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeDisconnected, CodeOf(fmt.Errorf("wrap: %w", Disconnected(""))))
}
