package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrInvalidToken,
		ErrInvalidGrant,
		ErrEmptyCredential,
		ErrUnknownProvider,
		ErrSessionNotFound,
		ErrEventsPurged,
		ErrRefreshRequired,
		ErrProviderExchange,
		ErrRefreshFailed,
		ErrAPIRequest,
		ErrAPIResponse,
		ErrTransportClosed,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("refreshing linear: %w", ErrRefreshFailed)
	assert.ErrorIs(t, wrapped, ErrRefreshFailed)
	assert.NotErrorIs(t, wrapped, ErrInvalidGrant)
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidToken, "invalid or expired token"},
		{ErrInvalidGrant, "invalid grant"},
		{ErrSessionNotFound, "session not found"},
		{ErrRefreshFailed, "provider refresh failed"},
		{ErrTransportClosed, "transport closed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
