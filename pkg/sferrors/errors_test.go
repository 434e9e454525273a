package sferrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromResponseClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Kind
	}{
		{"more than one record", 300, KindMoreThanOneRecord},
		{"malformed request", 400, KindMalformedRequest},
		{"expired session", 401, KindExpiredSession},
		{"refused request", 403, KindRefusedRequest},
		{"resource not found", 404, KindResourceNotFound},
		{"server error", 500, KindGeneralError},
		{"teapot", 418, KindGeneralError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromResponse(tt.status, "https://na1.salesforce.com/services/data/v59.0/sobjects/Contact/", "Contact", `[{"errorCode":"X"}]`)
			require.NotNil(t, err)
			assert.Equal(t, tt.want, err.Kind)
			assert.Equal(t, tt.status, err.Status)
			assert.True(t, IsKind(err, tt.want))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := FromResponse(404, "https://na1.salesforce.com/x", "Lead", "gone")
	assert.Contains(t, err.Error(), "Lead")
	assert.Contains(t, err.Error(), "gone")

	auth := AuthenticationFailed("INVALID_LOGIN", "Invalid username, password, security token; or user locked out.")
	assert.Contains(t, auth.Error(), "INVALID_LOGIN")
	assert.True(t, IsKind(auth, KindAuthenticationFailed))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(cause, KindGeneralError, "request failed")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindGeneralError, KindOf(err))

	assert.Nil(t, Wrap(nil, KindGeneralError, "ignored"))
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
	assert.False(t, IsKind(fmt.Errorf("plain"), KindTimeout))
}
