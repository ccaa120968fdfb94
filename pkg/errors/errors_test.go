package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusBadRequest, ErrTerminalApplication},
		{http.StatusUnauthorized, ErrTerminalApplication},
		{http.StatusForbidden, ErrTerminalApplication},
		{http.StatusTooManyRequests, ErrTransientTransport},
		{http.StatusInternalServerError, ErrTransientTransport},
		{http.StatusServiceUnavailable, ErrTransientTransport},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.status))
		})
	}
}

func TestDeliveryErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("sending batch: %w", &DeliveryError{
		Err:        ErrTerminalApplication,
		Message:    "Incorrect index",
		StatusCode: http.StatusBadRequest,
		HECCode:    7,
	})
	assert.True(t, errors.Is(err, ErrTerminalApplication))
	assert.Contains(t, err.Error(), "status 400, code 7")

	var de *DeliveryError
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, 7, de.HECCode)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(ErrTransientTransport, 503, "busy")))
	assert.True(t, Retryable(fmt.Errorf("ticket 5: %w", ErrAckTimeout)))
	assert.False(t, Retryable(New(ErrTerminalApplication, 400, "bad")))
	assert.False(t, Retryable(ErrShutdown))
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(errors.New("unclassified")))
}
