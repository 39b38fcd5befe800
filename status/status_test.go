package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroValueIsOK(t *testing.T) {
	var st Status
	assert.True(t, st.IsOK())
	assert.False(t, st.IsFatal())
	assert.Equal(t, "[SUCCESS]", st.String())
}

func TestFatalImpliesError(t *testing.T) {
	st := New(SevFatal, ErrConnectionError)
	assert.False(t, st.IsOK())
	assert.True(t, st.IsFatal())
	assert.Contains(t, st.String(), "[FATAL]")

	retryable := New(SevError, ErrSocketTimeout)
	assert.False(t, retryable.IsFatal())
	assert.Contains(t, retryable.String(), "[ERROR]")
}

func TestFatalize(t *testing.T) {
	st := New(SevError, ErrSocketError).Fatalize()
	assert.True(t, st.IsFatal())
	// success is never upgraded
	assert.False(t, OK().Fatalize().IsFatal())
}

func TestIsRetry(t *testing.T) {
	assert.True(t, New(SevOK, SuRetry).IsRetry())
	// an error code that happens to share the numeric value is not a retry
	assert.False(t, Status{Sev: SevError, Code: SuRetry}.IsRetry())
}

func TestErrorResponseString(t *testing.T) {
	st := Status{Sev: SevError, Code: ErrErrorResponse, Errno: 3011, Msg: "file not found"}
	s := st.String()
	assert.Contains(t, s, "error response")
	assert.Contains(t, s, "3011")
	assert.Contains(t, s, "file not found")
	assert.Equal(t, s, st.Error())
}
