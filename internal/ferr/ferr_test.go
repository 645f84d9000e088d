package ferr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(Internal, nil, "no cause"))
}

func TestKindOfUnwraps(t *testing.T) {
	base := errors.New("disk full")
	wrapped := Wrap(QAFailed, base, "verification command failed")
	assert.Equal(t, QAFailed, KindOf(wrapped))
	assert.True(t, Is(wrapped, QAFailed))
	assert.False(t, Is(wrapped, AgentTimeout))
}

func TestKindOfUnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}

func TestKindOfThroughFmtWrap(t *testing.T) {
	inner := New(ScopeViolation, "touched forbidden path")
	outer := fmt.Errorf("ticket pipeline: %w", inner)
	assert.Equal(t, ScopeViolation, KindOf(outer))
}
