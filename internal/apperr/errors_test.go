package apperr

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	t.Run("wrapped app error keeps its code", func(t *testing.T) {
		err := fmt.Errorf("submit: %w", NotParticipant())
		assert.Equal(t, CodeNotParticipant, CodeOf(err))
		assert.True(t, Is(err, CodeNotParticipant))
	})

	t.Run("foreign errors are internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(pkgerrors.New("boom")))
		assert.False(t, Retryable(pkgerrors.New("boom")))
	})

	t.Run("nil is not retryable", func(t *testing.T) {
		assert.False(t, Retryable(nil))
		assert.False(t, Is(nil, CodeInternal))
	})
}

func TestRetryable(t *testing.T) {
	cause := pkgerrors.Wrap(fmt.Errorf("database is locked"), "store.Submit.insertMessage")

	assert.True(t, Retryable(Persistence(cause)))
	assert.True(t, Retryable(TransportDropped(nil)))
	assert.True(t, Retryable(RateLimited()))
	assert.False(t, Retryable(Validation("content is required")))
	assert.False(t, Retryable(NotParticipant()))
	assert.False(t, Retryable(Forbidden("only the sender may delete")))
}

func TestPublicHidesCause(t *testing.T) {
	err := Persistence(fmt.Errorf("pq: password authentication failed"))
	require.Contains(t, err.Error(), "password")

	pub := Public(err)
	assert.Equal(t, CodePersistenceFailure, pub.Code)
	assert.Equal(t, "persistence failure", pub.Message)
	assert.Nil(t, pub.Cause)

	assert.Equal(t, CodeInternal, Public(fmt.Errorf("x")).Code)
}
