package delivery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeIsMonotonic(t *testing.T) {
	order := []Status{StatusSending, StatusSent, StatusDelivered, StatusRead}
	for i, cur := range order {
		for j, next := range order {
			got := Merge(cur, next)
			if j > i {
				assert.Equal(t, next, got, "%s + %s", cur, next)
			} else {
				assert.Equal(t, cur, got, "%s + %s", cur, next)
			}
		}
	}
}

func TestMergeFailed(t *testing.T) {
	t.Run("only from sending", func(t *testing.T) {
		assert.Equal(t, StatusFailed, Merge(StatusSending, StatusFailed))
		assert.Equal(t, StatusSent, Merge(StatusSent, StatusFailed))
		assert.Equal(t, StatusRead, Merge(StatusRead, StatusFailed))
	})

	t.Run("absorbing for sending", func(t *testing.T) {
		assert.Equal(t, StatusFailed, Merge(StatusFailed, StatusSending))
		assert.False(t, CanAdvance(StatusFailed, StatusSending))
	})

	t.Run("absorbing for later states", func(t *testing.T) {
		assert.Equal(t, StatusFailed, Merge(StatusFailed, StatusSent))
		assert.Equal(t, StatusFailed, Merge(StatusFailed, StatusRead))
	})

	t.Run("retry", func(t *testing.T) {
		assert.Equal(t, StatusSending, Retry(StatusFailed))
		assert.Equal(t, StatusRead, Retry(StatusRead))
	})
}

func TestMergeOrderIndependent(t *testing.T) {
	events := []Status{StatusRead, StatusSent, StatusDelivered}
	a := StatusSending
	for _, e := range events {
		a = Merge(a, e)
	}
	b := StatusSending
	for i := len(events) - 1; i >= 0; i-- {
		b = Merge(b, events[i])
	}
	assert.Equal(t, StatusRead, a)
	assert.Equal(t, a, b)
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, StatusSent, Aggregate(nil))
	assert.Equal(t, StatusRead, Aggregate([]Status{StatusRead}))
	assert.Equal(t, StatusDelivered, Aggregate([]Status{StatusRead, StatusDelivered}))
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Status{"s": StatusDelivered})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"delivered"}`, string(b))

	var out struct{ S Status }
	require.NoError(t, json.Unmarshal([]byte(`{"S":"read"}`), &out))
	assert.Equal(t, StatusRead, out.S)

	require.Error(t, json.Unmarshal([]byte(`{"S":"seen"}`), &out))
}
