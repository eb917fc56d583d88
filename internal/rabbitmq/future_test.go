package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFuture(t *testing.T) {
	t.Run("waiters see the resolved error", func(t *testing.T) {
		f := newFuture()
		assert.False(t, f.resolved())

		boom := errors.New("boom")
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.resolve(boom)
		}()

		assert.Equal(t, boom, f.wait(context.Background()))
		assert.Equal(t, boom, f.wait(context.Background()))
		assert.True(t, f.resolved())
	})

	t.Run("wait returns when the context is done", func(t *testing.T) {
		f := newFuture()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, f.wait(ctx), context.DeadlineExceeded)
		assert.False(t, f.resolved())

		f.resolve(nil)
		assert.NoError(t, f.wait(context.Background()))
	})
}
