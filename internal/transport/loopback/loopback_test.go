// ABOUTME: Tests for the loopback transport
// ABOUTME: Covers delivery before and after Start and the connectivity toggle

package loopback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/reciprocity-gateway/internal/transport"
)

func TestLoopback(t *testing.T) {
	ctx := context.Background()
	lb := New()

	err := lb.Deliver(ctx, transport.Message{ChatID: "c1", Text: "hi"})
	assert.ErrorIs(t, err, transport.ErrNotStarted)

	require.NoError(t, lb.Start(ctx, func(ctx context.Context, msg transport.Message) error {
		return lb.SendMessage(ctx, msg.ChatID, "echo: "+msg.Text)
	}))
	require.NoError(t, lb.Deliver(ctx, transport.Message{ChatID: "c1", Text: "hi"}))
	assert.Equal(t, []string{"echo: hi"}, lb.Sent("c1"))

	lb.SetConnected(false)
	assert.ErrorIs(t, lb.Ping(ctx), ErrDisconnected)
	assert.ErrorIs(t, lb.SendMessage(ctx, "c1", "x"), ErrDisconnected)

	require.NoError(t, lb.Stop(ctx))
	assert.ErrorIs(t, lb.Deliver(ctx, transport.Message{ChatID: "c1"}), transport.ErrNotStarted)
}
