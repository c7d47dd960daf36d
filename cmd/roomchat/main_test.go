package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/roomchat/internal/realtime"
)

func TestHandleSurvivesFailedJoin(t *testing.T) {
	// No endpoint configured: every join fails terminally, leaving the app
	// without a session. Input after that must degrade, not panic.
	realtime.Configure(realtime.Config{})
	a := &app{dataPath: t.TempDir()}

	ctx := context.Background()
	assert.NotPanics(t, func() {
		assert.False(t, a.handle(ctx, "hello"))
		assert.False(t, a.handle(ctx, "/who"))
		assert.False(t, a.handle(ctx, "/name Mallory"))
		assert.False(t, a.handle(ctx, "/dm peer"))
		assert.False(t, a.handle(ctx, "/room bad code!"))
		assert.False(t, a.handle(ctx, "/room ABC"))
		assert.False(t, a.handle(ctx, "still no session"))
		assert.False(t, a.handle(ctx, "/help"))
		assert.True(t, a.handle(ctx, "/quit"))
	})
	assert.Nil(t, a.sess)
}
