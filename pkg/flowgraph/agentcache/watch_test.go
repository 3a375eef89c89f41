package agentcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_InvalidatesOnWrite(t *testing.T) {
	src := writeSource(t)
	c := New(&countingBuilder{}, WithSources(src), WithCheckInterval(time.Hour), WithLogger(quietLogger()))

	_, err := c.Get(context.Background(), agentNode("n", "p"))
	require.NoError(t, err)
	require.Len(t, c.Keys(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(src, []byte("prompt: escalate\n"), 0o644))
	touch(t, src, time.Second)

	assert.Eventually(t, func() bool {
		return len(c.Keys()) == 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_NoSources(t *testing.T) {
	c := New(&countingBuilder{}, WithLogger(quietLogger()))
	assert.ErrorIs(t, c.Watch(context.Background()), ErrNoSources)
}
