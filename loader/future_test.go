package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionThenAfterResolve(t *testing.T) {
	c := newCompletion()
	c.Resolve(nil)

	var got error
	called := make(chan struct{})
	c.Then(func(err error) {
		got = err
		close(called)
	})
	<-called
	assert.NoError(t, got)
}

func TestCompletionThenBeforeResolve(t *testing.T) {
	c := newCompletion()
	called := make(chan error, 1)
	c.Then(func(err error) { called <- err })

	boom := errors.New("boom")
	c.Resolve(boom)

	select {
	case err := <-called:
		assert.Equal(t, boom, err)
	case <-time.After(time.Second):
		t.Fatal("listener never called")
	}
}

func TestCompletionResolveOnce(t *testing.T) {
	c := newCompletion()
	c.Resolve(errors.New("first"))
	c.Resolve(errors.New("second"))

	err := c.Wait(context.Background())
	assert.EqualError(t, err, "first")
}

func TestJoinCompletionsAllSucceed(t *testing.T) {
	parts := []*Completion{newCompletion(), newCompletion(), newCompletion()}
	compound := joinCompletions(parts)
	for _, p := range parts {
		p.Resolve(nil)
	}
	require.NoError(t, compound.Wait(context.Background()))
}

func TestJoinCompletionsFirstError(t *testing.T) {
	parts := []*Completion{newCompletion(), newCompletion()}
	compound := joinCompletions(parts)
	boom := errors.New("boom")
	parts[0].Resolve(boom)
	parts[1].Resolve(nil)
	assert.Equal(t, boom, compound.Wait(context.Background()))
}

func TestJoinCompletionsEmpty(t *testing.T) {
	compound := joinCompletions(nil)
	require.NoError(t, compound.Wait(context.Background()))
}
