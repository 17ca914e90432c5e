//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package cyclemanager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleManager(t *testing.T) {
	t.Run("runs callback on every tick", func(t *testing.T) {
		var calls atomic.Int32
		cm := NewManager(NewFixedTicker(5*time.Millisecond),
			func(shouldAbort ShouldAbortCallback) bool {
				calls.Add(1)
				return true
			})

		cm.Start()
		assert.Eventually(t, func() bool { return calls.Load() >= 3 },
			time.Second, time.Millisecond)

		require.Nil(t, cm.StopAndWait(context.Background()))
		assert.False(t, cm.Running())
	})

	t.Run("stopping a never started manager succeeds", func(t *testing.T) {
		cm := NewManager(NewNoopTicker(), func(ShouldAbortCallback) bool { return false })
		assert.Nil(t, cm.StopAndWait(context.Background()))
	})

	t.Run("long running callback observes abort", func(t *testing.T) {
		started := make(chan struct{})
		var once atomic.Bool
		cm := NewManager(NewFixedTicker(time.Millisecond),
			func(shouldAbort ShouldAbortCallback) bool {
				if once.CompareAndSwap(false, true) {
					close(started)
				}
				for !shouldAbort() {
					time.Sleep(time.Millisecond)
				}
				return true
			})

		cm.Start()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.Nil(t, cm.StopAndWait(ctx))
	})
}

func TestCycleCallbackGroup(t *testing.T) {
	logger, hook := test.NewNullLogger()
	group := NewCycleCallbackGroup("test", logger, 2)

	var first, second atomic.Int32
	group.Register("first", func(ShouldAbortCallback) bool {
		first.Add(1)
		return false
	})
	unregister := group.Register("second", func(ShouldAbortCallback) bool {
		second.Add(1)
		return true
	})
	group.Register("panics", func(ShouldAbortCallback) bool {
		panic("boom")
	})

	never := func() bool { return false }
	assert.True(t, group.CycleCallback(never))
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), second.Load())
	require.NotEmpty(t, hook.AllEntries())
	assert.Contains(t, hook.LastEntry().Message, "boom")

	unregister()
	assert.False(t, group.CycleCallback(never))
	assert.Equal(t, int32(2), first.Load())
	assert.Equal(t, int32(1), second.Load())
}
