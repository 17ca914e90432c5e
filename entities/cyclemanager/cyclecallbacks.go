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
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type UnregisterFunc func()

// CycleCallbackGroup combines multiple callbacks into one CycleCallback that
// can be handed to a CycleManager. Callbacks run concurrently, bounded by
// routinesLimit.
type CycleCallbackGroup struct {
	sync.Mutex

	logger        logrus.FieldLogger
	id            string
	routinesLimit int
	nextID        uint32
	callbacks     map[uint32]namedCallback
}

type namedCallback struct {
	id       string
	callback CycleCallback
}

func NewCycleCallbackGroup(id string, logger logrus.FieldLogger,
	routinesLimit int,
) *CycleCallbackGroup {
	if routinesLimit < 1 {
		routinesLimit = 1
	}
	return &CycleCallbackGroup{
		logger:        logger,
		id:            id,
		routinesLimit: routinesLimit,
		callbacks:     map[uint32]namedCallback{},
	}
}

func (g *CycleCallbackGroup) Register(id string, callback CycleCallback) UnregisterFunc {
	g.Lock()
	defer g.Unlock()

	callbackID := g.nextID
	g.nextID++
	g.callbacks[callbackID] = namedCallback{id: id, callback: callback}

	return func() {
		g.Lock()
		defer g.Unlock()
		delete(g.callbacks, callbackID)
	}
}

// CycleCallback runs every registered callback once.
func (g *CycleCallbackGroup) CycleCallback(shouldAbort ShouldAbortCallback) bool {
	g.Lock()
	callbacks := make([]namedCallback, 0, len(g.callbacks))
	for _, cb := range g.callbacks {
		callbacks = append(callbacks, cb)
	}
	g.Unlock()

	eg := &errgroup.Group{}
	eg.SetLimit(g.routinesLimit)
	lock := new(sync.Mutex)
	executed := false

	for _, cb := range callbacks {
		if shouldAbort() {
			break
		}

		cb := cb
		eg.Go(func() error {
			defer g.recover(cb.id)

			ex := cb.callback(shouldAbort)

			lock.Lock()
			executed = ex || executed
			lock.Unlock()
			return nil
		})
	}

	eg.Wait()
	return executed
}

func (g *CycleCallbackGroup) recover(callbackID string) {
	if r := recover(); r != nil {
		g.logger.WithFields(logrus.Fields{
			"action":       "cyclemanager",
			"callback_id":  callbackID,
			"callbacks_id": g.id,
		}).Errorf("callback panic: %v", r)
	}
}
