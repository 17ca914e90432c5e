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
	"time"
)

// CycleTicker decides when the next cycle runs. CycleExecuted reports whether
// the previous cycle did any work.
type CycleTicker interface {
	Start()
	Stop()
	C() <-chan time.Time
	CycleExecuted(executed bool)
}

type fixedTicker struct {
	sync.Mutex
	interval time.Duration
	ticker   *time.Ticker
	ch       chan time.Time
	done     chan struct{}
}

// NewFixedTicker ticks every interval, regardless of whether cycles did work.
func NewFixedTicker(interval time.Duration) CycleTicker {
	return &fixedTicker{
		interval: interval,
		ch:       make(chan time.Time, 1),
	}
}

func (t *fixedTicker) Start() {
	t.Lock()
	defer t.Unlock()

	if t.ticker != nil {
		return
	}

	t.ticker = time.NewTicker(t.interval)
	t.done = make(chan struct{})
	go func(ticker *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				select {
				case t.ch <- now:
				default:
				}
			}
		}
	}(t.ticker, t.done)
}

func (t *fixedTicker) Stop() {
	t.Lock()
	defer t.Unlock()

	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.done)
	t.ticker = nil
}

func (t *fixedTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fixedTicker) CycleExecuted(executed bool) {}

type noopTicker struct {
	ch chan time.Time
}

// NewNoopTicker never ticks. Cycles only run when triggered explicitly.
func NewNoopTicker() CycleTicker {
	return &noopTicker{ch: make(chan time.Time)}
}

func (t *noopTicker) Start()                      {}
func (t *noopTicker) Stop()                       {}
func (t *noopTicker) C() <-chan time.Time         { return t.ch }
func (t *noopTicker) CycleExecuted(executed bool) {}
