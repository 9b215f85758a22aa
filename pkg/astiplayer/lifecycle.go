package astiplayer

import (
	"context"
	"fmt"
	"sync"

	"github.com/asticode/go-astikit"
)

type lifecycleStage uint32

// Stages only move forward
const (
	lifecycleStageIdle lifecycleStage = iota
	lifecycleStageStarting
	lifecycleStageRunning
	lifecycleStageStopping
	lifecycleStageDone
)

var lifecycleStageNames = map[lifecycleStage]string{
	lifecycleStageIdle:     "idle",
	lifecycleStageStarting: "starting",
	lifecycleStageRunning:  "running",
	lifecycleStageStopping: "stopping",
	lifecycleStageDone:     "done",
}

func (s lifecycleStage) String() string {
	return lifecycleStageNames[s]
}

// Runs the player command loop inside a worker task. The closer is closed once the task is done.
type lifecycle struct {
	c      *astikit.Closer
	cancel context.CancelFunc
	emit   func(n astikit.EventName)
	m      sync.Mutex // Locks cancel, stage
	onRun  func(ctx context.Context, cancel context.CancelFunc, tc astikit.TaskCreator)
	onStop func()
	stage  lifecycleStage
}

func newLifecycle(c *astikit.Closer, emit func(n astikit.EventName)) *lifecycle {
	lc := &lifecycle{
		c:    c,
		emit: emit,
	}

	// Closing the player stops the loop
	c.Add(func() {
		lc.m.Lock()
		cancel := lc.cancel
		lc.m.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	c.OnClosed(func(err error) { emit(EventNamePlayerClosed) })
	return lc
}

func (lc *lifecycle) setStage(s lifecycleStage, n astikit.EventName) {
	lc.m.Lock()
	lc.stage = s
	lc.m.Unlock()
	lc.emit(n)
}

func (lc *lifecycle) run(ctx context.Context, tc astikit.TaskCreator) error {
	// Lock
	lc.m.Lock()

	// Already started
	if lc.stage != lifecycleStageIdle {
		s := lc.stage
		lc.m.Unlock()
		return fmt.Errorf("astiplayer: player is %s", s)
	}

	// Context is already done
	if err := ctx.Err(); err != nil {
		lc.m.Unlock()
		return err
	}

	// Create task and context
	t := tc()
	ctx, lc.cancel = context.WithCancel(ctx)
	cancel := lc.cancel
	lc.stage = lifecycleStageStarting

	// Unlock
	lc.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Start
	lc.emit(EventNamePlayerStarting)
	lc.onRun(ctx, cancel, t.NewSubTask)
	lc.setStage(lifecycleStageRunning, EventNamePlayerRunning)

	// Sub tasks must be done before the closer is closed which is why t.Do() is not used
	go func() {
		// Wait for context
		<-ctx.Done()

		// Context may have been cancelled without stop() being called
		lc.stop()

		// Wait for sub tasks
		t.Wait()

		// Close
		lc.c.Close()

		// Done
		lc.setStage(lifecycleStageDone, EventNamePlayerDone)
		t.Done()
	}()
	return nil
}

// Only the first call while running has an effect
func (lc *lifecycle) stop() {
	// Lock
	lc.m.Lock()

	// Not running
	if lc.stage != lifecycleStageRunning {
		lc.m.Unlock()
		return
	}
	lc.stage = lifecycleStageStopping
	cancel := lc.cancel

	// Unlock
	lc.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Stop threads before cancelling the loop
	lc.emit(EventNamePlayerStopping)
	if lc.onStop != nil {
		lc.onStop()
	}
	cancel()
}
