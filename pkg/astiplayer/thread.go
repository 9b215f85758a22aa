package astiplayer

import (
	"context"
	"sync"
)

// Output goroutine that can be parked and resumed by the player. The goroutine parks itself in
// waitForStart(), the player wakes it up with start(), parks it with pause() and terminates it with
// join().
type thread struct {
	c       *sync.Cond
	cancel  context.CancelFunc
	ctx     context.Context
	done    chan struct{}
	exited  bool
	m       sync.Mutex // Locks exited, parked, pause, quit, resume
	parked  bool
	pause   bool
	quit    bool
	resume  bool
	running bool
}

func newThread() *thread {
	th := &thread{}
	th.c = sync.NewCond(&th.m)
	return th
}

// Executes fn in a goroutine and waits until it has parked or exited
func (th *thread) launch(fn func()) {
	// Lock
	th.m.Lock()

	// Reset
	th.ctx, th.cancel = context.WithCancel(context.Background())
	th.done = make(chan struct{})
	th.exited = false
	th.parked = false
	th.pause = false
	th.quit = false
	th.resume = false
	th.running = true

	// Unlock
	th.m.Unlock()

	// Execute in a goroutine
	go func() {
		defer close(th.done)
		defer th.exit()
		fn()
	}()

	// Wait for the goroutine to park
	th.m.Lock()
	for !th.parked && !th.exited {
		th.c.Wait()
	}
	th.m.Unlock()
}

// Context is cancelled when the thread is joined
func (th *thread) context() context.Context {
	th.m.Lock()
	defer th.m.Unlock()
	return th.ctx
}

func (th *thread) exit() {
	th.m.Lock()
	defer th.m.Unlock()
	th.exited = true
	th.parked = false
	th.c.Broadcast()
}

// Called from within the goroutine. Returns false if the goroutine must exit.
func (th *thread) waitForStart() bool {
	// Lock
	th.m.Lock()
	defer th.m.Unlock()

	// Park
	th.parked = true
	th.resume = false
	th.c.Broadcast()

	// Wait
	for !th.resume && !th.quit {
		th.c.Wait()
	}

	// Unpark
	th.parked = false
	th.pause = false
	th.resume = false
	th.c.Broadcast()
	return !th.quit
}

// Called from within the goroutine on each iteration. Returns false if the goroutine must exit.
func (th *thread) check() bool {
	// Get flags
	th.m.Lock()
	quit, pause := th.quit, th.pause
	th.m.Unlock()

	// Quit
	if quit {
		return false
	}

	// Pause
	if pause {
		return th.waitForStart()
	}
	return true
}

func (th *thread) isParked() bool {
	th.m.Lock()
	defer th.m.Unlock()
	return th.parked
}

// Wakes up a parked goroutine and waits until it runs
func (th *thread) start() {
	// Lock
	th.m.Lock()
	defer th.m.Unlock()

	// Not parked
	if !th.running || !th.parked {
		return
	}

	// Resume
	th.resume = true
	th.c.Broadcast()

	// Wait
	for th.parked && !th.exited {
		th.c.Wait()
	}
}

// Asks a running goroutine to park and waits until it has
func (th *thread) stop() {
	// Lock
	th.m.Lock()
	defer th.m.Unlock()

	// Not running
	if !th.running {
		return
	}

	// Pause
	th.pause = true

	// Wait
	for !th.parked && !th.exited {
		th.c.Wait()
	}
}

// Terminates the goroutine and waits for it
func (th *thread) join() {
	// Lock
	th.m.Lock()

	// Not running
	if !th.running {
		th.m.Unlock()
		return
	}

	// Quit
	th.quit = true
	th.running = false
	th.cancel()
	th.c.Broadcast()
	done := th.done

	// Unlock
	th.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Wait
	<-done
}
