package barrier

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBarrierReleasesAllWaiters(t *testing.T) {
	const cpus = 4
	var b Barrier
	b.Init(cpus)

	var wg sync.WaitGroup
	var released int32
	for i := 0; i < cpus; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.Wait() {
				t.Error("unexpected timeout waiting at barrier")
				return
			}
			atomic.AddInt32(&released, 1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&released); got != cpus {
		t.Fatalf("expected all %d goroutines released; got %d", cpus, got)
	}
}

func TestBarrierResetAllowsSecondRound(t *testing.T) {
	var b Barrier
	b.Init(2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.Wait() }()
	go func() { defer wg.Done(); b.Wait() }()
	wg.Wait()

	b.Reset()

	wg.Add(2)
	var released int32
	go func() { defer wg.Done(); if b.Wait() { atomic.AddInt32(&released, 1) } }()
	go func() { defer wg.Done(); if b.Wait() { atomic.AddInt32(&released, 1) } }()
	wg.Wait()

	if released != 2 {
		t.Fatalf("expected second round to release both waiters; got %d", released)
	}
}

func TestPhaseWaitAtLeast(t *testing.T) {
	var p Phase

	done := make(chan bool, 1)
	go func() {
		done <- p.WaitAtLeast(3)
	}()

	p.Set(1)
	p.Set(2)
	p.Set(3)

	if ok := <-done; !ok {
		t.Fatal("expected WaitAtLeast to succeed once phase reaches target")
	}
}

func TestPhaseWaitAtLeastAlreadyPast(t *testing.T) {
	var p Phase
	p.Set(5)

	if !p.WaitAtLeast(2) {
		t.Fatal("expected WaitAtLeast to return immediately when already past target")
	}
}
