package device

import (
	"errors"
	"sync"
	"testing"
)

func TestErrorStateFirstErrorWins(t *testing.T) {
	var state ErrorState

	if state.Failed() {
		t.Fatal("expected fresh error state to report healthy")
	}
	if state.Err() != nil {
		t.Fatalf("expected nil error; got %v", state.Err())
	}

	first := errors.New("first failure")
	second := errors.New("second failure")

	if !state.Record(first) {
		t.Fatal("expected first recorded error to stick")
	}
	if state.Record(second) {
		t.Fatal("expected second recorded error to be dropped")
	}

	if got := state.Err(); got != first {
		t.Fatalf("expected sticky error %v; got %v", first, got)
	}
	if !state.Failed() {
		t.Fatal("expected error state to report failure")
	}
}

func TestErrorStateIgnoresNil(t *testing.T) {
	var state ErrorState

	if state.Record(nil) {
		t.Fatal("expected nil error to be ignored")
	}
	if state.Failed() {
		t.Fatal("expected error state to remain healthy after recording nil")
	}
}

func TestErrorStateConcurrentRecord(t *testing.T) {
	var state ErrorState
	var wg sync.WaitGroup

	stored := make([]error, 16)
	for i := 0; i < len(stored); i++ {
		stored[i] = errors.New("worker failure")
	}

	var wins int32
	var winsMutex sync.Mutex
	for i := 0; i < len(stored); i++ {
		wg.Add(1)
		go func(err error) {
			defer wg.Done()
			if state.Record(err) {
				winsMutex.Lock()
				wins++
				winsMutex.Unlock()
			}
		}(stored[i])
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one error to win; got %d", wins)
	}
	if state.Err() == nil {
		t.Fatal("expected an error to be recorded")
	}
}
