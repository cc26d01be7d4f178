package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/cascademap/internal/tile"
)

// mockGenerator simulates tile rendering for testing
type mockGenerator struct {
	delay     time.Duration
	failTiles map[string]bool // tiles that should fail
	callCount atomic.Int32
	active    atomic.Int32
	peak      atomic.Int32
}

func (m *mockGenerator) Generate(ctx context.Context, task Task) (Output, error) {
	m.callCount.Add(1)
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	case <-time.After(m.delay):
	}

	if m.failTiles[task.String()] {
		return Output{}, errors.New("simulated failure")
	}
	return Output{Bytes: 100 * int(task.Density)}, nil
}

func tasksAt(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{Coords: tile.NewCoords(13, 4297+uint32(i), 2754), Density: tile.Density1x}
	}
	return tasks
}

func TestPool_BasicExecution(t *testing.T) {
	gen := &mockGenerator{delay: 10 * time.Millisecond}
	pool := New(Config{Workers: 2, Generator: gen})

	tasks := tasksAt(3)
	results := pool.Run(context.Background(), tasks)

	if len(results) != len(tasks) {
		t.Errorf("Expected %d results, got %d", len(tasks), len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("Unexpected error for %s: %v", r.Task, r.Err)
		}
		if r.Output.Bytes != 100 {
			t.Errorf("Expected 100 bytes for %s, got %d", r.Task, r.Output.Bytes)
		}
	}
	if gen.callCount.Load() != int32(len(tasks)) {
		t.Errorf("Expected %d generator calls, got %d", len(tasks), gen.callCount.Load())
	}
}

func TestPool_Parallelism(t *testing.T) {
	gen := &mockGenerator{delay: 30 * time.Millisecond}
	pool := New(Config{Workers: 4, Generator: gen})

	results := pool.Run(context.Background(), tasksAt(8))

	if len(results) != 8 {
		t.Errorf("Expected 8 results, got %d", len(results))
	}
	if peak := gen.peak.Load(); peak < 2 || peak > 4 {
		t.Errorf("Expected between 2 and 4 concurrent generators, got %d", peak)
	}
}

func TestPool_ErrorHandling(t *testing.T) {
	failTile := "13/4298/2754"
	gen := &mockGenerator{
		delay:     10 * time.Millisecond,
		failTiles: map[string]bool{failTile: true},
	}
	pool := New(Config{Workers: 2, Generator: gen})

	results := pool.Run(context.Background(), tasksAt(3))

	if len(results) != 3 {
		t.Errorf("Expected 3 results, got %d", len(results))
	}

	var successCount, failCount int
	for _, r := range results {
		if r.Err != nil {
			failCount++
			if r.Task.String() != failTile {
				t.Errorf("Unexpected failure for %s", r.Task)
			}
		} else {
			successCount++
		}
	}
	if successCount != 2 || failCount != 1 {
		t.Errorf("Expected 2 successes and 1 failure, got %d and %d", successCount, failCount)
	}
}

func TestPool_Cancellation(t *testing.T) {
	gen := &mockGenerator{delay: 100 * time.Millisecond}
	pool := New(Config{Workers: 2, Generator: gen})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := pool.Run(ctx, tasksAt(10))
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Errorf("Expected early cancellation, took %v", elapsed)
	}
	if len(results) != 10 {
		t.Fatalf("Expected a result for every task, got %d", len(results))
	}

	var cancelled int
	for _, r := range results {
		if errors.Is(r.Err, context.Canceled) {
			cancelled++
		}
	}
	if cancelled < 8 {
		t.Errorf("Expected at least 8 cancelled tasks, got %d", cancelled)
	}
}

func TestPool_ProgressCallback(t *testing.T) {
	gen := &mockGenerator{delay: 5 * time.Millisecond, failTiles: map[string]bool{"13/4297/2754": true}}

	var progressCalls atomic.Int32
	var lastCompleted, lastTotal, lastFailed int
	pool := New(Config{
		Workers:   2,
		Generator: gen,
		OnProgress: func(completed, total, failed int) {
			progressCalls.Add(1)
			lastCompleted, lastTotal, lastFailed = completed, total, failed
		},
	})

	pool.Run(context.Background(), tasksAt(3))

	if progressCalls.Load() != 3 {
		t.Errorf("Expected 3 progress callbacks, got %d", progressCalls.Load())
	}
	if lastCompleted != 3 || lastTotal != 3 || lastFailed != 1 {
		t.Errorf("Expected final progress 3/3 with 1 failed, got %d/%d with %d", lastCompleted, lastTotal, lastFailed)
	}
}

func TestPool_EmptyTasks(t *testing.T) {
	gen := &mockGenerator{}
	pool := New(Config{Workers: 2, Generator: gen})

	if results := pool.Run(context.Background(), nil); len(results) != 0 {
		t.Errorf("Expected 0 results for empty tasks, got %d", len(results))
	}
	if gen.callCount.Load() != 0 {
		t.Errorf("Expected 0 generator calls for empty tasks, got %d", gen.callCount.Load())
	}
}

func TestPool_Density(t *testing.T) {
	gen := &mockGenerator{delay: time.Millisecond}
	pool := New(Config{Workers: 1, Generator: gen})

	task := Task{Coords: tile.NewCoords(13, 4297, 2754), Density: tile.Density2x}
	results := pool.Run(context.Background(), []Task{task})

	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if results[0].Task.String() != "13/4297/2754@2x" {
		t.Errorf("Unexpected task name %s", results[0].Task)
	}
	if results[0].Output.Bytes != 200 {
		t.Errorf("Expected 200 bytes, got %d", results[0].Output.Bytes)
	}
}
