package progress

import (
	"context"
	"fmt"
	"time"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(Event{
		TaskID: "task-1",
		TS:     time.Unix(0, 0),
		Stage:  StageTaskStart,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleTracker shows a tracker driven to completion.
func ExampleTracker() {
	tr := NewTracker("task-1")
	if err := tr.SetTotal(3); err != nil {
		panic(err)
	}
	if err := tr.Start(); err != nil {
		panic(err)
	}
	_ = tr.AddSuccess(2)
	fmt.Printf("%.2f %s\n", tr.Progress(), tr.Status())
	_ = tr.AddFail(1)
	fmt.Printf("%.2f %s\n", tr.Progress(), tr.Status())
	// Output:
	// 0.67 running
	// 1.00 finished
}
