package queue

import (
	"github.com/rdumusc/collage/utils"
	"github.com/rdumusc/collage/wire"
)

// IdleNotifier is forwarded a notifyIdle call whenever a Worker's queue
// runs dry; the ObjectStore uses it to perform deferred object-side work
// (delayed initialization, cache expiry) per §4.5.1.
type IdleNotifier interface {
	NotifyIdle()
}

// Worker runs a loop over a Queue, invoking each Command's attached
// dispatch function. Grounded on chotki toyqueue/queue.go's consumer
// pattern plus original_source/libs/co/localNode.cpp's single
// command-thread loop.
type Worker struct {
	Queue *Queue
	Idle  IdleNotifier
	Log   utils.Logger

	done chan struct{}
}

func NewWorker(q *Queue, idle IdleNotifier, log utils.Logger) *Worker {
	return &Worker{Queue: q, Idle: idle, Log: log, done: make(chan struct{})}
}

// Run consumes the queue until it closes. Intended to be launched as
// `go worker.Run()`.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		if w.Idle != nil && w.Queue.Len() == 0 {
			w.Idle.NotifyIdle()
		}
		cmd, err := w.Queue.Pop()
		if err != nil {
			return
		}
		if cmd == nil {
			continue
		}
		w.invoke(cmd)
	}
}

func (w *Worker) invoke(cmd *wire.Command) {
	defer func() {
		if r := recover(); r != nil && w.Log != nil {
			w.Log.Error("worker recovered from panic handling command", "recover", r)
		}
	}()
	cmd.Invoke()
	cmd.Release()
}

// Done is closed once the worker loop exits (queue closed).
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
