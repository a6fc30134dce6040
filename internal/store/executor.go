package store

import (
	"context"
	"fmt"
	"sync"
)

type executorJob struct {
	run    func() error
	result chan error
}

// executor runs write jobs one at a time on a single background goroutine.
// A job accepted by the loop always runs to completion, even when the
// submitting context is cancelled while waiting for the result.
type executor struct {
	jobs      chan executorJob
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newExecutor() *executor {
	e := &executor{
		jobs: make(chan executorJob),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) loop() {
	defer close(e.done)
	for {
		select {
		case job := <-e.jobs:
			job.result <- runJob(job.run)
		case <-e.stop:
			return
		}
	}
}

func runJob(run func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("store: write job panicked: %v", recovered)
		}
	}()
	return run()
}

func (e *executor) submit(ctx context.Context, run func() error) error {
	job := executorJob{run: run, result: make(chan error, 1)}
	select {
	case e.jobs <- job:
	case <-e.stop:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *executor) close() {
	e.closeOnce.Do(func() {
		close(e.stop)
	})
	<-e.done
}
