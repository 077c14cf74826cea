// Package worker consumes the post-upload job queue. A single loop drives
// the pipeline for each job, persists the resulting tags and notifies
// connected clients. Because there is exactly one consumer, tag writes for
// an object are never concurrent.
package worker

import (
	"context"
	"log"

	"github.com/filedock/filedock/pkg/notify"
	"github.com/filedock/filedock/pkg/queue"
)

// Processor runs the post-upload pipeline for one object and returns its
// tags. It must degrade internally rather than fail.
type Processor interface {
	Process(ctx context.Context, objectID, path, fileName string) string
}

// TagStore persists classification results.
type TagStore interface {
	UpdateTags(id, tags string) error
	UpdateSharedTags(id, tags string) error
}

// Broadcaster pushes live-update events to connected clients.
type Broadcaster interface {
	Broadcast(ev notify.Event)
}

// Worker is the queue's single consumer.
type Worker struct {
	queue *queue.Queue
	pipe  Processor
	tags  TagStore
	hub   Broadcaster
	log   *log.Logger
}

func New(q *queue.Queue, pipe Processor, tags TagStore, hub Broadcaster) *Worker {
	return &Worker{
		queue: q,
		pipe:  pipe,
		tags:  tags,
		hub:   hub,
		log:   log.New(log.Writer(), "[worker] ", log.LstdFlags),
	}
}

// Run processes jobs until ctx is cancelled. It never exits early: every
// per-job failure is contained by process.
func (w *Worker) Run(ctx context.Context) {
	w.log.Printf("worker started")
	for {
		job, err := w.queue.Pop(ctx)
		if err != nil {
			w.log.Printf("worker stopping: %v", err)
			return
		}
		w.process(ctx, job)
	}
}

// process handles one job inside its own failure boundary. Whatever
// happens, clients are told to reload so the UI reflects the final state.
func (w *Worker) process(ctx context.Context, job queue.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Printf("job for %s panicked: %v", job.ObjectID, r)
		}
		w.hub.Broadcast(notify.ReloadEvent)
	}()

	tags := w.pipe.Process(ctx, job.ObjectID, job.Path, job.FileName)

	var err error
	if job.Shared {
		err = w.tags.UpdateSharedTags(job.ObjectID, tags)
	} else {
		err = w.tags.UpdateTags(job.ObjectID, tags)
	}
	if err != nil {
		w.log.Printf("failed to persist tags for %s: %v", job.ObjectID, err)
	}
}
