package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/posemesh/core/pkg/posemesh"
	"github.com/posemesh/core/pkg/wire"
)

const publishTimeout = 5 * time.Second

// dataStream is the narrow surface the protocol in this file needs out of a
// network.Stream: enough to run the framed protocol and tear the stream
// down on error, without the rest of network.Stream's surface (Conn, Stat,
// Scope, …). network.Stream satisfies this interface structurally, and
// tests can exercise the protocol against a plain in-memory duplex instead.
type dataStream interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Reset() error
}

// Networker is the subset of posemesh.Context this package depends on.
// Accepting this narrow interface rather than the concrete Context lets
// tests drive RemoteDatastore against fakes instead of a live engine.
type Networker interface {
	LocalID() peer.ID
	OpenStream(ctx context.Context, target peer.ID, proto protocol.ID) (dataStream, error)
	PublishGossip(ctx context.Context, topic string, data []byte) error
}

// contextNetworker adapts a posemesh.Context to Networker: the only
// mismatch is OpenStream's return type, which this adapter narrows from
// network.Stream down to dataStream.
type contextNetworker struct {
	ctx posemesh.Context
}

func (c contextNetworker) LocalID() peer.ID { return c.ctx.LocalID() }

func (c contextNetworker) OpenStream(ctx context.Context, target peer.ID, proto protocol.ID) (dataStream, error) {
	return c.ctx.OpenStream(ctx, target, proto)
}

func (c contextNetworker) PublishGossip(ctx context.Context, topic string, data []byte) error {
	return c.ctx.PublishGossip(ctx, topic, data)
}

// RemoteDatastore drives consume/produce sessions against a DomainCluster,
// opening streams and running the framed protocol through a posemesh
// Context. It holds no session state of its own: every Consume/Produce call
// is an independent session.
type RemoteDatastore struct {
	ctx     Networker
	spawner posemesh.Spawner
	cluster DomainCluster
}

// NewRemoteDatastore builds a RemoteDatastore bound to a running engine's
// Context and a cluster façade.
func NewRemoteDatastore(pctx posemesh.Context, spawner posemesh.Spawner, cluster DomainCluster) *RemoteDatastore {
	return &RemoteDatastore{ctx: contextNetworker{ctx: pctx}, spawner: spawner, cluster: cluster}
}

// ReliableDataProducer is the handle a caller drives a produce session
// through: push records into Records, read durable-receipt acknowledgements
// off Acks, and observe Done for the session's terminal error (nil on a
// clean completion). Closing Records signals end of input; the session
// never closes it itself.
type ReliableDataProducer struct {
	Records chan<- Data
	Acks    <-chan Metadata
	Done    <-chan error
}

// Consume runs a consume session end to end: submit a job requesting
// "/consume/v1", wait for the assigned worker, handshake, then stream
// records back on the returned channel. The error channel carries at most
// one value and is never closed, so a clean end leaves it empty; the data
// channel is always closed when the session ends, whether cleanly or not.
func (r *RemoteDatastore) Consume(ctx context.Context, query Query) (<-chan Data, <-chan error, error) {
	task, updates, err := r.submitAndAwaitPending(ctx, "/consume/v1", query)
	if err != nil {
		return nil, nil, err
	}
	stream, err := r.openAndHandshake(ctx, task)
	if err != nil {
		return nil, nil, err
	}

	data := make(chan Data, 100)
	errCh := make(chan error, 1)
	stopReader := make(chan struct{})
	var stopReaderOnce sync.Once
	stopRead := func() {
		stopReaderOnce.Do(func() {
			close(stopReader)
			stream.Reset()
		})
	}

	// watcherHandle is assigned before the reader is spawned, and only read
	// from the reader goroutine after that assignment has happened, so the
	// capture below is race-free: every long-running task here is owned by
	// exactly one TaskHandle, and the reader cancels the watcher's once its
	// own job is done, rather than leaking it until updates closes on its
	// own.
	var watcherHandle posemesh.TaskHandle
	watcherHandle = r.spawner.Spawn(func(taskCtx context.Context) {
		for {
			select {
			case upd, ok := <-updates:
				if !ok {
					stopRead()
					return
				}
				if upd.Task != nil && upd.Task.Status == StatusFailed {
					select {
					case errCh <- ErrTaskFailed:
					default:
					}
					stopRead()
					return
				}
			case <-taskCtx.Done():
				return
			}
		}
	})

	r.spawner.Spawn(func(_ context.Context) {
		defer close(data)
		defer watcherHandle.Cancel()
		for {
			meta, payload, err := wire.ReadRecord[Metadata](stream)
			if err != nil {
				select {
				case <-stopReader:
					return
				default:
				}
				if errors.Is(err, io.EOF) {
					return
				}
				select {
				case errCh <- fmt.Errorf("%w: %v", ErrProtocol, err):
				default:
				}
				return
			}
			select {
			case data <- Data{Metadata: meta, Content: payload}:
			case <-stopReader:
				return
			}
		}
	})

	return data, errCh, nil
}

// Produce runs a produce session end to end: submit a job requesting
// "/produce/v1", wait for the assigned worker, handshake, then return a
// ReliableDataProducer the caller drives by pushing records and reading
// acknowledgements.
func (r *RemoteDatastore) Produce(ctx context.Context, domainID string) (*ReliableDataProducer, error) {
	task, _, err := r.submitAndAwaitPending(ctx, "/produce/v1", Query{DomainID: domainID})
	if err != nil {
		return nil, err
	}
	stream, err := r.openAndHandshake(ctx, task)
	if err != nil {
		return nil, err
	}

	records := make(chan Data, 100)
	acks := make(chan Metadata, 100)
	done := make(chan error, 1)

	r.spawner.Spawn(func(_ context.Context) {
		var forwardErr error
		for rec := range records {
			if err := wire.WriteRecord(stream, rec.Metadata, rec.Content); err != nil {
				forwardErr = fmt.Errorf("%w: %v", ErrProtocol, err)
				stream.Reset()
				break
			}
		}
		if forwardErr != nil {
			done <- forwardErr
			return
		}
		if err := stream.CloseWrite(); err != nil {
			done <- fmt.Errorf("%w: half-closing produce stream: %v", ErrProtocol, err)
			return
		}
		doneTask := task
		doneTask.Status = StatusDone
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.publishTask(pubCtx, doneTask); err != nil {
			slog.Warn("datastore: failed to publish DONE status", "job", task.JobID, "error", err)
		}
		done <- nil
	})

	r.spawner.Spawn(func(taskCtx context.Context) {
		defer close(acks)
		for {
			meta, err := wire.ReadAck[Metadata](stream)
			if err != nil {
				return
			}
			select {
			case acks <- meta:
			case <-taskCtx.Done():
				return
			}
		}
	})

	return &ReliableDataProducer{Records: records, Acks: acks, Done: done}, nil
}

// submitAndAwaitPending submits a single-task Job and blocks until a
// PENDING assignment arrives, mutates it to STARTED, and publishes it on
// the job's gossip topic before returning. Never panics on a remote FAILED:
// it is reported as ErrTaskFailed like any other scheduling outcome.
func (r *RemoteDatastore) submitAndAwaitPending(ctx context.Context, endpoint string, query Query) (Task, <-chan TaskUpdateEvent, error) {
	queryData, err := json.Marshal(query)
	if err != nil {
		return Task{}, nil, fmt.Errorf("%w: encoding query: %v", ErrScheduling, err)
	}

	job := &Job{
		Name: endpoint,
		Tasks: []TaskRequest{{
			RecruitmentPolicy: "FAIL",
			TerminationPolicy: "KEEP",
			Timeout:           "100m",
			MaxBudget:         1000,
			CapabilityFilters: map[string]string{"endpoint": endpoint},
			Sender:            r.ctx.LocalID(),
			Data:              queryData,
		}},
	}

	updates, err := r.cluster.SubmitJob(ctx, job)
	if err != nil {
		return Task{}, nil, fmt.Errorf("%w: submitting job: %v", ErrScheduling, err)
	}

	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				return Task{}, nil, fmt.Errorf("%w: task-update stream closed before a worker was assigned", ErrScheduling)
			}
			if upd.Err != nil {
				return Task{}, nil, fmt.Errorf("%w: %v", ErrScheduling, upd.Err)
			}
			if upd.Task == nil {
				continue
			}
			switch upd.Task.Status {
			case StatusPending:
				task := *upd.Task
				task.Status = StatusStarted
				if err := r.publishTask(ctx, task); err != nil {
					return Task{}, nil, err
				}
				return task, updates, nil
			case StatusFailed:
				return Task{}, nil, fmt.Errorf("%w: task failed before assignment", ErrTaskFailed)
			}
		case <-ctx.Done():
			return Task{}, nil, ctx.Err()
		}
	}
}

func (r *RemoteDatastore) publishTask(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%w: encoding task: %v", ErrProtocol, err)
	}
	if err := r.ctx.PublishGossip(ctx, task.JobID, data); err != nil {
		return fmt.Errorf("%w: publishing task state: %v", ErrScheduling, err)
	}
	return nil
}

// openAndHandshake opens a stream to the assigned worker and sends the full
// handshake record (length prefix plus body) on it. Both the consume and
// produce paths send the full handshake; the original's consume-side
// length-only quirk is not carried forward.
func (r *RemoteDatastore) openAndHandshake(ctx context.Context, task Task) (dataStream, error) {
	stream, err := r.ctx.OpenStream(ctx, task.Receiver, protocol.ID(task.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("%w: opening stream to %s: %v", ErrScheduling, task.Receiver, err)
	}
	if err := wire.WriteAck(stream, DomainClusterHandshake{AccessToken: task.AccessToken}); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("%w: sending handshake: %v", ErrProtocol, err)
	}
	return stream, nil
}
