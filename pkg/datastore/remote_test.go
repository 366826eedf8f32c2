package datastore

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/posemesh/core/pkg/posemesh"
	"github.com/posemesh/core/pkg/wire"
)

// memStream is an in-memory dataStream pair, linked through two io.Pipes,
// standing in for a real network.Stream so these tests exercise the framed
// protocol without a live engine on either end.
type memStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newMemStreamPair() (a, b *memStream) {
	pr1, pw1 := io.Pipe()
	pr2, pw2 := io.Pipe()
	return &memStream{r: pr2, w: pw1}, &memStream{r: pr1, w: pw2}
}

func (s *memStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *memStream) CloseWrite() error           { return s.w.Close() }

func (s *memStream) Reset() error {
	resetErr := errors.New("memStream: reset")
	s.w.CloseWithError(resetErr)
	s.r.CloseWithError(resetErr)
	return nil
}

// fakeCluster is a DomainCluster whose update stream is fully test-driven.
type fakeCluster struct {
	updates chan TaskUpdateEvent
}

func (f *fakeCluster) SubmitJob(ctx context.Context, job *Job) (<-chan TaskUpdateEvent, error) {
	return f.updates, nil
}

type publishedMsg struct {
	topic string
	data  []byte
}

// fakeNetworker is a Networker whose OpenStream hands out a pre-wired
// dataStream and whose PublishGossip calls are recorded for inspection.
type fakeNetworker struct {
	local  peer.ID
	stream dataStream

	mu        sync.Mutex
	published []publishedMsg
}

func (f *fakeNetworker) LocalID() peer.ID { return f.local }

func (f *fakeNetworker) OpenStream(ctx context.Context, target peer.ID, proto protocol.ID) (dataStream, error) {
	return f.stream, nil
}

func (f *fakeNetworker) PublishGossip(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic: topic, data: data})
	return nil
}

func (f *fakeNetworker) publishedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	for i, m := range f.published {
		out[i] = m.topic
	}
	return out
}

func pendingTask(endpoint string) *Task {
	return &Task{
		JobID:       "job-1",
		Status:      StatusPending,
		AccessToken: "tok-123",
		Receiver:    peer.ID("worker-1"),
		Endpoint:    endpoint,
	}
}

// TestProduceAckOrdering covers scenario 3's produce half: three records are
// pushed, the fake worker echoes one acknowledgement per record in order,
// and the session reports a clean completion.
func TestProduceAckOrdering(t *testing.T) {
	clientSide, workerSide := newMemStreamPair()
	cluster := &fakeCluster{updates: make(chan TaskUpdateEvent, 1)}
	net := &fakeNetworker{local: peer.ID("client-1"), stream: clientSide}
	ds := &RemoteDatastore{ctx: net, spawner: posemesh.NewSpawner(), cluster: cluster}

	cluster.updates <- TaskUpdateEvent{Task: pendingTask("/produce/v1")}

	workerDone := make(chan struct{})
	var gotRecords []Data
	go func() {
		defer close(workerDone)
		if _, err := wire.ReadAck[DomainClusterHandshake](workerSide); err != nil {
			t.Errorf("worker: reading handshake: %v", err)
			return
		}
		for i := 0; i < 3; i++ {
			meta, payload, err := wire.ReadRecord[Metadata](workerSide)
			if err != nil {
				t.Errorf("worker: reading record %d: %v", i, err)
				return
			}
			gotRecords = append(gotRecords, Data{Metadata: meta, Content: payload})
			if err := wire.WriteAck(workerSide, meta); err != nil {
				t.Errorf("worker: writing ack %d: %v", i, err)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	producer, err := ds.Produce(ctx, "dom-1")
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	records := []Data{
		{Metadata: Metadata{Name: "a", Size: 3}, Content: []byte("abc")},
		{Metadata: Metadata{Name: "b", Size: 1}, Content: []byte("x")},
		{Metadata: Metadata{Name: "c", Size: 5}, Content: []byte("hello")},
	}
	for _, r := range records {
		producer.Records <- r
	}
	close(producer.Records)

	var gotAcks []Metadata
	for i := 0; i < 3; i++ {
		select {
		case ack := <-producer.Acks:
			gotAcks = append(gotAcks, ack)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for ack %d", i)
		}
	}

	select {
	case err := <-producer.Done:
		if err != nil {
			t.Fatalf("produce session failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for produce completion")
	}

	<-workerDone
	for i, want := range records {
		if gotRecords[i].Metadata.Name != want.Metadata.Name || string(gotRecords[i].Content) != string(want.Content) {
			t.Fatalf("record %d: got %+v, want %+v", i, gotRecords[i], want)
		}
		if gotAcks[i].Name != want.Metadata.Name {
			t.Fatalf("ack %d out of order: got %q, want %q", i, gotAcks[i].Name, want.Metadata.Name)
		}
	}

	topics := net.publishedTopics()
	if len(topics) != 2 || topics[0] != "job-1" || topics[1] != "job-1" {
		t.Fatalf("expected STARTED then DONE published on job-1, got %v", topics)
	}
}

// TestConsumeReceivesIdenticalRecords covers scenario 3's consume half: a
// fake worker writes three records then half-closes; the consumer must
// receive them identical to what was sent, then observe a clean end.
func TestConsumeReceivesIdenticalRecords(t *testing.T) {
	clientSide, workerSide := newMemStreamPair()
	cluster := &fakeCluster{updates: make(chan TaskUpdateEvent, 1)}
	net := &fakeNetworker{local: peer.ID("client-1"), stream: clientSide}
	ds := &RemoteDatastore{ctx: net, spawner: posemesh.NewSpawner(), cluster: cluster}

	cluster.updates <- TaskUpdateEvent{Task: pendingTask("/consume/v1")}

	records := []Data{
		{Metadata: Metadata{Name: "a", Size: 3}, Content: []byte("abc")},
		{Metadata: Metadata{Name: "b", Size: 1}, Content: []byte("x")},
		{Metadata: Metadata{Name: "c", Size: 5}, Content: []byte("hello")},
	}

	go func() {
		if _, err := wire.ReadAck[DomainClusterHandshake](workerSide); err != nil {
			t.Errorf("worker: reading handshake: %v", err)
			return
		}
		for _, r := range records {
			if err := wire.WriteRecord(workerSide, r.Metadata, r.Content); err != nil {
				t.Errorf("worker: writing record: %v", err)
				return
			}
		}
		workerSide.CloseWrite()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, errCh, err := ds.Consume(ctx, Query{DomainID: "dom-1"})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	var got []Data
	for d := range data {
		got = append(got, d)
	}

	select {
	case err := <-errCh:
		t.Fatalf("expected no error on a clean end of stream, got %v", err)
	default:
	}

	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i, want := range records {
		if got[i].Metadata.Name != want.Metadata.Name || string(got[i].Content) != string(want.Content) {
			t.Fatalf("record %d: got %+v, want %+v", i, got[i], want)
		}
	}
}

// TestProduceSizeMismatchIsRejected covers scenario 4: a record whose
// content length disagrees with its declared size must fail the session
// with a protocol error, and the worker must never see it.
func TestProduceSizeMismatchIsRejected(t *testing.T) {
	clientSide, workerSide := newMemStreamPair()
	cluster := &fakeCluster{updates: make(chan TaskUpdateEvent, 1)}
	net := &fakeNetworker{local: peer.ID("client-1"), stream: clientSide}
	ds := &RemoteDatastore{ctx: net, spawner: posemesh.NewSpawner(), cluster: cluster}

	cluster.updates <- TaskUpdateEvent{Task: pendingTask("/produce/v1")}

	workerSawRecord := make(chan bool, 1)
	go func() {
		if _, err := wire.ReadAck[DomainClusterHandshake](workerSide); err != nil {
			workerSawRecord <- false
			return
		}
		_, _, err := wire.ReadRecord[Metadata](workerSide)
		workerSawRecord <- err == nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	producer, err := ds.Produce(ctx, "dom-1")
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	producer.Records <- Data{Metadata: Metadata{Name: "bad", Size: 4}, Content: []byte("xyz")}
	close(producer.Records)

	select {
	case err := <-producer.Done:
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for produce session to fail")
	}

	select {
	case ok := <-workerSawRecord:
		if ok {
			t.Fatalf("worker must never observe a record crossing a size-mismatched write")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for worker observation")
	}

	select {
	case _, ok := <-producer.Acks:
		if ok {
			t.Fatalf("expected no acknowledgement to be emitted")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// TestConsumeCancelledOnTaskFailed covers scenario 5: a FAILED task update
// mid-transfer must cancel the reader and close the output channel.
func TestConsumeCancelledOnTaskFailed(t *testing.T) {
	clientSide, workerSide := newMemStreamPair()
	defer workerSide.Reset()

	cluster := &fakeCluster{updates: make(chan TaskUpdateEvent, 2)}
	net := &fakeNetworker{local: peer.ID("client-1"), stream: clientSide}
	ds := &RemoteDatastore{ctx: net, spawner: posemesh.NewSpawner(), cluster: cluster}

	cluster.updates <- TaskUpdateEvent{Task: pendingTask("/consume/v1")}

	go func() {
		// The worker only ever reads the handshake and then goes silent,
		// as if stalled mid-transfer.
		wire.ReadAck[DomainClusterHandshake](workerSide)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, errCh, err := ds.Consume(ctx, Query{DomainID: "dom-1"})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	cluster.updates <- TaskUpdateEvent{Task: &Task{JobID: "job-1", Status: StatusFailed}}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTaskFailed) {
			t.Fatalf("expected ErrTaskFailed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the FAILED task to be observed")
	}

	select {
	case _, ok := <-data:
		if ok {
			t.Fatalf("expected the data channel to be closed, not deliver a value")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the data channel to close")
	}
}
