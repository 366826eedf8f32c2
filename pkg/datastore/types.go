// Package datastore implements the remote-datastore protocol: a
// producer/consumer stream protocol driven by a cluster-wide job/task state
// machine, layered on pkg/wire's framing over a pkg/posemesh stream.
package datastore

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Task status values. The zero value is intentionally not a valid status, so
// a zero-valued Task is recognizably incomplete.
const (
	StatusPending = "PENDING"
	StatusStarted = "STARTED"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// Job is submitted to the cluster façade. It carries exactly one
// TaskRequest for every session this package drives.
type Job struct {
	Name  string        `json:"name"`
	Tasks []TaskRequest `json:"tasks"`
}

// TaskRequest describes the resource this session needs the cluster to
// assign a worker for. Sender/Receiver are supplemented from
// original_source's task::TaskRequest: the distilled spec describes Task by
// the fields the core reads back, but a request needs somewhere to name who
// is asking and who should answer.
type TaskRequest struct {
	RecruitmentPolicy string            `json:"recruitment_policy"`
	TerminationPolicy string            `json:"termination_policy"`
	Timeout           string            `json:"timeout"`
	MaxBudget         int               `json:"max_budget"`
	CapabilityFilters map[string]string `json:"capability_filters"`
	Sender            peer.ID           `json:"sender,omitempty"`
	Receiver          peer.ID           `json:"receiver,omitempty"`
	Data              []byte            `json:"data,omitempty"`
}

// Task is the cluster's view of one in-flight assignment, as read back off
// a TaskUpdateEvent stream.
type Task struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	AccessToken string  `json:"access_token"`
	Receiver    peer.ID `json:"receiver"`
	Endpoint    string  `json:"endpoint"`
}

// TaskUpdateEvent is one item off the cold stream SubmitJob returns: either
// a Task or an Error, never both.
type TaskUpdateEvent struct {
	Task *Task
	Err  error
}

// DomainCluster is the minimal façade the core assumes; how scheduling
// itself works is out of scope (spec.md §1's Out-of-scope list).
type DomainCluster interface {
	SubmitJob(ctx context.Context, job *Job) (<-chan TaskUpdateEvent, error)
}

// Metadata describes one domain-data record. It implements wire.Sized so
// the framing codec can read PayloadSize directly off it rather than
// trusting a separate length field.
type Metadata struct {
	Name     string            `json:"name"`
	Size     uint64            `json:"size"`
	DomainID string            `json:"domain_id,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// PayloadSize implements wire.Sized.
func (m Metadata) PayloadSize() uint64 { return m.Size }

// Data pairs one Metadata with the payload bytes it describes.
// Invariant: len(Content) == Metadata.Size, enforced by wire.WriteRecord
// before anything reaches the stream.
type Data struct {
	Metadata Metadata
	Content  []byte
}

// Query is a consume-side request for which domain data to pull, serialized
// into the submitted TaskRequest's Data field. Supplemented from
// original_source's remote.rs::consume, which takes a query parameter that
// spec.md's distillation of §4.6 step 1 dropped.
type Query struct {
	DomainID string            `json:"domain_id"`
	Filter   map[string]string `json:"filter,omitempty"`
}

// DomainClusterHandshake is the first framed message on any datastore
// stream. It carries no payload of its own: PayloadSize is always 0, so it
// is written and read with wire.WriteAck/wire.ReadAck (length prefix plus
// body, no trailing payload bytes).
type DomainClusterHandshake struct {
	AccessToken string `json:"access_token"`
}

// PayloadSize implements wire.Sized.
func (DomainClusterHandshake) PayloadSize() uint64 { return 0 }
