// Package models holds the stored event envelope and the typed payloads the
// sequencer persists. Payloads are encoded to opaque CBOR bytes before they
// hit the log so the envelope never changes shape when a payload grows.
package models

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EventKind discriminates the payload stored inside an Event.
type EventKind string

const (
	KindCommit   EventKind = "commit"
	KindIdentity EventKind = "identity"
	KindAccount  EventKind = "account"
)

// Repo op actions carried inside a commit payload.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Account statuses carried on account events when active is false.
const (
	AccountStatusTakendown   = "takendown"
	AccountStatusSuspended   = "suspended"
	AccountStatusDeleted     = "deleted"
	AccountStatusDeactivated = "deactivated"
)

// Event is the envelope the sequencer writes to the log. Everything but the
// Invalidated tombstone flag is immutable once the seq is assigned.
type Event struct {
	Seq         int64     `cbor:"seq" json:"seq"`
	Did         string    `cbor:"did" json:"did"`
	Kind        EventKind `cbor:"kind" json:"kind"`
	Payload     []byte    `cbor:"payload" json:"payload"`
	TimeUS      int64     `cbor:"time_us" json:"time_us"`
	Invalidated bool      `cbor:"invalidated,omitempty" json:"invalidated,omitempty"`
}

// RepoOp is a single record operation inside a commit.
type RepoOp struct {
	Action string  `cbor:"action"`
	Path   string  `cbor:"path"`
	Cid    *string `cbor:"cid,omitempty"`
}

// CommitEvt is the payload for KindCommit.
type CommitEvt struct {
	Repo   string   `cbor:"repo"`
	Commit string   `cbor:"commit"`
	Rev    string   `cbor:"rev"`
	Since  *string  `cbor:"since,omitempty"`
	Blocks []byte   `cbor:"blocks"`
	Ops    []RepoOp `cbor:"ops"`
	Blobs  []string `cbor:"blobs,omitempty"`
}

// IdentityEvt is the payload for KindIdentity.
type IdentityEvt struct {
	Did    string  `cbor:"did"`
	Handle *string `cbor:"handle,omitempty"`
}

// AccountEvt is the payload for KindAccount.
type AccountEvt struct {
	Did    string  `cbor:"did"`
	Active bool    `cbor:"active"`
	Status *string `cbor:"status,omitempty"`
}

// MarshalPayload encodes a typed payload to the opaque bytes stored in an
// Event envelope.
func MarshalPayload(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes opaque payload bytes back into a typed payload.
func UnmarshalPayload(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
