// Package queue defines the WorkerMessageQueue contract the dispatcher (C7)
// uses to hand payloads to the external worker fleet, plus an embedded NATS
// JetStream implementation and an in-memory one for tests.
package queue

import "context"

// FunctionInputVersion tags the wire format of a dispatch payload. Only V2
// is implemented; the original codebase marks V0/V1 as unreachable in the
// reconciler — rather than inherit that ambiguity, any other tag is
// rejected outright as ErrUnsupportedPayloadVersion (resolves spec §9's
// open question explicitly).
type FunctionInputVersion string

const (
	FunctionInputV2 FunctionInputVersion = "V2"
)

// Location is an opaque storage URI tagged with the environment-prefix the
// worker uses to pick which secret set to load.
type Location struct {
	URI       string `json:"uri"`
	EnvPrefix string `json:"env_prefix"`
}

// FunctionInfo identifies the function/run/transaction/execution a payload
// dispatches, plus the bundle location to execute.
type FunctionInfo struct {
	CollectionID  string   `json:"collection_id"`
	FunctionID    string   `json:"function_id"`
	FunctionRunID string   `json:"function_run_id"`
	TransactionID string   `json:"transaction_id"`
	ExecutionID   string   `json:"execution_id"`
	Bundle        Location `json:"bundle"`
	TriggeredOnMS int64    `json:"triggered_on"` // epoch millis, per original_source callback.rs
}

// InputTable is one resolved input location, partitioned by the dispatcher
// into system_input (negative dep_pos) and input (non-negative), each
// ordered by (dep_pos, version_pos).
type InputTable struct {
	DepPos     int      `json:"dep_pos"`
	VersionPos int      `json:"version_pos"`
	Location   Location `json:"location"`
}

// OutputTable is one output position's destination location, ordered by
// parameter position.
type OutputTable struct {
	OutputPos int      `json:"output_pos"`
	Location  Location `json:"location"`
}

// FunctionInput is the V2 dispatch payload. Callback is the loopback URL
// the worker reports status to.
type FunctionInput struct {
	Version      FunctionInputVersion `json:"version"`
	Info         FunctionInfo         `json:"info"`
	SystemInput  []InputTable         `json:"system_input"`
	Input        []InputTable         `json:"input"`
	SystemOutput []OutputTable        `json:"system_output"`
	Output       []OutputTable        `json:"output"`
	CallbackURL  string               `json:"callback_url"`
}

// MessageQueue is the WorkerMessageQueue contract from spec §6: put a
// payload under a message id, list currently-locked messages, and
// commit/rollback a specific id once the dispatcher has reconciled the
// corresponding FunctionRun row.
type MessageQueue interface {
	Put(ctx context.Context, messageID string, payload FunctionInput) error
	LockedMessages(ctx context.Context) ([]string, error)
	Commit(ctx context.Context, messageID string) error
	Rollback(ctx context.Context, messageID string) error
}

// ErrUnsupportedPayloadVersion is returned for any payload whose Version
// tag isn't V2.
type ErrUnsupportedPayloadVersion struct{ Version FunctionInputVersion }

func (e *ErrUnsupportedPayloadVersion) Error() string {
	return "queue: unsupported function input payload version: " + string(e.Version)
}

// Validate rejects anything but a V2 payload.
func (p FunctionInput) Validate() error {
	if p.Version != FunctionInputV2 {
		return &ErrUnsupportedPayloadVersion{Version: p.Version}
	}
	return nil
}
