// Package model defines the entities persisted by the scheduler and the
// pure FunctionRunStatus state machine that governs them. All identifiers
// are the 26-character time-sortable strings minted by internal/idgen.
package model

import (
	"time"

	"github.com/tabsdata/scheduler/internal/version"
)

// EntityStatus is the lifecycle status of a Function/Table/Dependency or
// Trigger version row, distinct from FunctionRunStatus.
type EntityStatus string

const (
	EntityActive  EntityStatus = "Active"
	EntityDeleted EntityStatus = "Deleted"
	EntityFrozen  EntityStatus = "Frozen" // TableVersion only
)

// DecoratorKind names the kind of function a FunctionVersion implements.
type DecoratorKind string

const (
	DecoratorPublisher   DecoratorKind = "publisher"
	DecoratorSubscriber  DecoratorKind = "subscriber"
	DecoratorTransformer DecoratorKind = "transformer"
)

// Collection is a namespace for functions and tables.
type Collection struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedOn time.Time
}

// FunctionVersion is one immutable revision of a Function; FunctionID is
// stable across versions, FunctionVersionID changes on every edit.
type FunctionVersion struct {
	FunctionVersionID string
	FunctionID        string
	CollectionID      string
	Name              string
	Description       string
	BundleID          string
	Snippet           string
	Decorator         DecoratorKind
	Runtime           map[string]string
	Status            EntityStatus
	DataLocation      string // optional: non-empty for functions with a fixed storage location
	DefinedOn         time.Time
	DefinedBy         string
}

// TableVersion is one revision of a Table's shape/ownership.
type TableVersion struct {
	TableVersionID    string
	TableID           string
	CollectionID      string
	Name              string
	FunctionVersionID string // owning function version
	OutputPos         int    // negative for system tables
	Private           bool
	Status            EntityStatus
	DefinedOn         time.Time
}

// DependencyVersion is a function version's declared input.
type DependencyVersion struct {
	DependencyVersionID string
	FunctionVersionID   string
	TableID             string
	TableVersionID      string
	DepPos              int
	SelfDependency      bool
	Versions            version.Versions
	Status              EntityStatus
	DefinedOn           time.Time
}

// TriggerVersion is a function version's fire-on-write edge.
type TriggerVersion struct {
	TriggerVersionID  string
	FunctionVersionID string
	TableID           string
	TableVersionID    string
	Status            EntityStatus
	DefinedOn         time.Time
}

// Execution is one invocation of a manual trigger.
type Execution struct {
	ExecutionID             string
	TriggeredFunctionVerID  string
	Name                    string
	TriggeredOn             time.Time
	Status                  FunctionRunStatus
}

// TransactionByKind names the strategy tag a TransactionMapper reports,
// used in CyclicTransaction error messages.
type TransactionByKind string

const (
	TransactionByFunctionName TransactionByKind = "per-function-name"
	TransactionBySingle       TransactionByKind = "single-transaction"
)

// Transaction is an atomic-commit partition of an Execution.
type Transaction struct {
	TransactionID string
	ExecutionID   string
	Key           string
	Status        FunctionRunStatus
}

// FunctionRun is a scheduled execution of one function version inside one
// transaction.
type FunctionRun struct {
	FunctionRunID     string
	ExecutionID       string
	TransactionID     string
	FunctionVersionID string
	Status            FunctionRunStatus
	StartedOn         *time.Time
	EndedOn           *time.Time
}

// TableDataVersion is the data artefact a FunctionRun produces for one of
// its output tables.
type TableDataVersion struct {
	TableDataVersionID string
	FunctionRunID       string
	TableVersionID      string
	OutputPos           int
	HasData             *bool
	RowCount            *int64
	ColumnCount         *int64
	SchemaHash          string
	Status              FunctionRunStatus
	StartedOn           *time.Time
	EndedOn             *time.Time
}

// FunctionRequirement is an edge in a materialised plan: FunctionRunID
// requires SourceTableDataVersionID at DepPos/VersionPos.
type FunctionRequirement struct {
	FunctionRequirementID  string
	FunctionRunID          string
	SourceTableDataVersion string
	TableID                string
	DepPos                 int
	VersionPos             int
	Status                 FunctionRunStatus
}

// WorkerMessageStatus is the lifecycle of a queued dispatch payload.
type WorkerMessageStatus string

const (
	WorkerMessageLocked   WorkerMessageStatus = "Locked"
	WorkerMessageUnlocked WorkerMessageStatus = "Unlocked"
)

// WorkerMessage binds a queue entry to the FunctionRun it dispatches.
type WorkerMessage struct {
	WorkerMessageID string
	FunctionRunID   string
	Status          WorkerMessageStatus
	EnqueuedOn      time.Time
}
