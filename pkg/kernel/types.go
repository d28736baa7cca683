// Package kernel defines the entities, error taxonomy, configuration, and
// per-call context shared by every storage-pillar and engine package.
package kernel

import "time"

// EntryType discriminates what a FileMetadata row represents.
type EntryType string

const (
	EntryRegular   EntryType = "regular"
	EntryDirectory EntryType = "directory"
	EntryMount     EntryType = "mount"
)

// OpType enumerates the mutating operations the operation log records.
type OpType string

const (
	OpWrite      OpType = "write"
	OpDelete     OpType = "delete"
	OpRename     OpType = "rename"
	OpChmod      OpType = "chmod"
	OpChown      OpType = "chown"
	OpMkdir      OpType = "mkdir"
	OpTagSet     OpType = "tag_set"
	OpTagDelete  OpType = "tag_delete"
	OpUndo       OpType = "undo"
)

// ConsistencyLevel is the freshness a caller requests from a read or a
// ReBAC check.
type ConsistencyLevel string

const (
	ConsistencyEventual ConsistencyLevel = "eventual"
	ConsistencyBounded  ConsistencyLevel = "bounded"
	ConsistencyStrong   ConsistencyLevel = "strong"
)

// PathRegistrationType discriminates the two former types that shared a
// schema (workspace and memory roots).
type PathRegistrationType string

const (
	PathRegistrationWorkspace PathRegistrationType = "workspace"
	PathRegistrationMemory    PathRegistrationType = "memory"
)

// Zone is the top-level isolation boundary. Every persistent entity below
// belongs to exactly one zone.
type Zone struct {
	ZoneID    string
	Name      string
	CreatedAt time.Time
	Deleted   bool
}

// FileMetadata is the inode-equivalent, owned by the Metastore. Keyed by
// zone_id/virtual_path.
type FileMetadata struct {
	ZoneID       string
	VirtualPath  string
	ContentHash  string // 64-hex SHA-256; empty for directories
	SizeBytes    int64
	BackendID    string
	Etag         string
	OwnerSubject string // "type:id"
	Group        string
	Mode         uint16 // POSIX-style 12-bit
	CreatedAt    time.Time
	ModifiedAt   time.Time
	EntryType    EntryType
	TargetZoneID string // set only when EntryType == EntryMount
}

// ContentChunk is the CAS entry, owned by the Metastore and never
// replicated across zones (it is local to the ObjectStore backend that
// physically holds the blob).
type ContentChunk struct {
	ContentHash string
	SizeBytes   int64
	Refcount    int64
	FirstSeenAt time.Time
	ZeroedAt    time.Time // set when Refcount first reaches zero; GC eligible after grace period
}

// OperationLogEntry is one row per mutating operation.
type OperationLogEntry struct {
	OpID      string
	ZoneID    string
	SubjectID string
	OpType    OpType
	FilePath  string
	Timestamp time.Time
	Details   map[string]any
	UndoState map[string]any
	Undone    bool
}

// Tag is a free-text key-value attribute attached to a file.
type Tag struct {
	ZoneID   string
	FilePath string
	TagKey   string
	TagValue string
}

// ReBACTuple is one relationship edge in the authorization graph.
type ReBACTuple struct {
	TupleID     string
	ZoneID      string
	SubjectType string
	SubjectID   string
	Relation    string
	ObjectType  string
	ObjectID    string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// ReBACGroupClosure is the materialized transitive closure of member-of
// relations, recomputed when member-of tuples change.
type ReBACGroupClosure struct {
	ZoneID      string
	MemberType  string
	MemberID    string
	GroupType   string
	GroupID     string
	ComputedAt  time.Time
}

// VersionHistoryEntry is one row per prior content hash bound to a path.
type VersionHistoryEntry struct {
	ZoneID        string
	Path          string
	VersionNumber int64
	ContentHash   string
	SizeBytes     int64
	CreatedAt     time.Time
	CreatedBy     string
}

// PathRegistration is a workspace or memory root registration.
type PathRegistration struct {
	ZoneID       string
	Path         string
	Type         PathRegistrationType
	OwnerSubject string
	Metadata     map[string]string
}

// PeerEnrollment records a bounded-lifetime token a remote kernel presents
// once to register a federation mount.
type PeerEnrollment struct {
	ZoneID       string
	PeerKernelID string
	TokenHash    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Revoked      bool
}

// DirEntry is a derived, non-persisted listing row produced by prefix
// scanning FileMetadata keys under a directory path.
type DirEntry struct {
	Name string
	Meta FileMetadata
}
