// Package command maintains the signed, Lamport-ordered command log and the
// batching pipeline that feeds it into transports.
package command

import (
	"fmt"

	"github.com/jvastola/theta/pkg/engine"
)

// Role is a command author's permission level.
type Role uint8

const (
	RoleViewer Role = iota
	RoleEditor
	RoleAdmin
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

// Allows reports whether an author holding this role may issue a command
// requiring the given role.
func (r Role) Allows(required Role) bool {
	return r >= required
}

// Author identifies a command author.
type Author struct {
	ID        uint64
	PublicKey [32]byte
	Role      Role
}

// ID is a command's total-order identity: lamport ascending, then author
// ascending.
type ID struct {
	Lamport uint64
	Author  uint64
}

// Less reports whether id orders strictly before other.
func (id ID) Less(other ID) bool {
	if id.Lamport != other.Lamport {
		return id.Lamport < other.Lamport
	}
	return id.Author < other.Author
}

// String renders the id for logging.
func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Lamport, id.Author)
}

// ScopeKind discriminates command scopes.
type ScopeKind uint8

const (
	ScopeGlobal ScopeKind = iota
	ScopeEntity
	ScopeTool
)

// Scope is the visibility and conflict domain of a command. Only non-Global
// scopes participate in conflict resolution.
type Scope struct {
	Kind   ScopeKind
	Entity engine.Handle
	Tool   uint64
}

// GlobalScope returns the Global scope.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// EntityScope returns a scope covering one entity.
func EntityScope(h engine.Handle) Scope { return Scope{Kind: ScopeEntity, Entity: h} }

// ToolScope returns a scope covering one tool.
func ToolScope(id uint64) Scope { return Scope{Kind: ScopeTool, Tool: id} }

// Conflicts reports whether two scopes overlap. Global never conflicts.
func (s Scope) Conflicts(other Scope) bool {
	if s.Kind == ScopeGlobal || other.Kind == ScopeGlobal {
		return false
	}
	if s.Kind != other.Kind {
		return false
	}
	switch s.Kind {
	case ScopeEntity:
		return s.Entity == other.Entity
	case ScopeTool:
		return s.Tool == other.Tool
	}
	return false
}

// ConflictStrategy determines resolution when two entries share a non-Global
// scope.
type ConflictStrategy uint8

const (
	LastWriteWins ConflictStrategy = iota
	Merge
	Reject
)

// String returns the strategy name.
func (c ConflictStrategy) String() string {
	switch c {
	case LastWriteWins:
		return "last_write_wins"
	case Merge:
		return "merge"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Entry is one accepted or candidate command log record.
type Entry struct {
	ID           ID
	Scope        Scope
	Payload      []byte
	RequiredRole Role
	Strategy     ConflictStrategy
	Nonce        uint64
	Signature    []byte
}
