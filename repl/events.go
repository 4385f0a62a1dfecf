package repl

import "github.com/jackc/pglogrepl"

// Kind is the type of row change carried by a ChangeEvent.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ChangeEvent is a single decoded row change from the replication slot.
//
// Insert and update events carry Row with every column the decoder emitted
// for the new tuple. Delete events carry Identity instead, holding only the
// columns declared as the row's identity (Config.PrimaryKeys); Row is nil.
//
// Table is the table the change belongs to. When every configured table
// lives in one schema the name is bare ("widgets"); as soon as any configured
// table is schema-qualified, all delivered names are ("sales.widgets").
type ChangeEvent struct {
	Table    string         `json:"table"`
	Event    Kind           `json:"event"`
	Row      map[string]any `json:"row,omitempty"`
	Identity map[string]any `json:"identity,omitempty"`

	// LSN is the WAL position the change was read at.
	LSN pglogrepl.LSN `json:"lsn,omitempty"`
}
