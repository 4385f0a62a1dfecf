package repl

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPluginMissing indicates the wal2json output plugin is not installed on
// the server. This is a fatal configuration error.
var ErrPluginMissing = errors.New("wal2json output plugin is not installed")

const slotPrefix = "app_slot_"

const (
	codeUndefinedFile   = "58P01" // missing output plugin library
	codeUndefinedObject = "42704" // slot does not exist
)

const (
	createSlotSQL = "select pg_catalog.pg_create_logical_replication_slot($1, $2, $3)"
	dropSlotSQL   = "select pg_catalog.pg_drop_replication_slot($1)"
	listSlotsSQL  = "select slot_name, plugin, slot_type, database, temporary, active from pg_replication_slots"
)

// createSlot creates a temporary logical replication slot on the held
// session. The slot lives and dies with the session.
func createSlot(ctx context.Context, conn *pgxpool.Conn, name string) error {
	_, err := conn.Exec(ctx, createSlotSQL, name, "wal2json", true)
	if err != nil {
		if pgErrCode(err) == codeUndefinedFile {
			return fmt.Errorf("create replication slot %s: %w", name, ErrPluginMissing)
		}
		return fmt.Errorf("create replication slot %s: %w", name, err)
	}
	return nil
}

// dropSlot drops the replication slot. Callers treat failures as
// non-fatal: a temporary slot goes away with its session anyway.
func dropSlot(ctx context.Context, conn *pgxpool.Conn, name string) error {
	_, err := conn.Exec(ctx, dropSlotSQL, name)
	return err
}

// pgErrCode extracts the SQLSTATE code from a pgx error chain, or "".
func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// SlotInfo describes one entry of pg_replication_slots.
type SlotInfo struct {
	SlotName  string `json:"slot_name"`
	Plugin    string `json:"plugin"`
	SlotType  string `json:"slot_type"`
	Database  string `json:"database"`
	Temporary bool   `json:"temporary"`
	Active    bool   `json:"active"`
}

// ListSlots returns the replication slots currently known to the server.
func ListSlots(ctx context.Context, pool *pgxpool.Pool) ([]SlotInfo, error) {
	rows, err := pool.Query(ctx, listSlotsSQL)
	if err != nil {
		return nil, fmt.Errorf("query replication slots: %w", err)
	}
	defer rows.Close()

	var out []SlotInfo
	for rows.Next() {
		var s SlotInfo
		var database *string
		if err := rows.Scan(&s.SlotName, &s.Plugin, &s.SlotType, &database, &s.Temporary, &s.Active); err != nil {
			return nil, fmt.Errorf("scan replication slot row: %w", err)
		}
		if database != nil {
			s.Database = *database
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
