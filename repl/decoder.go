package repl

import (
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jackc/pglogrepl"
)

// wal2json payload: a "change" array of row changes for one or more
// committed transactions. Column values are surfaced exactly as the plugin
// emitted them (strings, numbers, booleans, null); no type coercion.
type rawMessage struct {
	Change []rawChange `json:"change"`
}

type rawChange struct {
	Kind         string   `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames"`
	ColumnTypes  []string `json:"columntypes"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      *rawKeys `json:"oldkeys"`
}

type rawKeys struct {
	KeyNames  []string `json:"keynames"`
	KeyTypes  []string `json:"keytypes"`
	KeyValues []any    `json:"keyvalues"`
}

// decoder converts raw wal2json payloads into ChangeEvents.
type decoder struct {
	// tables holds the qualified names of every watched table. The slot
	// filter already restricts output to these, the decoder verifies anyway.
	tables mapset.Set[string]

	// identity maps qualified table name to declared identity columns.
	identity map[string][]string

	// multiSchema controls whether delivered table names keep their schema
	// prefix. Fixed at stream creation.
	multiSchema bool
}

func newDecoder(cfg Config) *decoder {
	d := &decoder{
		tables:      mapset.NewSet[string](),
		identity:    make(map[string][]string, len(cfg.Tables)),
		multiSchema: cfg.multiSchema(),
	}
	for _, t := range cfg.Tables {
		q := cfg.qualified(t)
		d.tables.Add(q)
		d.identity[q] = cfg.identityColumns(t)
	}
	return d
}

// decode parses one slot payload and returns the change events it carries,
// in the order the plugin produced them (WAL commit order).
func (d *decoder) decode(lsn pglogrepl.LSN, payload []byte) ([]ChangeEvent, error) {
	var msg rawMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed wal2json payload: %w", err)
	}

	var events []ChangeEvent
	for _, ch := range msg.Change {
		qualified := ch.Schema + "." + ch.Table
		if !d.tables.Contains(qualified) {
			continue
		}

		name := qualified
		if !d.multiSchema {
			name = ch.Table
		}

		switch Kind(ch.Kind) {
		case KindInsert, KindUpdate:
			events = append(events, ChangeEvent{
				Table: name,
				Event: Kind(ch.Kind),
				Row:   zipColumns(ch.ColumnNames, ch.ColumnValues),
				LSN:   lsn,
			})
		case KindDelete:
			events = append(events, ChangeEvent{
				Table:    name,
				Event:    KindDelete,
				Identity: d.deleteIdentity(qualified, ch.OldKeys),
				LSN:      lsn,
			})
		default:
			// Unknown kinds are skipped for forward compatibility.
		}
	}
	return events, nil
}

// deleteIdentity builds the identity map for a delete, narrowed to the
// columns declared for the table. Columns the plugin did not emit are
// absent, not null.
func (d *decoder) deleteIdentity(qualified string, keys *rawKeys) map[string]any {
	if keys == nil {
		return map[string]any{}
	}
	full := zipColumns(keys.KeyNames, keys.KeyValues)
	narrowed := make(map[string]any, len(d.identity[qualified]))
	for _, col := range d.identity[qualified] {
		if v, ok := full[col]; ok {
			narrowed[col] = v
		}
	}
	return narrowed
}

// zipColumns pairs column names with values, order preserved by the source
// arrays.
func zipColumns(names []string, values []any) map[string]any {
	n := len(names)
	if len(values) < n {
		n = len(values)
	}
	row := make(map[string]any, n)
	for i := 0; i < n; i++ {
		row[names[i]] = values[i]
	}
	return row
}
