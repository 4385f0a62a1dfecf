package repl

import (
	"crypto/rand"
	"errors"
	"strings"
	"time"
)

// Config holds the configuration for a change Stream.
type Config struct {
	// Tables is the list of tables to watch. Names may be bare ("widgets")
	// or schema-qualified ("sales.widgets"). Bare names are qualified with
	// AssumeSchema for the slot filter. At least one table is required.
	Tables []string

	// SlotID is the suffix of the replication slot name ("app_slot_<id>").
	// If empty, a random 15-digit id is generated.
	SlotID string

	// PollInterval is how often the slot is polled for changes.
	// Defaults to 50ms if not set.
	PollInterval time.Duration

	// AssumeSchema qualifies bare table names for the slot filter.
	// Defaults to "public".
	AssumeSchema string

	// PrimaryKeys maps a table (as spelled in Tables) to the ordered list of
	// columns forming the row's identity. Delete events expose exactly these
	// columns. Tables absent from the map default to ["id"]. Identity need
	// not match the real primary key.
	PrimaryKeys map[string][]string
}

// Validate checks the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if len(c.Tables) == 0 {
		return errors.New("at least one table must be specified")
	}
	return nil
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.AssumeSchema == "" {
		c.AssumeSchema = "public"
	}
}

// qualified returns the schema-qualified form of a configured table name.
func (c *Config) qualified(table string) string {
	if strings.Contains(table, ".") {
		return table
	}
	return c.AssumeSchema + "." + table
}

// multiSchema reports whether any configured table is schema-qualified.
// When true, delivered events carry fully qualified table names.
func (c *Config) multiSchema() bool {
	for _, t := range c.Tables {
		if strings.Contains(t, ".") {
			return true
		}
	}
	return false
}

// addTables builds the comma-joined table filter passed to the slot.
func (c *Config) addTables() string {
	qualified := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		qualified[i] = c.qualified(t)
	}
	return strings.Join(qualified, ",")
}

// identityColumns returns the declared identity columns for a configured
// table, defaulting to the single column "id".
func (c *Config) identityColumns(table string) []string {
	if cols, ok := c.PrimaryKeys[table]; ok && len(cols) > 0 {
		return cols
	}
	return []string{"id"}
}

const slotIDDigits = 15

// randomSlotID generates a random decimal slot id suffix, long enough to
// avoid collisions between concurrent streams on the same database.
func randomSlotID() string {
	buf := make([]byte, slotIDDigits)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = '0' + b%10
	}
	return string(buf)
}
