package repl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const getChangesSQL = "select lsn, data from pg_catalog.pg_logical_slot_get_changes($1, $2, $3, 'include-transaction', 'false', 'add-tables', $4)"

// Stream tails a temporary logical replication slot and multicasts decoded
// row changes to its subscribers.
//
// A Stream owns exactly one slot and one database session for its entire
// lifetime. The session is exclusive to the poller; subscriber queries must
// use the general pool. Teardown drops the slot, releases the session and
// completes the stream.
type Stream struct {
	cfg       Config
	slotName  string
	conn      *pgxpool.Conn
	subject   *Subject
	dec       *decoder
	addTables string

	// polling guards against overlapping reads of the slot cursor. It is
	// scoped to this stream, never shared between streams.
	polling  atomic.Bool
	lastPoll atomic.Int64 // unix millis
	lastLSN  atomic.Uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream acquires a dedicated session from the pool, creates the
// replication slot and starts polling. The returned stream delivers events
// until Teardown is called or an unrecoverable error terminates it.
func NewStream(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	slotID := cfg.SlotID
	if slotID == "" {
		slotID = randomSlotID()
	}
	slotName := slotPrefix + slotID

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire replication session: %w", err)
	}
	if err := createSlot(ctx, conn, slotName); err != nil {
		conn.Release()
		return nil, err
	}

	s := &Stream{
		cfg:       cfg,
		slotName:  slotName,
		conn:      conn,
		subject:   NewSubject(),
		dec:       newDecoder(cfg),
		addTables: cfg.addTables(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.lastPoll.Store(time.Now().UnixMilli())

	log.Debug().Str("slot", slotName).Str("tables", s.addTables).Msg("Change stream started")
	go s.pollLoop()
	return s, nil
}

// Subscribe registers an observer for subsequent change events.
func (s *Stream) Subscribe(o Observer) *Subscription {
	return s.subject.Subscribe(o)
}

// SlotName returns the name of the replication slot held by this stream.
func (s *Stream) SlotName() string {
	return s.slotName
}

// TimeSinceLastPoll reports how long ago the slot was last polled
// successfully. Used for staleness checks.
func (s *Stream) TimeSinceLastPoll() time.Duration {
	return time.Since(time.UnixMilli(s.lastPoll.Load()))
}

// LastLSN returns the WAL position of the most recent change read from the
// slot, or zero if none was read yet.
func (s *Stream) LastLSN() pglogrepl.LSN {
	return pglogrepl.LSN(s.lastLSN.Load())
}

// Teardown stops the poller, drops the slot (best effort), releases the
// session and completes the stream. Idempotent. Subscriptions created after
// teardown receive an immediate complete.
func (s *Stream) Teardown(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		if err := dropSlot(ctx, s.conn, s.slotName); err != nil {
			log.Debug().Err(err).Str("slot", s.slotName).Msg("Drop replication slot failed")
		}
		s.conn.Release()
		s.subject.Complete()
	})
}

// pollLoop runs until the stream is torn down or a poll fails terminally.
// An in-flight poll always finishes before the loop observes the next tick,
// so one tick's batch is fully delivered before the next is read.
func (s *Stream) pollLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.polling.CompareAndSwap(false, true) {
				continue
			}
			err := s.poll(context.Background())
			s.polling.Store(false)
			if err != nil {
				log.Error().Err(err).Str("slot", s.slotName).Msg("Change stream terminated")
				s.subject.Error(err)
				return
			}
		}
	}
}

// poll reads one batch of decoded changes from the slot and fans them out.
// A missing slot (dropped out from under us) is recreated on the same
// session and the read retried exactly once.
func (s *Stream) poll(ctx context.Context) error {
	batch, err := s.fetchChanges(ctx)
	if err != nil {
		if pgErrCode(err) != codeUndefinedObject {
			return fmt.Errorf("get changes from slot %s: %w", s.slotName, err)
		}
		log.Warn().Str("slot", s.slotName).Msg("Replication slot disappeared, recreating")
		if err := createSlot(ctx, s.conn, s.slotName); err != nil {
			return err
		}
		if batch, err = s.fetchChanges(ctx); err != nil {
			return fmt.Errorf("get changes from slot %s: %w", s.slotName, err)
		}
	}
	s.lastPoll.Store(time.Now().UnixMilli())

	for _, row := range batch {
		events, err := s.dec.decode(row.lsn, row.data)
		if err != nil {
			return err
		}
		s.lastLSN.Store(uint64(row.lsn))
		for _, ev := range events {
			s.subject.Next(ev)
		}
	}
	return nil
}

type slotRow struct {
	lsn  pglogrepl.LSN
	data []byte
}

func (s *Stream) fetchChanges(ctx context.Context) ([]slotRow, error) {
	rows, err := s.conn.Query(ctx, getChangesSQL, s.slotName, nil, nil, s.addTables)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []slotRow
	for rows.Next() {
		var lsnStr string
		var data []byte
		if err := rows.Scan(&lsnStr, &data); err != nil {
			return nil, err
		}
		lsn, err := pglogrepl.ParseLSN(lsnStr)
		if err != nil {
			return nil, fmt.Errorf("parse lsn %q: %w", lsnStr, err)
		}
		batch = append(batch, slotRow{lsn: lsn, data: data})
	}
	return batch, rows.Err()
}
