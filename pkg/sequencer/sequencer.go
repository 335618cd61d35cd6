// Package sequencer implements the durable, totally ordered event log behind
// the firehose. Events are assigned a strictly increasing seq under a single
// writer lock, with the counter persisted in the same batch as the event so
// the order survives restarts.
package sequencer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"

	"github.com/torrho/windsock/pkg/models"
	"github.com/torrho/windsock/pkg/monotonic"
)

var tracer = otel.Tracer("sequencer")

// ErrNotFound is returned when an operation references a seq that is not in
// the log.
var ErrNotFound = errors.New("event not found")

// MaxRangeLimit caps the number of events a single Range or EventsFor call
// will return regardless of the requested limit.
const MaxRangeLimit = 1000

// Sequencer is the append-only event log. It is safe for concurrent use:
// appends are serialized internally, reads only ever observe committed,
// immutable history.
type Sequencer struct {
	db     *pebble.DB
	clock  *monotonic.Clock
	logger *slog.Logger

	lk      sync.Mutex
	lastSeq int64
}

// Open opens (or creates) the log under dataDir.
func Open(dataDir string, logger *slog.Logger) (*Sequencer, error) {
	dbPath := dataDir + "/windsock.db"
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	s := Sequencer{
		db:     db,
		clock:  monotonic.NewClock(),
		logger: logger.With("component", "sequencer"),
	}

	data, closer, err := db.Get(lastSeqKey)
	if err == nil {
		if len(data) >= 8 {
			s.lastSeq = int64(binary.BigEndian.Uint64(data[:8]))
		}
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		db.Close()
		return nil, fmt.Errorf("failed to read last seq: %w", err)
	}

	lastSeqGauge.Set(float64(s.lastSeq))

	return &s, nil
}

// Close closes the underlying store. In-flight appends must have completed.
func (s *Sequencer) Close() error {
	return s.db.Close()
}

// AppendCommit sequences a repo commit event and returns its seq.
func (s *Sequencer) AppendCommit(ctx context.Context, commit models.CommitEvt) (int64, error) {
	if _, err := syntax.ParseDID(commit.Repo); err != nil {
		return 0, fmt.Errorf("invalid repo did %q: %w", commit.Repo, err)
	}
	if _, err := cid.Decode(commit.Commit); err != nil {
		return 0, fmt.Errorf("invalid commit cid %q: %w", commit.Commit, err)
	}
	for _, op := range commit.Ops {
		if op.Cid != nil {
			if _, err := cid.Decode(*op.Cid); err != nil {
				return 0, fmt.Errorf("invalid record cid %q: %w", *op.Cid, err)
			}
		}
	}
	return s.append(ctx, models.KindCommit, commit.Repo, &commit)
}

// AppendIdentity sequences an identity change event and returns its seq.
func (s *Sequencer) AppendIdentity(ctx context.Context, ident models.IdentityEvt) (int64, error) {
	if _, err := syntax.ParseDID(ident.Did); err != nil {
		return 0, fmt.Errorf("invalid did %q: %w", ident.Did, err)
	}
	if ident.Handle != nil {
		if _, err := syntax.ParseHandle(*ident.Handle); err != nil {
			return 0, fmt.Errorf("invalid handle %q: %w", *ident.Handle, err)
		}
	}
	return s.append(ctx, models.KindIdentity, ident.Did, &ident)
}

// AppendAccount sequences an account status event and returns its seq.
func (s *Sequencer) AppendAccount(ctx context.Context, acct models.AccountEvt) (int64, error) {
	if _, err := syntax.ParseDID(acct.Did); err != nil {
		return 0, fmt.Errorf("invalid did %q: %w", acct.Did, err)
	}
	return s.append(ctx, models.KindAccount, acct.Did, &acct)
}

func (s *Sequencer) append(ctx context.Context, kind models.EventKind, did string, payload any) (int64, error) {
	ctx, span := tracer.Start(ctx, "Append")
	defer span.End()

	start := time.Now()

	data, err := models.MarshalPayload(payload)
	if err != nil {
		return 0, err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	evt := models.Event{
		Seq:     s.lastSeq + 1,
		Did:     did,
		Kind:    kind,
		Payload: data,
		TimeUS:  s.clock.NowUS(),
	}

	enc, err := cbor.Marshal(&evt)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(keyEvent(evt.Seq), enc, nil); err != nil {
		return 0, fmt.Errorf("failed to stage event: %w", err)
	}
	if err := batch.Set(keyRepoIndex(did, evt.Seq), nil, nil); err != nil {
		return 0, fmt.Errorf("failed to stage repo index: %w", err)
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], uint64(evt.Seq))
	if err := batch.Set(lastSeqKey, meta[:], nil); err != nil {
		return 0, fmt.Errorf("failed to stage last seq: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}

	s.lastSeq = evt.Seq

	eventsAppendedCounter.WithLabelValues(string(kind)).Inc()
	lastSeqGauge.Set(float64(evt.Seq))
	appendDurationHistogram.Observe(time.Since(start).Seconds())

	return evt.Seq, nil
}

// CurrentSeq returns the max seq among non-invalidated events, or 0 if the
// log holds none.
func (s *Sequencer) CurrentSeq(ctx context.Context) (int64, error) {
	low, hi := eventBounds()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for ok := iter.Last(); ok; ok = iter.Prev() {
		evt, err := decodeEvent(iter.Value())
		if err != nil {
			s.logger.Error("skipping undecodable event", "seq", seqFromEventKey(iter.Key()), "error", err)
			continue
		}
		if evt.Invalidated {
			continue
		}
		return evt.Seq, nil
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed to scan log: %w", err)
	}
	return 0, nil
}

// NextAfter returns the earliest non-invalidated event with seq > cursor, or
// nil when none is available yet. This is the hot poll path for every
// connected subscriber.
func (s *Sequencer) NextAfter(ctx context.Context, cursor int64) (*models.Event, error) {
	_, hi := eventBounds()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyEvent(cursor + 1), UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		evt, err := decodeEvent(iter.Value())
		if err != nil {
			s.logger.Error("skipping undecodable event", "seq", seqFromEventKey(iter.Key()), "error", err)
			continue
		}
		if evt.Invalidated {
			continue
		}
		return evt, nil
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan log: %w", err)
	}
	return nil, nil
}

// Range returns up to limit non-invalidated events with low <= seq < high in
// ascending order. high <= 0 means no upper bound. The limit is clamped to
// MaxRangeLimit.
func (s *Sequencer) Range(ctx context.Context, low, high int64, limit int) ([]*models.Event, error) {
	ctx, span := tracer.Start(ctx, "Range")
	defer span.End()

	if limit <= 0 || limit > MaxRangeLimit {
		limit = MaxRangeLimit
	}

	if low < 0 {
		low = 0
	}
	_, hi := eventBounds()
	if high > 0 {
		hi = keyEvent(high)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyEvent(low), UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	evts := make([]*models.Event, 0, limit)
	for ok := iter.First(); ok && len(evts) < limit; ok = iter.Next() {
		evt, err := decodeEvent(iter.Value())
		if err != nil {
			s.logger.Error("skipping undecodable event", "seq", seqFromEventKey(iter.Key()), "error", err)
			continue
		}
		if evt.Invalidated {
			continue
		}
		evts = append(evts, evt)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan log: %w", err)
	}
	return evts, nil
}

// EventsFor returns up to limit events for one did, most recent first. This
// is a debugging and audit path, not a streaming path.
func (s *Sequencer) EventsFor(ctx context.Context, did string, limit int) ([]*models.Event, error) {
	ctx, span := tracer.Start(ctx, "EventsFor")
	defer span.End()

	if limit <= 0 || limit > MaxRangeLimit {
		limit = MaxRangeLimit
	}

	low, hi := repoIndexBounds(did)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	evts := make([]*models.Event, 0, limit)
	for ok := iter.Last(); ok && len(evts) < limit; ok = iter.Prev() {
		seq := seqFromRepoIndexKey(iter.Key())
		evt, err := s.getEvent(seq)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Trimmed out from under its index entry.
				continue
			}
			return nil, err
		}
		if evt.Invalidated {
			continue
		}
		evts = append(evts, evt)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan repo index: %w", err)
	}
	return evts, nil
}

// Invalidate tombstones the event at seq so it is excluded from future
// delivery. The seq itself is never reused and later events keep their
// numbers, so cursors issued before the invalidation stay valid.
func (s *Sequencer) Invalidate(ctx context.Context, seq int64) error {
	ctx, span := tracer.Start(ctx, "Invalidate")
	defer span.End()

	s.lk.Lock()
	defer s.lk.Unlock()

	evt, err := s.getEvent(seq)
	if err != nil {
		return err
	}
	if evt.Invalidated {
		return nil
	}
	evt.Invalidated = true

	enc, err := cbor.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.db.Set(keyEvent(seq), enc, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}

	eventsInvalidatedCounter.Inc()
	return nil
}

// TrimEvents deletes events older than ttl from the front of the log,
// together with their repo index entries. Trimming moves the retention floor
// but never renumbers: surviving events keep their seqs.
func (s *Sequencer) TrimEvents(ctx context.Context, ttl time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "TrimEvents")
	defer span.End()

	// Trims share s.lk with appends and invalidations so a tombstone can
	// never be written over a key the trim just deleted.
	s.lk.Lock()
	defer s.lk.Unlock()

	cutoff := time.Now().Add(-ttl).UnixMicro()

	low, hi := eventBounds()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	trimmed := 0
	var lastTrimmed int64
	for ok := iter.First(); ok; ok = iter.Next() {
		evt, err := decodeEvent(iter.Value())
		if err != nil {
			// Undecodable events are trimmed like any other once reached.
			lastTrimmed = seqFromEventKey(iter.Key())
			trimmed++
			continue
		}
		if evt.TimeUS >= cutoff {
			break
		}
		if err := batch.Delete(keyRepoIndex(evt.Did, evt.Seq), nil); err != nil {
			return 0, fmt.Errorf("failed to stage index delete: %w", err)
		}
		lastTrimmed = evt.Seq
		trimmed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed to scan log: %w", err)
	}
	if trimmed == 0 {
		return 0, nil
	}

	if err := batch.DeleteRange(keyEvent(0), keyEvent(lastTrimmed+1), nil); err != nil {
		return 0, fmt.Errorf("failed to stage event delete: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit trim: %w", err)
	}

	eventsTrimmedCounter.Add(float64(trimmed))
	return trimmed, nil
}

func (s *Sequencer) getEvent(seq int64) (*models.Event, error) {
	data, closer, err := s.db.Get(keyEvent(seq))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read event %d: %w", seq, err)
	}
	defer closer.Close()
	return decodeEvent(data)
}

func decodeEvent(data []byte) (*models.Event, error) {
	var evt models.Event
	if err := cbor.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &evt, nil
}
