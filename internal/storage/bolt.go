package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"fee-insights/internal/provider"
)

var (
	pointsBucket    = []byte("fee_data_points")
	snapshotsBucket = []byte("fee_snapshots")
	alertsBucket    = []byte("congestion_alerts")
)

type pointValue struct {
	FeeAmount       uint64 `msgpack:"fee_amount"`
	Timestamp       string `msgpack:"timestamp"`
	TransactionHash string `msgpack:"transaction_hash"`
	LedgerSequence  uint64 `msgpack:"ledger_sequence"`
}

type snapshotValue struct {
	BaseFee      string `msgpack:"base_fee"`
	MinFee       string `msgpack:"min_fee"`
	MaxFee       string `msgpack:"max_fee"`
	AvgFee       string `msgpack:"avg_fee"`
	SampleCount  int    `msgpack:"sample_count"`
	LatestLedger uint64 `msgpack:"latest_ledger"`
	Congestion   string `msgpack:"congestion"`
	Trend        string `msgpack:"trend"`
	CapturedAt   string `msgpack:"captured_at"`
}

type alertValue struct {
	Kind       string   `msgpack:"kind"`
	State      string   `msgpack:"state"`
	Detail     string   `msgpack:"detail"`
	AvgFee     string   `msgpack:"avg_fee"`
	Threshold  string   `msgpack:"threshold"`
	Channels   []string `msgpack:"channels"`
	CapturedAt string   `msgpack:"captured_at"`
	CreatedAt  string   `msgpack:"created_at"`
}

// BoltStore keeps the fee tables in an embedded bolt file. Each table is a
// bucket keyed by a big-endian sequence number, so cursor order is append
// order. The file lock held by bolt already makes it single-writer.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the bolt file and its buckets.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database.bolt_path is required")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{pointsBucket, snapshotsBucket, alertsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the file lock.
func (s *BoltStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func put(bkt *bolt.Bucket, v any) (uint64, error) {
	seq, err := bkt.NextSequence()
	if err != nil {
		return 0, err
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return 0, err
	}
	return seq, bkt.Put(seqKey(seq), raw)
}

// AppendFeePoints stores points in one transaction.
func (s *BoltStore) AppendFeePoints(ctx context.Context, points []provider.FeeDataPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(pointsBucket)
		for _, p := range points {
			v := pointValue{
				FeeAmount:       p.FeeAmount,
				Timestamp:       p.Timestamp.UTC().Format(time.RFC3339Nano),
				TransactionHash: p.TransactionHash,
				LedgerSequence:  p.LedgerSequence,
			}
			if _, err := put(bkt, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append fee points: %w", err)
	}
	return nil
}

// ListRecentFeePoints walks back from the newest key, returning oldest first.
func (s *BoltStore) ListRecentFeePoints(ctx context.Context, limit int) ([]provider.FeeDataPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	points := make([]provider.FeeDataPoint, 0, max(limit, 0))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pointsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(points) < limit; k, v = c.Prev() {
			p, err := decodePoint(v)
			if err != nil {
				return err
			}
			points = append(points, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list recent fee points: %w", err)
	}
	slices.Reverse(points)
	return points, nil
}

// ListFeePointsSince scans the points bucket in append order.
func (s *BoltStore) ListFeePointsSince(ctx context.Context, since time.Time) ([]provider.FeeDataPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	points := make([]provider.FeeDataPoint, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pointsBucket).ForEach(func(_, v []byte) error {
			p, err := decodePoint(v)
			if err != nil {
				return err
			}
			if !p.Timestamp.Before(since) {
				points = append(points, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list fee points since: %w", err)
	}
	return points, nil
}

// CountFeePoints returns the number of stored points.
func (s *BoltStore) CountFeePoints(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var count int64
	err := s.db.View(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket(pointsBucket).Stats().KeyN)
		return nil
	})
	return count, err
}

// AppendSnapshot stores snap under the next sequence number.
func (s *BoltStore) AppendSnapshot(ctx context.Context, snap SnapshotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := snapshotValue{
		BaseFee:      snap.BaseFee.String(),
		MinFee:       snap.MinFee.String(),
		MaxFee:       snap.MaxFee.String(),
		AvgFee:       snap.AvgFee.String(),
		SampleCount:  snap.SampleCount,
		LatestLedger: snap.LatestLedger,
		Congestion:   snap.Congestion,
		Trend:        snap.Trend,
		CapturedAt:   snap.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := put(tx.Bucket(snapshotsBucket), v)
		return err
	})
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the last appended snapshot.
func (s *BoltStore) LatestSnapshot(ctx context.Context) (SnapshotRecord, bool, error) {
	snaps, err := s.ListRecentSnapshots(ctx, 1)
	if err != nil || len(snaps) == 0 {
		return SnapshotRecord{}, false, err
	}
	return snaps[0], true, nil
}

// ListRecentSnapshots returns the newest snapshots first.
func (s *BoltStore) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snaps := make([]SnapshotRecord, 0, max(limit, 0))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(snapshotsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(snaps) < limit; k, v = c.Prev() {
			rec, err := decodeSnapshot(k, v)
			if err != nil {
				return err
			}
			snaps = append(snaps, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	return snaps, nil
}

// ListSnapshotsBetween returns snapshots captured in [from, to), oldest first.
func (s *BoltStore) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snaps := make([]SnapshotRecord, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(k, v []byte) error {
			rec, err := decodeSnapshot(k, v)
			if err != nil {
				return err
			}
			if !rec.CapturedAt.Before(from) && rec.CapturedAt.Before(to) {
				snaps = append(snaps, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots between: %w", err)
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].CapturedAt.Before(snaps[j].CapturedAt)
	})
	return snaps, nil
}

// InsertAlert stores an alert and returns it with ID and CreatedAt set.
func (s *BoltStore) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	if err := ctx.Err(); err != nil {
		return AlertRecord{}, err
	}
	rec := alert
	rec.CreatedAt = s.now().UTC()
	v := alertValue{
		Kind:       rec.Kind,
		State:      rec.State,
		Detail:     rec.Detail,
		AvgFee:     rec.AvgFee.String(),
		Threshold:  rec.Threshold.String(),
		Channels:   rec.Channels,
		CapturedAt: rec.CapturedAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339Nano),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		seq, err := put(tx.Bucket(alertsBucket), v)
		rec.ID = int64(seq)
		return err
	})
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts returns the newest alerts first.
func (s *BoltStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alerts := make([]AlertRecord, 0, max(limit, 0))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(alertsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(alerts) < limit; k, v = c.Prev() {
			var av alertValue
			if err := msgpack.Unmarshal(v, &av); err != nil {
				return err
			}
			rec := AlertRecord{
				ID:       int64(binary.BigEndian.Uint64(k)),
				Kind:     av.Kind,
				State:    av.State,
				Detail:   av.Detail,
				Channels: av.Channels,
			}
			var err error
			if rec.AvgFee, err = decimal.NewFromString(av.AvgFee); err != nil {
				return fmt.Errorf("parse avg fee: %w", err)
			}
			if rec.Threshold, err = decimal.NewFromString(av.Threshold); err != nil {
				return fmt.Errorf("parse threshold: %w", err)
			}
			if rec.CapturedAt, err = time.Parse(time.RFC3339Nano, av.CapturedAt); err != nil {
				return fmt.Errorf("parse captured_at: %w", err)
			}
			if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, av.CreatedAt); err != nil {
				return fmt.Errorf("parse created_at: %w", err)
			}
			alerts = append(alerts, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return alerts, nil
}

func decodePoint(raw []byte) (provider.FeeDataPoint, error) {
	var v pointValue
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return provider.FeeDataPoint{}, fmt.Errorf("decode fee point: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, v.Timestamp)
	if err != nil {
		return provider.FeeDataPoint{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return provider.FeeDataPoint{
		FeeAmount:       v.FeeAmount,
		Timestamp:       ts.UTC(),
		TransactionHash: v.TransactionHash,
		LedgerSequence:  v.LedgerSequence,
	}, nil
}

func decodeSnapshot(key, raw []byte) (SnapshotRecord, error) {
	var v snapshotValue
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return SnapshotRecord{}, fmt.Errorf("decode snapshot: %w", err)
	}
	rec := SnapshotRecord{
		ID:           int64(binary.BigEndian.Uint64(key)),
		SampleCount:  v.SampleCount,
		LatestLedger: v.LatestLedger,
		Congestion:   v.Congestion,
		Trend:        v.Trend,
	}
	if err := parseSnapshotDecimals(&rec, v.BaseFee, v.MinFee, v.MaxFee, v.AvgFee); err != nil {
		return SnapshotRecord{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, v.CapturedAt)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("parse captured_at: %w", err)
	}
	rec.CapturedAt = ts.UTC()
	return rec, nil
}

var _ Backend = (*BoltStore)(nil)
