package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fee-insights/internal/provider"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrValueOverflow is returned for unsigned values that do not fit a BIGINT column.
	ErrValueOverflow = errors.New("storage: value exceeds bigint range")
)

const (
	insertFeePointSQL = `INSERT INTO fee_data_points (
        fee_amount,
        timestamp,
        transaction_hash,
        ledger_sequence
    ) VALUES ($1,$2,$3,$4);`

	listRecentFeePointsSQL = `SELECT fee_amount, timestamp, transaction_hash, ledger_sequence
    FROM fee_data_points
    ORDER BY id DESC
    LIMIT $1;`

	listFeePointsSinceSQL = `SELECT fee_amount, timestamp, transaction_hash, ledger_sequence
    FROM fee_data_points
    WHERE timestamp >= $1
    ORDER BY id;`

	countFeePointsSQL = `SELECT COUNT(*) FROM fee_data_points;`

	insertSnapshotSQL = `INSERT INTO fee_snapshots (
        base_fee,
        min_fee,
        max_fee,
        avg_fee,
        sample_count,
        latest_ledger,
        congestion,
        trend,
        captured_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	snapshotColumns = `id, base_fee, min_fee, max_fee, avg_fee, sample_count, latest_ledger, congestion, trend, captured_at`

	listRecentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM fee_snapshots
    ORDER BY id DESC
    LIMIT $1;`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM fee_snapshots
    WHERE captured_at >= $1
      AND captured_at < $2
    ORDER BY captured_at, id;`

	insertAlertSQL = `INSERT INTO congestion_alerts (
        kind,
        state,
        detail,
        avg_fee,
        threshold,
        channels,
        captured_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        kind,
        state,
        detail,
        avg_fee,
        threshold,
        channels,
        captured_at,
        created_at
    FROM congestion_alerts
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// FeePointStore persists raw fee samples. Records are append only.
type FeePointStore interface {
	AppendFeePoints(ctx context.Context, points []provider.FeeDataPoint) error
	// ListRecentFeePoints returns up to limit of the newest points, oldest first.
	ListRecentFeePoints(ctx context.Context, limit int) ([]provider.FeeDataPoint, error)
	// ListFeePointsSince returns points stamped at or after since, in arrival order.
	ListFeePointsSince(ctx context.Context, since time.Time) ([]provider.FeeDataPoint, error)
	CountFeePoints(ctx context.Context) (int64, error)
}

// SnapshotStore persists computed snapshots. Records are append only.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap SnapshotRecord) error
	LatestSnapshot(ctx context.Context) (SnapshotRecord, bool, error)
	// ListRecentSnapshots returns up to limit snapshots, newest first.
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
	// ListSnapshotsBetween returns snapshots captured in [from, to), oldest first.
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is a complete persistence backend.
type Backend interface {
	FeePointStore
	SnapshotStore
	AlertStore
	Close()
}

// PostgresStore aggregates access to the fee tables in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AppendFeePoints inserts points in a single batch.
func (s *PostgresStore) AppendFeePoints(ctx context.Context, points []provider.FeeDataPoint) error {
	if len(points) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		fee, err := toBigint(p.FeeAmount)
		if err != nil {
			return fmt.Errorf("fee_amount of %s: %w", p.TransactionHash, err)
		}
		ledger, err := toBigint(p.LedgerSequence)
		if err != nil {
			return fmt.Errorf("ledger_sequence of %s: %w", p.TransactionHash, err)
		}
		batch.Queue(insertFeePointSQL, fee, p.Timestamp.UTC(), p.TransactionHash, ledger)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range points {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert fee point: %w", err)
		}
	}
	return nil
}

// ListRecentFeePoints lists the newest points, returned oldest first.
func (s *PostgresStore) ListRecentFeePoints(ctx context.Context, limit int) ([]provider.FeeDataPoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentFeePointsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent fee points: %w", queryErr)
	}
	points, err := collectFeePoints(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(points)
	return points, nil
}

// ListFeePointsSince lists points stamped at or after since.
func (s *PostgresStore) ListFeePointsSince(ctx context.Context, since time.Time) ([]provider.FeeDataPoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFeePointsSinceSQL, since.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list fee points since: %w", queryErr)
	}
	return collectFeePoints(rows)
}

// CountFeePoints counts stored points.
func (s *PostgresStore) CountFeePoints(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countFeePointsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count fee points: %w", scanErr)
	}
	return count, nil
}

// AppendSnapshot persists a snapshot.
func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap SnapshotRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	ledger, err := toBigint(snap.LatestLedger)
	if err != nil {
		return fmt.Errorf("latest_ledger: %w", err)
	}

	_, execErr := pool.Exec(ctx, insertSnapshotSQL,
		snap.BaseFee.String(),
		snap.MinFee.String(),
		snap.MaxFee.String(),
		snap.AvgFee.String(),
		snap.SampleCount,
		ledger,
		snap.Congestion,
		snap.Trend,
		snap.CapturedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("insert snapshot: %w", execErr)
	}
	return nil
}

// LatestSnapshot returns the most recently appended snapshot.
func (s *PostgresStore) LatestSnapshot(ctx context.Context) (SnapshotRecord, bool, error) {
	snaps, err := s.ListRecentSnapshots(ctx, 1)
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	if len(snaps) == 0 {
		return SnapshotRecord{}, false, nil
	}
	return snaps[0], true, nil
}

// ListRecentSnapshots lists the newest snapshots first.
func (s *PostgresStore) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	return collectSnapshots(rows, limit)
}

// ListSnapshotsBetween lists snapshots within a time window.
func (s *PostgresStore) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	return collectSnapshots(rows, 0)
}

// InsertAlert persists an alert emission.
func (s *PostgresStore) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Kind,
		alert.State,
		alert.Detail,
		alert.AvgFee.String(),
		alert.Threshold.String(),
		alert.Channels,
		alert.CapturedAt.UTC(),
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var avgStr, thresholdStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.State,
			&rec.Detail,
			&avgStr,
			&thresholdStr,
			&rec.Channels,
			&rec.CapturedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.AvgFee, convErr = decimal.NewFromString(avgStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse avg fee: %w", convErr)
		}
		rec.Threshold, convErr = decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func collectFeePoints(rows pgx.Rows) ([]provider.FeeDataPoint, error) {
	defer rows.Close()

	points := make([]provider.FeeDataPoint, 0)
	for rows.Next() {
		var (
			fee    int64
			ts     time.Time
			hash   string
			ledger int64
		)
		if err := rows.Scan(&fee, &ts, &hash, &ledger); err != nil {
			return nil, err
		}
		points = append(points, provider.FeeDataPoint{
			FeeAmount:       uint64(fee),
			Timestamp:       ts.UTC(),
			TransactionHash: hash,
			LedgerSequence:  uint64(ledger),
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]SnapshotRecord, error) {
	defer rows.Close()

	snaps := make([]SnapshotRecord, 0, capacity)
	for rows.Next() {
		var (
			rec                          SnapshotRecord
			baseStr, minStr, maxStr, avg string
			ledger                       int64
		)
		if err := rows.Scan(
			&rec.ID,
			&baseStr,
			&minStr,
			&maxStr,
			&avg,
			&rec.SampleCount,
			&ledger,
			&rec.Congestion,
			&rec.Trend,
			&rec.CapturedAt,
		); err != nil {
			return nil, err
		}
		if err := parseSnapshotDecimals(&rec, baseStr, minStr, maxStr, avg); err != nil {
			return nil, err
		}
		rec.LatestLedger = uint64(ledger)
		rec.CapturedAt = rec.CapturedAt.UTC()
		snaps = append(snaps, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func parseSnapshotDecimals(rec *SnapshotRecord, base, minFee, maxFee, avg string) error {
	var err error
	if rec.BaseFee, err = decimal.NewFromString(base); err != nil {
		return fmt.Errorf("parse base fee: %w", err)
	}
	if rec.MinFee, err = decimal.NewFromString(minFee); err != nil {
		return fmt.Errorf("parse min fee: %w", err)
	}
	if rec.MaxFee, err = decimal.NewFromString(maxFee); err != nil {
		return fmt.Errorf("parse max fee: %w", err)
	}
	if rec.AvgFee, err = decimal.NewFromString(avg); err != nil {
		return fmt.Errorf("parse avg fee: %w", err)
	}
	return nil
}

func toBigint(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, ErrValueOverflow
	}
	return int64(v), nil
}

var (
	_ Backend        = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
