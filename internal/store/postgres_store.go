package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CedrosPay/server/internal/cacheutil"
	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/lib/pq"
)

// merchantCacheTTL bounds how stale a cached Merchant (webhook URL/secret,
// required confirmations) may be before GetMerchant re-reads the database.
const merchantCacheTTL = 30 * time.Second

// PostgresStore implements Store using PostgreSQL, following the teacher's
// optimistic compare-and-set idiom (UPDATE ... WHERE state = $from, then
// check RowsAffected) for the one write path that matters here:
// TryTransition on PaymentIntent.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool

	intentsTableName    string
	txRecordsTableName  string
	cursorTableName     string
	merchantsTableName  string
	deliveriesTableName string

	metrics *metrics.Metrics // Optional: Prometheus metrics collector

	merchantCacheMu sync.RWMutex
	merchantCache   map[string]cacheutil.CachedValue[Merchant]
}

// WithMetrics attaches a metrics collector used to time query durations.
// Follows the teacher's fluent-setter shape so construction can stay
// two-step (open, then instrument) without a third constructor.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

// NewPostgresStore opens a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := newPostgresStore(db, true)
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB builds a PostgresStore over an already-open shared
// pool (e.g. internal/dbpool.SharedPool), so the store does not own the
// connection's lifecycle.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := newPostgresStore(db, false)
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db *sql.DB, ownsDB bool) *PostgresStore {
	return &PostgresStore{
		db:                  db,
		ownsDB:              ownsDB,
		intentsTableName:    "payment_intents",
		txRecordsTableName:  "tx_records",
		cursorTableName:     "monitor_cursor",
		merchantsTableName:  "merchants",
		deliveriesTableName: "webhook_deliveries",
		merchantCache:       make(map[string]cacheutil.CachedValue[Merchant]),
	}
}

func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'ZEC',
			resource TEXT,
			pay_to_address TEXT NOT NULL,
			scheme TEXT NOT NULL,
			network TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			state TEXT NOT NULL,
			observed_txid TEXT NOT NULL DEFAULT '',
			observed_from TEXT NOT NULL DEFAULT '',
			observed_at TIMESTAMP,
			confirmations INTEGER NOT NULL DEFAULT 0,
			settled_at TIMESTAMP,
			refunded_at TIMESTAMP,
			refund_amount BIGINT NOT NULL DEFAULT 0,
			refund_reason TEXT,
			required_confirmations INTEGER NOT NULL DEFAULT 6
		);

		CREATE TABLE IF NOT EXISTS %s (
			txid TEXT PRIMARY KEY,
			payment_intent_id TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			block_height BIGINT,
			confirmations INTEGER NOT NULL DEFAULT 0,
			first_seen_at TIMESTAMP NOT NULL,
			last_checked_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY DEFAULT 1,
			last_scanned_height BIGINT NOT NULL DEFAULT 0,
			last_scanned_at TIMESTAMP,
			CONSTRAINT singleton CHECK (id = 1)
		);

		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			required_confirmations INTEGER NOT NULL DEFAULT 6,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			payment_intent_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			target_url TEXT NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_http_code INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			next_attempt_at TIMESTAMP NOT NULL,
			last_attempt_at TIMESTAMP,
			delivered_at TIMESTAMP,
			UNIQUE (payment_intent_id, event_type)
		);

		CREATE INDEX IF NOT EXISTS idx_payment_intents_merchant_created ON %s(merchant_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_payment_intents_state ON %s(state);
		CREATE INDEX IF NOT EXISTS idx_tx_records_block_height ON %s(block_height);
		CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON %s(state, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_merchant ON %s(merchant_id, created_at);
	`,
		s.intentsTableName,
		s.txRecordsTableName,
		s.cursorTableName,
		s.merchantsTableName,
		s.deliveriesTableName,
		s.intentsTableName, s.intentsTableName,
		s.txRecordsTableName,
		s.deliveriesTableName, s.deliveriesTableName,
	)

	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func marshalMetadata(md map[string]string) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(md)
}

func unmarshalMetadata(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var md map[string]string
	_ = json.Unmarshal(raw, &md)
	return md
}

func (s *PostgresStore) CreateIntent(ctx context.Context, intent PaymentIntent) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_intent", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if intent.State == "" {
		intent.State = StateCreated
	}
	if intent.Currency == "" {
		intent.Currency = "ZEC"
	}
	metadata, err := marshalMetadata(intent.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, merchant_id, amount, currency, resource, pay_to_address, scheme, network,
			metadata, created_at, expires_at, state, required_confirmations
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, s.intentsTableName)

	_, err = s.db.ExecContext(ctx, query,
		intent.ID, intent.MerchantID, intent.Amount, intent.Currency, intent.Resource,
		intent.PayToAddress, string(intent.Scheme), string(intent.Network),
		metadata, intent.CreatedAt, intent.ExpiresAt, string(intent.State), intent.RequiredConfirmations,
	)
	if err != nil {
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanIntent(row rowScanner) (PaymentIntent, error) {
	var intent PaymentIntent
	var scheme, network, state string
	var metadata []byte
	var observedAt, settledAt, refundedAt sql.NullTime

	err := row.Scan(
		&intent.ID, &intent.MerchantID, &intent.Amount, &intent.Currency, &intent.Resource,
		&intent.PayToAddress, &scheme, &network, &metadata, &intent.CreatedAt, &intent.ExpiresAt,
		&state, &intent.ObservedTxid, &intent.ObservedFrom, &observedAt, &intent.Confirmations,
		&settledAt, &refundedAt, &intent.RefundAmount, &intent.RefundReason, &intent.RequiredConfirmations,
	)
	if err == sql.ErrNoRows {
		return PaymentIntent{}, ErrNotFound
	}
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("scan payment intent: %w", err)
	}

	intent.Scheme = Scheme(scheme)
	intent.Network = Network(network)
	intent.State = IntentState(state)
	intent.Metadata = unmarshalMetadata(metadata)
	if observedAt.Valid {
		intent.ObservedAt = &observedAt.Time
	}
	if settledAt.Valid {
		intent.SettledAt = &settledAt.Time
	}
	if refundedAt.Valid {
		intent.RefundedAt = &refundedAt.Time
	}
	return intent, nil
}

// rowScanner abstracts over *sql.Row and *sql.Rows for scanIntent reuse.
type rowScanner interface {
	Scan(dest ...any) error
}

const intentColumns = `
	id, merchant_id, amount, currency, resource, pay_to_address, scheme, network,
	metadata, created_at, expires_at, state, observed_txid, observed_from, observed_at,
	confirmations, settled_at, refunded_at, refund_amount, refund_reason, required_confirmations
`

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (PaymentIntent, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_intent", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, intentColumns, s.intentsTableName)
	row := s.db.QueryRowContext(ctx, query, id)
	return s.scanIntent(row)
}

func (s *PostgresStore) ListIntents(ctx context.Context, filter IntentFilter) ([]PaymentIntent, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_intents", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var conds []string
	var args []any
	argN := 1

	if filter.MerchantID != "" {
		conds = append(conds, fmt.Sprintf("merchant_id = $%d", argN))
		args = append(args, filter.MerchantID)
		argN++
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", argN))
		args = append(args, pq.Array(states))
		argN++
	}
	if !filter.CreatedAfter.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, filter.CreatedAfter)
		argN++
	}
	if !filter.CreatedBefore.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at <= $%d", argN))
		args = append(args, filter.CreatedBefore)
		argN++
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at ASC LIMIT %d OFFSET %d`,
		intentColumns, s.intentsTableName, where, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payment intents: %w", err)
	}
	defer rows.Close()

	var out []PaymentIntent
	for rows.Next() {
		intent, err := s.scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenIntents(ctx context.Context) ([]PaymentIntent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE state = ANY($1) AND expires_at > NOW()
	`, intentColumns, s.intentsTableName)

	open := pq.Array([]string{string(StateCreated), string(StateAwaitingConfirmation), string(StateVerified)})
	rows, err := s.db.QueryContext(ctx, query, open)
	if err != nil {
		return nil, fmt.Errorf("open intents: %w", err)
	}
	defer rows.Close()

	var out []PaymentIntent
	for rows.Next() {
		intent, err := s.scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpiredIntents(ctx context.Context, asOf time.Time) ([]PaymentIntent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE state = ANY($1) AND expires_at < $2 AND observed_txid = ''
	`, intentColumns, s.intentsTableName)

	pending := pq.Array([]string{string(StateCreated), string(StateAwaitingConfirmation)})
	rows, err := s.db.QueryContext(ctx, query, pending, asOf)
	if err != nil {
		return nil, fmt.Errorf("expired intents: %w", err)
	}
	defer rows.Close()

	var out []PaymentIntent
	for rows.Next() {
		intent, err := s.scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountIntentsByState(ctx context.Context, merchantID string, since time.Time) ([]IntentCounts, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT state, COUNT(*), COALESCE(SUM(amount), 0)
		FROM %s
		WHERE ($1 = '' OR merchant_id = $1) AND created_at >= $2
		GROUP BY state
	`, s.intentsTableName)

	rows, err := s.db.QueryContext(ctx, query, merchantID, since)
	if err != nil {
		return nil, fmt.Errorf("count intents by state: %w", err)
	}
	defer rows.Close()

	var out []IntentCounts
	for rows.Next() {
		var c IntentCounts
		var state string
		if err := rows.Scan(&state, &c.Count, &c.Sum); err != nil {
			return nil, err
		}
		c.State = IntentState(state)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TryTransition implements the compare-and-set transition, enqueuing the
// corresponding WebhookDelivery in the same transaction so both commit or
// neither does (§5, crash-during-settle scenario of §8).
func (s *PostgresStore) TryTransition(ctx context.Context, id string, from, to IntentState, patch IntentPatch) error {
	defer metrics.MeasureDBQuery(s.metrics, "try_transition", "postgres")()
	if !IsValidTransition(from, to) {
		return ErrInvalidTransition
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sets []string
	var args []any
	argN := 1

	sets = append(sets, fmt.Sprintf("state = $%d", argN))
	args = append(args, string(to))
	argN++

	if patch.ClearObserved {
		sets = append(sets, "observed_txid = ''", "observed_from = ''", "confirmations = 0", "settled_at = NULL")
	}
	if patch.ObservedTxid != nil {
		sets = append(sets, fmt.Sprintf("observed_txid = $%d", argN))
		args = append(args, *patch.ObservedTxid)
		argN++
	}
	if patch.ObservedFrom != nil {
		sets = append(sets, fmt.Sprintf("observed_from = $%d", argN))
		args = append(args, *patch.ObservedFrom)
		argN++
	}
	if patch.ObservedAt != nil {
		sets = append(sets, fmt.Sprintf("observed_at = $%d", argN))
		args = append(args, *patch.ObservedAt)
		argN++
	}
	if patch.Confirmations != nil {
		sets = append(sets, fmt.Sprintf("confirmations = $%d", argN))
		args = append(args, *patch.Confirmations)
		argN++
	}
	if patch.SettledAt != nil {
		sets = append(sets, fmt.Sprintf("settled_at = $%d", argN))
		args = append(args, *patch.SettledAt)
		argN++
	}

	args = append(args, id, string(from))
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d AND state = $%d`,
		s.intentsTableName, strings.Join(sets, ", "), argN, argN+1)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rows == 0 {
		// Either the intent doesn't exist, or its state has already moved.
		// A prior successful application of this exact transition is a
		// no-op success; anything else is a genuine conflict.
		var current string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT state FROM %s WHERE id = $1`, s.intentsTableName), id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check current state: %w", err)
		}
		if current == string(to) {
			return nil
		}
		if IntentState(current).IsTerminal() {
			return ErrAlreadyTerminal
		}
		return ErrInvalidTransition
	}

	if eventType, ok := webhookEventForTransition(from, to); ok {
		merchantID, payToAddress, err := s.lookupMerchantAndAmount(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.enqueueDeliveryTx(ctx, tx, id, merchantID, eventType, payToAddress); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// lookupMerchantAndAmount is a small helper used only to fetch the
// merchant id needed to enqueue a delivery row inside the same transaction.
func (s *PostgresStore) lookupMerchantAndAmount(ctx context.Context, tx *sql.Tx, intentID string) (merchantID string, payload []byte, err error) {
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT merchant_id FROM %s WHERE id = $1`, s.intentsTableName), intentID).Scan(&merchantID)
	if err != nil {
		return "", nil, fmt.Errorf("lookup merchant for delivery: %w", err)
	}
	payload, _ = json.Marshal(map[string]string{"paymentIntentId": intentID})
	return merchantID, payload, nil
}

// enqueueDeliveryTx inserts a pending WebhookDelivery keyed by
// (payment_intent_id, event_type), relying on the table's UNIQUE constraint
// plus ON CONFLICT DO NOTHING to make double enqueue a no-op (§8).
func (s *PostgresStore) enqueueDeliveryTx(ctx context.Context, tx *sql.Tx, intentID, merchantID string, eventType WebhookEventType, payload []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, merchant_id, payment_intent_id, event_type, payload, target_url,
			state, attempts, max_attempts, created_at, next_attempt_at
		) VALUES ($1,$2,$3,$4,$5,'',$6,0,5,NOW(),NOW())
		ON CONFLICT (payment_intent_id, event_type) DO NOTHING
	`, s.deliveriesTableName)

	_, err := tx.ExecContext(ctx, query, generateID("whd"), merchantID, intentID, string(eventType), payload, string(DeliveryPending))
	if err != nil {
		return fmt.Errorf("enqueue webhook delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) Refund(ctx context.Context, id string, amount int64, reason string) (PaymentIntent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, intentColumns, s.intentsTableName), id)
	intent, err := s.scanIntent(row)
	if err != nil {
		return PaymentIntent{}, err
	}
	if intent.State != StateSettled {
		return PaymentIntent{}, fmt.Errorf("store: refund requires state Settled, got %s", intent.State)
	}
	if amount > intent.Amount {
		return PaymentIntent{}, ErrRefundExceedsAmount
	}

	query := fmt.Sprintf(`
		UPDATE %s SET state = $1, refund_amount = $2, refund_reason = $3, refunded_at = NOW()
		WHERE id = $4 AND state = $5
	`, s.intentsTableName)
	result, err := tx.ExecContext(ctx, query, string(StateRefunded), amount, reason, id, string(StateSettled))
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("update payment intent for refund: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil || rows == 0 {
		return PaymentIntent{}, ErrInvalidTransition
	}

	payload, _ := json.Marshal(map[string]any{"paymentIntentId": id, "refundAmount": amount, "reason": reason})
	if err := s.enqueueDeliveryTx(ctx, tx, id, intent.MerchantID, EventPaymentRefunded, payload); err != nil {
		return PaymentIntent{}, err
	}

	if err := tx.Commit(); err != nil {
		return PaymentIntent{}, fmt.Errorf("commit refund: %w", err)
	}

	intent.State = StateRefunded
	intent.RefundAmount = amount
	intent.RefundReason = reason
	return intent, nil
}

func (s *PostgresStore) UpsertTxRecord(ctx context.Context, txr TxRecord) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (
			txid, payment_intent_id, amount, from_address, to_address, block_height,
			confirmations, first_seen_at, last_checked_at, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (txid) DO UPDATE SET
			-- payment_intent_id is immutable once set to a non-empty value
			payment_intent_id = CASE WHEN %s.payment_intent_id = '' THEN EXCLUDED.payment_intent_id ELSE %s.payment_intent_id END,
			block_height = EXCLUDED.block_height,
			confirmations = EXCLUDED.confirmations,
			last_checked_at = EXCLUDED.last_checked_at,
			status = EXCLUDED.status
	`, s.txRecordsTableName, s.txRecordsTableName, s.txRecordsTableName)

	if txr.FirstSeenAt.IsZero() {
		txr.FirstSeenAt = time.Now()
	}
	if txr.LastCheckedAt.IsZero() {
		txr.LastCheckedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		txr.Txid, txr.PaymentIntentID, txr.Amount, txr.From, txr.To, txr.BlockHeight,
		txr.Confirmations, txr.FirstSeenAt, txr.LastCheckedAt, string(txr.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert tx record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTxRecord(ctx context.Context, txid string) (TxRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT txid, payment_intent_id, amount, from_address, to_address, block_height,
			confirmations, first_seen_at, last_checked_at, status
		FROM %s WHERE txid = $1
	`, s.txRecordsTableName)

	var txr TxRecord
	var status string
	err := s.db.QueryRowContext(ctx, query, txid).Scan(
		&txr.Txid, &txr.PaymentIntentID, &txr.Amount, &txr.From, &txr.To, &txr.BlockHeight,
		&txr.Confirmations, &txr.FirstSeenAt, &txr.LastCheckedAt, &status,
	)
	if err == sql.ErrNoRows {
		return TxRecord{}, ErrNotFound
	}
	if err != nil {
		return TxRecord{}, fmt.Errorf("get tx record: %w", err)
	}
	txr.Status = TxStatus(status)
	return txr, nil
}

func (s *PostgresStore) TxRecordsSince(ctx context.Context, minBlockHeight int64) ([]TxRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT txid, payment_intent_id, amount, from_address, to_address, block_height,
			confirmations, first_seen_at, last_checked_at, status
		FROM %s WHERE block_height >= $1
	`, s.txRecordsTableName)

	rows, err := s.db.QueryContext(ctx, query, minBlockHeight)
	if err != nil {
		return nil, fmt.Errorf("tx records since: %w", err)
	}
	defer rows.Close()

	var out []TxRecord
	for rows.Next() {
		var txr TxRecord
		var status string
		if err := rows.Scan(&txr.Txid, &txr.PaymentIntentID, &txr.Amount, &txr.From, &txr.To,
			&txr.BlockHeight, &txr.Confirmations, &txr.FirstSeenAt, &txr.LastCheckedAt, &status); err != nil {
			return nil, err
		}
		txr.Status = TxStatus(status)
		out = append(out, txr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsTxidBound(ctx context.Context, txid, excludeIntentID string) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var boundID string
	query := fmt.Sprintf(`SELECT payment_intent_id FROM %s WHERE txid = $1`, s.txRecordsTableName)
	err := s.db.QueryRowContext(ctx, query, txid).Scan(&boundID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check txid bound: %w", err)
	}
	return boundID != "" && boundID != excludeIntentID, nil
}

func (s *PostgresStore) GetCursor(ctx context.Context) (MonitorCursor, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var cursor MonitorCursor
	var lastScannedAt sql.NullTime
	query := fmt.Sprintf(`SELECT last_scanned_height, last_scanned_at FROM %s WHERE id = 1`, s.cursorTableName)
	err := s.db.QueryRowContext(ctx, query).Scan(&cursor.LastScannedHeight, &lastScannedAt)
	if err == sql.ErrNoRows {
		return MonitorCursor{}, nil
	}
	if err != nil {
		return MonitorCursor{}, fmt.Errorf("get cursor: %w", err)
	}
	if lastScannedAt.Valid {
		cursor.LastScannedAt = lastScannedAt.Time
	}
	return cursor, nil
}

func (s *PostgresStore) SaveCursor(ctx context.Context, cursor MonitorCursor) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, last_scanned_height, last_scanned_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET last_scanned_height = EXCLUDED.last_scanned_height, last_scanned_at = EXCLUDED.last_scanned_at
	`, s.cursorTableName)

	_, err := s.db.ExecContext(ctx, query, cursor.LastScannedHeight, cursor.LastScannedAt)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// GetMerchant is read-through cached: merchant rows (webhook URL/secret,
// required confirmations) are looked up on nearly every intent authorize
// and delivery enqueue, and change far less often than they're read.
func (s *PostgresStore) GetMerchant(ctx context.Context, id string) (Merchant, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_merchant", "postgres")()

	return cacheutil.ReadThrough(
		&s.merchantCacheMu,
		func(now time.Time) (Merchant, bool) {
			entry, ok := s.merchantCache[id]
			if !ok || now.Sub(entry.FetchedAt) >= merchantCacheTTL {
				return Merchant{}, false
			}
			return entry.Value, true
		},
		func(now time.Time) (Merchant, error) {
			m, err := s.queryMerchant(ctx, id)
			if err != nil {
				return Merchant{}, err
			}
			s.merchantCache[id] = cacheutil.CachedValue[Merchant]{Value: m, FetchedAt: now}
			return m, nil
		},
	)
}

func (s *PostgresStore) queryMerchant(ctx context.Context, id string) (Merchant, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var m Merchant
	query := fmt.Sprintf(`
		SELECT id, name, webhook_url, webhook_secret, required_confirmations, created_at
		FROM %s WHERE id = $1
	`, s.merchantsTableName)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Name, &m.WebhookURL, &m.WebhookSecret, &m.RequiredConfirmations, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return Merchant{}, ErrNotFound
	}
	if err != nil {
		return Merchant{}, fmt.Errorf("get merchant: %w", err)
	}
	return m, nil
}

// UpsertMerchant writes through to postgres and then invalidates the
// GetMerchant cache entry so the next read reflects the new row instead of
// serving a stale webhook URL/secret for up to merchantCacheTTL.
func (s *PostgresStore) UpsertMerchant(ctx context.Context, m Merchant) error {
	defer metrics.MeasureDBQuery(s.metrics, "upsert_merchant", "postgres")()

	return cacheutil.WriteThrough(
		func() {
			s.merchantCacheMu.Lock()
			delete(s.merchantCache, m.ID)
			s.merchantCacheMu.Unlock()
		},
		func() error {
			ctx, cancel := withQueryTimeout(ctx)
			defer cancel()

			if m.CreatedAt.IsZero() {
				m.CreatedAt = time.Now()
			}
			query := fmt.Sprintf(`
				INSERT INTO %s (id, name, webhook_url, webhook_secret, required_confirmations, created_at)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name, webhook_url = EXCLUDED.webhook_url,
					webhook_secret = EXCLUDED.webhook_secret, required_confirmations = EXCLUDED.required_confirmations
			`, s.merchantsTableName)

			_, err := s.db.ExecContext(ctx, query, m.ID, m.Name, m.WebhookURL, m.WebhookSecret, m.RequiredConfirmations, m.CreatedAt)
			if err != nil {
				return fmt.Errorf("upsert merchant: %w", err)
			}
			return nil
		},
	)
}

func (s *PostgresStore) EnqueueDelivery(ctx context.Context, d WebhookDelivery) error {
	defer metrics.MeasureDBQuery(s.metrics, "enqueue_delivery", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if d.ID == "" {
		d.ID = generateID("whd")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = time.Now()
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 5
	}
	if d.State == "" {
		d.State = DeliveryPending
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, merchant_id, payment_intent_id, event_type, payload, target_url,
			state, attempts, max_attempts, created_at, next_attempt_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (payment_intent_id, event_type) DO NOTHING
	`, s.deliveriesTableName)

	_, err := s.db.ExecContext(ctx, query, d.ID, d.MerchantID, d.PaymentIntentID, string(d.EventType),
		d.Payload, d.TargetURL, string(d.State), d.Attempts, d.MaxAttempts, d.CreatedAt, d.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

const deliveryColumns = `
	id, merchant_id, payment_intent_id, event_type, payload, target_url, state,
	attempts, max_attempts, last_http_code, last_error, created_at, next_attempt_at,
	last_attempt_at, delivered_at
`

func (s *PostgresStore) scanDelivery(row rowScanner) (WebhookDelivery, error) {
	var d WebhookDelivery
	var eventType, state string
	var lastAttemptAt, deliveredAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&d.ID, &d.MerchantID, &d.PaymentIntentID, &eventType, &d.Payload, &d.TargetURL, &state,
		&d.Attempts, &d.MaxAttempts, &d.LastHTTPCode, &lastError, &d.CreatedAt, &d.NextAttemptAt,
		&lastAttemptAt, &deliveredAt,
	)
	if err == sql.ErrNoRows {
		return WebhookDelivery{}, ErrNotFound
	}
	if err != nil {
		return WebhookDelivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	d.EventType = WebhookEventType(eventType)
	d.State = WebhookDeliveryState(state)
	d.LastError = lastError.String
	if lastAttemptAt.Valid {
		d.LastAttemptAt = &lastAttemptAt.Time
	}
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.Time
	}
	return d, nil
}

func (s *PostgresStore) DueDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	defer metrics.MeasureDBQuery(s.metrics, "due_deliveries", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE state = ANY($1) AND next_attempt_at <= NOW()
		ORDER BY created_at ASC LIMIT %d
	`, deliveryColumns, s.deliveriesTableName, limit)

	due := pq.Array([]string{string(DeliveryPending), string(DeliveryRetrying)})
	rows, err := s.db.QueryContext(ctx, query, due)
	if err != nil {
		return nil, fmt.Errorf("due deliveries: %w", err)
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (WebhookDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, deliveryColumns, s.deliveriesTableName)
	row := s.db.QueryRowContext(ctx, query, id)
	return s.scanDelivery(row)
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, filter WebhookFilter) ([]WebhookDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var conds []string
	var args []any
	argN := 1

	if filter.MerchantID != "" {
		conds = append(conds, fmt.Sprintf("merchant_id = $%d", argN))
		args = append(args, filter.MerchantID)
		argN++
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", argN))
		args = append(args, pq.Array(states))
		argN++
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at ASC LIMIT %d OFFSET %d`,
		deliveryColumns, s.deliveriesTableName, where, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDeliverySent(ctx context.Context, id string, httpCode int) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET state = $1, attempts = attempts + 1, last_http_code = $2,
			last_attempt_at = NOW(), delivered_at = NOW()
		WHERE id = $3
	`, s.deliveriesTableName)
	result, err := s.db.ExecContext(ctx, query, string(DeliverySent), httpCode, id)
	if err != nil {
		return fmt.Errorf("mark delivery sent: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *PostgresStore) MarkDeliveryRetrying(ctx context.Context, id string, httpCode int, errMsg string, nextAttemptAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET state = $1, attempts = attempts + 1, last_http_code = $2,
			last_error = $3, last_attempt_at = NOW(), next_attempt_at = $4
		WHERE id = $5
	`, s.deliveriesTableName)
	result, err := s.db.ExecContext(ctx, query, string(DeliveryRetrying), httpCode, errMsg, nextAttemptAt, id)
	if err != nil {
		return fmt.Errorf("mark delivery retrying: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, id string, httpCode int, errMsg string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET state = $1, attempts = attempts + 1, last_http_code = $2,
			last_error = $3, last_attempt_at = NOW()
		WHERE id = $4
	`, s.deliveriesTableName)
	result, err := s.db.ExecContext(ctx, query, string(DeliveryFailed), httpCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *PostgresStore) RetryDelivery(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET state = $1, attempts = attempts + 1, next_attempt_at = NOW()
		WHERE id = $2
	`, s.deliveriesTableName)
	result, err := s.db.ExecContext(ctx, query, string(DeliveryRetrying), id)
	if err != nil {
		return fmt.Errorf("retry delivery: %w", err)
	}
	return checkRowsAffected(result)
}

func checkRowsAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
