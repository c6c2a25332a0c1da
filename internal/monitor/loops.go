package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/store"
)

// Monitor runs the block-scan and mempool-scan driver loops described in
// §4.2: it matches on-chain Zcash transactions to open PaymentIntents,
// advances their confirmation counts, and reverts intents whose observed
// transaction disappears in a reorg.
type Monitor struct {
	cfg   config.MonitorConfig
	store store.Store
	rpc   *RPCClient

	defaultRequiredConfirmations int

	events chan Event

	stopCh chan struct{}
	wg     sync.WaitGroup

	boundMu sync.Mutex // serializes first-match binding against concurrent ScanPaymentIntent calls
}

// New constructs a Monitor. defaultRequiredConfirmations is used for any
// intent whose RequiredConfirmations field is unset (zero); per-merchant
// overrides live on the PaymentIntent itself.
func New(cfg config.MonitorConfig, st store.Store, rpc *RPCClient, defaultRequiredConfirmations int) *Monitor {
	return &Monitor{
		cfg:                          cfg,
		store:                        st,
		rpc:                          rpc,
		defaultRequiredConfirmations: defaultRequiredConfirmations,
		events:                       make(chan Event, 256),
		stopCh:                       make(chan struct{}),
	}
}

// Start launches the block-scan and mempool-scan loops. It recovers the
// monitor cursor before the first tick and blocks until both loops exit
// (on ctx cancellation or Stop).
func (m *Monitor) Start(ctx context.Context) {
	if err := m.recoverCursor(ctx); err != nil {
		log.Error().Err(err).Msg("monitor.cursor_recovery_failed")
	}

	log.Info().
		Dur("block_scan_interval", m.cfg.BlockScanInterval.Duration).
		Dur("mempool_scan_interval", m.cfg.MempoolScanInterval.Duration).
		Int("reorg_check_depth", m.cfg.ReorgCheckDepth).
		Msg("monitor.started")

	m.wg.Add(2)
	go m.blockScanLoop(ctx)
	go m.mempoolScanLoop(ctx)
}

// Stop signals both loops to exit and waits for them to return.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("monitor.stopped")
}

func (m *Monitor) blockScanLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.BlockScanInterval.Duration)
	defer ticker.Stop()

	m.scanBlocks(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scanBlocks(ctx)
		}
	}
}

func (m *Monitor) mempoolScanLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MempoolScanInterval.Duration)
	defer ticker.Stop()

	m.scanMempool(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scanMempool(ctx)
		}
	}
}

// recoverCursor restores the monitor cursor on start: the persisted
// cursor if one exists, else the highest confirmed TxRecord's block
// height, else the node's current tip (§4.1 MonitorCursor).
func (m *Monitor) recoverCursor(ctx context.Context) error {
	existing, err := m.store.GetCursor(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing.LastScannedHeight > 0 {
		return nil
	}

	var height int64
	records, err := m.store.TxRecordsSince(ctx, 0)
	if err == nil {
		for _, r := range records {
			if r.Status == store.TxStatusConfirmed && r.BlockHeight != nil && *r.BlockHeight > height {
				height = *r.BlockHeight
			}
		}
	}
	if height == 0 {
		if tip, err := m.rpc.GetBlockCount(ctx); err == nil {
			height = tip
		}
	}

	return m.store.SaveCursor(ctx, store.MonitorCursor{LastScannedHeight: height, LastScannedAt: time.Now()})
}

// scanBlocks is the block-scan driver loop body: it refreshes every open
// intent with a bound observed transaction, re-verifies recent tx records
// for reorgs, and advances the cursor to the current tip.
func (m *Monitor) scanBlocks(ctx context.Context) {
	tip, err := m.rpc.GetBlockCount(ctx)
	if err != nil {
		m.publish(Event{Type: EventError, Err: err})
		log.Warn().Err(err).Msg("monitor.block_scan.get_tip_failed")
		return
	}

	open, err := m.store.OpenIntents(ctx)
	if err != nil {
		m.publish(Event{Type: EventError, Err: err})
		log.Error().Err(err).Msg("monitor.block_scan.open_intents_failed")
		return
	}

	for _, intent := range open {
		if intent.ObservedTxid == "" {
			continue
		}
		m.refreshBoundIntent(ctx, intent)
	}

	m.detectReorgs(ctx, tip)

	cursor, err := m.store.GetCursor(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Msg("monitor.block_scan.get_cursor_failed")
		return
	}
	if tip > cursor.LastScannedHeight {
		if err := m.store.SaveCursor(ctx, store.MonitorCursor{LastScannedHeight: tip, LastScannedAt: time.Now()}); err != nil {
			log.Error().Err(err).Msg("monitor.block_scan.save_cursor_failed")
		}
	}
}

// detectReorgs re-verifies TxRecords within ReorgCheckDepth blocks of the
// tip. A record whose transaction can no longer be found, or whose
// reported block height no longer matches what is stored, is a reorg:
// the record is marked lost and its intent reverts to Created.
func (m *Monitor) detectReorgs(ctx context.Context, tip int64) {
	threshold := tip - int64(m.cfg.ReorgCheckDepth)
	if threshold < 0 {
		threshold = 0
	}

	records, err := m.store.TxRecordsSince(ctx, threshold)
	if err != nil {
		log.Error().Err(err).Msg("monitor.reorg.list_records_failed")
		return
	}

	reorged := false
	for _, rec := range records {
		if rec.Status == store.TxStatusLost || rec.BlockHeight == nil {
			continue
		}

		tx, err := m.rpc.GetRawTransaction(ctx, rec.Txid)
		if err != nil {
			if isNotFoundErr(err) {
				m.handleLostTx(ctx, rec)
				reorged = true
			}
			continue
		}
		if tx.BlockHeight != nil && *tx.BlockHeight != *rec.BlockHeight {
			m.handleLostTx(ctx, rec)
			reorged = true
		}
	}

	if reorged {
		m.publish(Event{Type: EventReorgHandled})
	}
}

func (m *Monitor) handleLostTx(ctx context.Context, rec store.TxRecord) {
	rec.Status = store.TxStatusLost
	rec.LastCheckedAt = time.Now()
	if err := m.store.UpsertTxRecord(ctx, rec); err != nil {
		log.Error().Err(err).Str("txid", rec.Txid).Msg("monitor.reorg.mark_lost_failed")
	}

	intent, err := m.store.GetIntent(ctx, rec.PaymentIntentID)
	if err != nil {
		log.Error().Err(err).Str("payment_intent_id", rec.PaymentIntentID).Msg("monitor.reorg.get_intent_failed")
		return
	}
	if intent.State != store.StateAwaitingConfirmation && intent.State != store.StateVerified {
		return
	}

	err = m.store.TryTransition(ctx, intent.ID, intent.State, store.StateCreated, store.IntentPatch{ClearObserved: true})
	if err != nil {
		log.Error().Err(err).Str("payment_intent_id", intent.ID).Msg("monitor.reorg.revert_failed")
		return
	}
	m.publish(Event{Type: EventTransactionLost, PaymentIntentID: intent.ID, Txid: rec.Txid})
}

// refreshBoundIntent re-queries a single observed transaction and advances
// the bound intent's state when its confirmation guard is satisfied. It is
// shared by the block scan loop and ScanPaymentIntent.
func (m *Monitor) refreshBoundIntent(ctx context.Context, intent store.PaymentIntent) {
	tx, err := m.rpc.GetRawTransaction(ctx, intent.ObservedTxid)
	if err != nil {
		if isNotFoundErr(err) {
			rec, getErr := m.store.GetTxRecord(ctx, intent.ObservedTxid)
			if getErr == nil {
				m.handleLostTx(ctx, rec)
			}
			return
		}
		log.Warn().Err(err).Str("txid", intent.ObservedTxid).Msg("monitor.refresh.get_transaction_failed")
		return
	}

	conf := confirmationsOf(tx)
	status := store.TxStatusMempool
	required := intent.RequiredConfirmations
	if required <= 0 {
		required = m.defaultRequiredConfirmations
	}
	switch {
	case conf >= required:
		status = store.TxStatusConfirmed
	case conf >= 1:
		status = store.TxStatusConfirming
	}

	if err := m.store.UpsertTxRecord(ctx, store.TxRecord{
		Txid:            intent.ObservedTxid,
		PaymentIntentID: intent.ID,
		Amount:          intent.Amount,
		From:            intent.ObservedFrom,
		To:              intent.PayToAddress,
		BlockHeight:     tx.BlockHeight,
		Confirmations:   conf,
		LastCheckedAt:   time.Now(),
		Status:          status,
	}); err != nil {
		log.Error().Err(err).Str("txid", intent.ObservedTxid).Msg("monitor.refresh.upsert_tx_record_failed")
		return
	}

	switch {
	case intent.State == store.StateAwaitingConfirmation && conf >= 1:
		c := conf
		err := m.store.TryTransition(ctx, intent.ID, store.StateAwaitingConfirmation, store.StateVerified, store.IntentPatch{Confirmations: &c})
		if err != nil {
			log.Error().Err(err).Str("payment_intent_id", intent.ID).Msg("monitor.refresh.verify_transition_failed")
			return
		}
		m.publish(Event{Type: EventPaymentConfirmed, PaymentIntentID: intent.ID, Txid: intent.ObservedTxid, Confirmations: conf})

	case intent.State == store.StateVerified && conf >= required:
		c := conf
		now := time.Now()
		err := m.store.TryTransition(ctx, intent.ID, store.StateVerified, store.StateSettled, store.IntentPatch{Confirmations: &c, SettledAt: &now})
		if err != nil {
			log.Error().Err(err).Str("payment_intent_id", intent.ID).Msg("monitor.refresh.settle_transition_failed")
			return
		}
		m.publish(Event{Type: EventPaymentConfirmed, PaymentIntentID: intent.ID, Txid: intent.ObservedTxid, Confirmations: conf})
	}
}

// scanMempool is the mempool-scan driver loop body: it matches mempool
// transactions against open intents that have no bound observed
// transaction yet.
func (m *Monitor) scanMempool(ctx context.Context) {
	open, err := m.store.OpenIntents(ctx)
	if err != nil {
		m.publish(Event{Type: EventError, Err: err})
		log.Error().Err(err).Msg("monitor.mempool_scan.open_intents_failed")
		return
	}

	var unbound []store.PaymentIntent
	for _, intent := range open {
		if intent.ObservedTxid == "" {
			unbound = append(unbound, intent)
		}
	}
	if len(unbound) == 0 {
		return
	}

	txids, err := m.rpc.GetRawMempool(ctx)
	if err != nil {
		m.publish(Event{Type: EventError, Err: err})
		log.Warn().Err(err).Msg("monitor.mempool_scan.get_mempool_failed")
		return
	}

	matched := make(map[string]bool, len(unbound))
	for _, txid := range txids {
		if len(matched) == len(unbound) {
			break
		}

		bound, err := m.store.IsTxidBound(ctx, txid, "")
		if err != nil || bound {
			continue
		}

		tx, err := m.rpc.GetRawTransaction(ctx, txid)
		if err != nil {
			continue
		}

		for _, intent := range unbound {
			if matched[intent.ID] {
				continue
			}
			if m.bindIfMatch(ctx, intent, tx) {
				matched[intent.ID] = true
			}
		}
	}
}

// bindIfMatch attempts to bind tx to intent as its first match. Returns
// true if a binding occurred.
func (m *Monitor) bindIfMatch(ctx context.Context, intent store.PaymentIntent, tx RawTransaction) bool {
	amount, from, ok := matchOutput(tx, intent)
	if !ok {
		return false
	}

	m.boundMu.Lock()
	defer m.boundMu.Unlock()

	already, err := m.store.IsTxidBound(ctx, tx.Txid, intent.ID)
	if err != nil || already {
		return false
	}

	now := time.Now()
	zero := 0
	txid := tx.Txid
	patch := store.IntentPatch{
		ObservedTxid:  &txid,
		ObservedFrom:  &from,
		ObservedAt:    &now,
		Confirmations: &zero,
	}
	if err := m.store.TryTransition(ctx, intent.ID, store.StateCreated, store.StateAwaitingConfirmation, patch); err != nil {
		log.Error().Err(err).Str("payment_intent_id", intent.ID).Msg("monitor.mempool_scan.bind_failed")
		return false
	}

	conf := confirmationsOf(tx)
	if err := m.store.UpsertTxRecord(ctx, store.TxRecord{
		Txid:            tx.Txid,
		PaymentIntentID: intent.ID,
		Amount:          amount,
		From:            from,
		To:              intent.PayToAddress,
		BlockHeight:     tx.BlockHeight,
		Confirmations:   conf,
		FirstSeenAt:     now,
		LastCheckedAt:   now,
		Status:          store.TxStatusMempool,
	}); err != nil {
		log.Error().Err(err).Str("txid", tx.Txid).Msg("monitor.mempool_scan.create_tx_record_failed")
	}

	m.publish(Event{Type: EventPaymentDetected, PaymentIntentID: intent.ID, Txid: tx.Txid})
	return true
}

// ScanPaymentIntent synchronously re-scans a single intent: it refreshes a
// bound observed transaction, or attempts an immediate mempool match for an
// unbound one. Used by external callers (e.g. a client-presented
// authorization) to accelerate detection without waiting for the next
// scheduled tick (§4.2 force-scan operation).
func (m *Monitor) ScanPaymentIntent(ctx context.Context, id string) error {
	intent, err := m.store.GetIntent(ctx, id)
	if err != nil {
		return err
	}

	if intent.ObservedTxid != "" {
		m.refreshBoundIntent(ctx, intent)
		return nil
	}

	if intent.State != store.StateCreated {
		return nil
	}

	txids, err := m.rpc.GetRawMempool(ctx)
	if err != nil {
		return err
	}
	for _, txid := range txids {
		bound, err := m.store.IsTxidBound(ctx, txid, "")
		if err != nil || bound {
			continue
		}
		tx, err := m.rpc.GetRawTransaction(ctx, txid)
		if err != nil {
			continue
		}
		if m.bindIfMatch(ctx, intent, tx) {
			return nil
		}
	}
	return nil
}

func isNotFoundErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no information available") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such")
}
