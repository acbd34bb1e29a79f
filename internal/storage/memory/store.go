// Package memory is an in-process implementation of storage.Repository with
// the same compare-and-set semantics as the PostgreSQL store. A single mutex
// plays the role of the row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"token-trader/internal/storage"
	"token-trader/internal/wallet"
)

type sampleKey struct {
	assetID int64
	at      int64
}

// Store is an in-memory storage.Repository.
type Store struct {
	mu sync.Mutex

	nextAssetID    int64
	nextWalletID   int64
	nextPositionID int64

	assets    map[int64]*storage.Asset
	byAddress map[string]int64
	samples   map[sampleKey]storage.MetricsSample
	wallets   map[int64]*storage.Wallet
	positions map[int64]*storage.Position
	cursors   map[string]int64

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		assets:    make(map[int64]*storage.Asset),
		byAddress: make(map[string]int64),
		samples:   make(map[sampleKey]storage.MetricsSample),
		wallets:   make(map[int64]*storage.Wallet),
		positions: make(map[int64]*storage.Position),
		cursors:   make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, used by tests exercising stale exit claims.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// UpsertAsset starts tracking an asset or refreshes its descriptive fields.
func (s *Store) UpsertAsset(_ context.Context, in storage.NewAsset) (storage.Asset, error) {
	if in.Address == "" {
		return storage.Asset{}, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.byAddress[in.Address]; ok {
		a := s.assets[id]
		if in.Symbol != "" {
			a.Symbol = in.Symbol
		}
		if in.Name != "" {
			a.Name = in.Name
		}
		if in.PairAddress != "" {
			pair := in.PairAddress
			a.PairAddress = &pair
		}
		a.UpdatedAt = now
		return copyAsset(a), nil
	}

	s.nextAssetID++
	a := &storage.Asset{
		ID:        s.nextAssetID,
		Address:   in.Address,
		Symbol:    in.Symbol,
		Name:      in.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.PairAddress != "" {
		pair := in.PairAddress
		a.PairAddress = &pair
	}
	s.assets[a.ID] = a
	s.byAddress[a.Address] = a.ID
	return copyAsset(a), nil
}

// GetAsset loads one asset.
func (s *Store) GetAsset(_ context.Context, id int64) (storage.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return storage.Asset{}, storage.ErrNotFound
	}
	return copyAsset(a), nil
}

// GetAssetByAddress loads one asset by its contract address.
func (s *Store) GetAssetByAddress(_ context.Context, address string) (storage.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAddress[address]
	if !ok {
		return storage.Asset{}, storage.ErrNotFound
	}
	return copyAsset(s.assets[id]), nil
}

// ListAssets lists assets in id order.
func (s *Store) ListAssets(_ context.Context, includeFinalized bool, limit int) ([]storage.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.Asset, 0)
	for _, id := range s.sortedAssetIDs() {
		a := s.assets[id]
		if a.Finalized && !includeFinalized {
			continue
		}
		out = append(out, copyAsset(a))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// NextBatch returns the next cursor page of schedulable assets.
func (s *Store) NextBatch(_ context.Context, afterID int64, limit int, retryCap int) ([]storage.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.Asset, 0, limit)
	for _, id := range s.sortedAssetIDs() {
		a := s.assets[id]
		if id <= afterID || a.Finalized || (a.RetryCount >= retryCap && a.BoundWalletID == nil) {
			continue
		}
		out = append(out, copyAsset(a))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ApplyEnrichment refreshes aggregates, resets the retry counter and moves
// the pair-resolution counter.
func (s *Store) ApplyEnrichment(_ context.Context, id int64, u storage.AggregateUpdate) (storage.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return storage.Asset{}, storage.ErrNotFound
	}
	if a.Finalized {
		return storage.Asset{}, storage.ErrArchived
	}

	if u.Symbol != "" {
		a.Symbol = u.Symbol
	}
	if u.Name != "" {
		a.Name = u.Name
	}
	if u.PairAddress == "" && a.PairAddress == nil {
		a.PairAttempts++
	} else {
		a.PairAttempts = 0
	}
	if u.PairAddress != "" {
		pair := u.PairAddress
		a.PairAddress = &pair
	}
	if u.HolderCount != nil {
		a.HolderCount = *u.HolderCount
	}
	if u.Mintable != nil {
		a.Mintable = *u.Mintable
	}
	if u.OpenSource != nil {
		a.OpenSource = *u.OpenSource
	}
	if u.BuyTax != nil {
		a.BuyTax = *u.BuyTax
	}
	if u.SellTax != nil {
		a.SellTax = *u.SellTax
	}
	a.TxBuys = u.TxBuys
	a.TxSells = u.TxSells
	a.Volume24h = u.Volume24h
	a.PriceChange1h = u.PriceChange1h
	a.LastPrice = u.LastPrice
	a.LastLiquidity = u.LastLiquidity
	a.RetryCount = 0
	a.UpdatedAt = s.now()
	return copyAsset(a), nil
}

// RecordEnrichmentFailure increments and returns the asset's retry counter.
func (s *Store) RecordEnrichmentFailure(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	a.RetryCount++
	a.UpdatedAt = s.now()
	return a.RetryCount, nil
}

// UpdateForecast attaches the forecasting collaborator's output.
func (s *Store) UpdateForecast(_ context.Context, id int64, f storage.Forecast) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.Label = f.Label
	a.TargetIteration = copyInt(f.TargetIteration)
	a.TargetPrice = copyDecimal(f.TargetPrice)
	a.UpdatedAt = s.now()
	return nil
}

// ArchiveAsset finalizes an asset if, and only if, nothing is bound to it.
func (s *Store) ArchiveAsset(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return storage.ErrNotFound
	}
	if a.Finalized {
		return nil
	}
	if a.BoundWalletID != nil || s.openPositionForAsset(id) != nil {
		return storage.ErrPositionOpen
	}
	a.Finalized = true
	a.FinalizedReason = reason
	a.UpdatedAt = s.now()
	return nil
}

// UpsertSample stores the (asset, second) sample.
func (s *Store) UpsertSample(_ context.Context, sample storage.MetricsSample) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[sample.AssetID]
	if !ok {
		return false, storage.ErrNotFound
	}

	sample.At = sample.At.UTC().Truncate(time.Second)
	key := sampleKey{assetID: sample.AssetID, at: sample.At.Unix()}
	prev, existed := s.samples[key]
	s.samples[key] = sample

	if sample.Price.IsPositive() && (!existed || !prev.Price.IsPositive()) {
		a.ValidSamples++
	}
	return !existed, nil
}

// RecentSamples returns the newest samples first.
func (s *Store) RecentSamples(_ context.Context, assetID int64, limit int) ([]storage.MetricsSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.samplesFor(assetID)
	sort.Slice(all, func(i, j int) bool { return all[i].At.After(all[j].At) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// SamplesBetween lists samples in [from, to) in time order.
func (s *Store) SamplesBetween(_ context.Context, assetID int64, from, to time.Time) ([]storage.MetricsSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.MetricsSample, 0)
	for _, sm := range s.samplesFor(assetID) {
		if !sm.At.Before(from) && sm.At.Before(to) {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// CountSamples counts stored samples of one asset.
func (s *Store) CountSamples(_ context.Context, assetID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.samplesFor(assetID))), nil
}

// SyncWallets upserts the configured wallets.
func (s *Store) SyncWallets(_ context.Context, specs []storage.WalletSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, spec := range specs {
		if spec.Address == "" {
			return storage.ErrInvalidInput
		}
		if w := s.walletByAddress(spec.Address); w != nil {
			w.SpendPerEntry = spec.SpendPerEntry
			w.Enabled = spec.Enabled
			continue
		}
		s.nextWalletID++
		s.wallets[s.nextWalletID] = &storage.Wallet{
			ID:            s.nextWalletID,
			Address:       spec.Address,
			SpendPerEntry: spec.SpendPerEntry,
			Enabled:       spec.Enabled,
		}
	}
	return nil
}

// ListWallets lists the registry in id order.
func (s *Store) ListWallets(_ context.Context) ([]storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.Wallet, 0, len(s.wallets))
	for _, id := range s.sortedWalletIDs() {
		out = append(out, copyWallet(s.wallets[id]))
	}
	return out, nil
}

// GetWallet loads one wallet.
func (s *Store) GetWallet(_ context.Context, id int64) (storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return storage.Wallet{}, storage.ErrNotFound
	}
	return copyWallet(w), nil
}

// CountEnabledWallets counts wallets that may fund entries.
func (s *Store) CountEnabledWallets(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, w := range s.wallets {
		if w.Usable() {
			count++
		}
	}
	return count, nil
}

// SetWalletEnabled toggles a wallet.
func (s *Store) SetWalletEnabled(_ context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return storage.ErrNotFound
	}
	w.Enabled = enabled
	return nil
}

// ReserveEntry binds a free wallet to the asset.
func (s *Store) ReserveEntry(_ context.Context, assetID int64) (storage.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[assetID]
	if !ok {
		return storage.Reservation{}, storage.ErrNotFound
	}
	if a.Finalized {
		return storage.Reservation{}, storage.ErrArchived
	}
	if a.BoundWalletID != nil {
		return storage.Reservation{}, storage.ErrAlreadyReserved
	}
	if s.openPositionForAsset(assetID) != nil {
		return storage.Reservation{}, storage.ErrPositionOpen
	}

	eligible := make([]int64, 0)
	for id, w := range s.wallets {
		if w.Usable() && w.BoundAssetID == nil && s.openPositionForWallet(id) == nil {
			eligible = append(eligible, id)
		}
	}

	walletID, ok := wallet.Pick(eligible, s.cursors[storage.WalletCursorKey])
	if !ok {
		return storage.Reservation{}, storage.ErrNoFreeWallet
	}

	w := s.wallets[walletID]
	now := s.now()
	bound := assetID
	w.BoundAssetID = &bound
	w.LastUsedAt = &now
	wid := walletID
	a.BoundWalletID = &wid
	a.UpdatedAt = now
	s.cursors[storage.WalletCursorKey] = walletID

	return storage.Reservation{Asset: copyAsset(a), Wallet: copyWallet(w)}, nil
}

// ReleaseReservation undoes ReserveEntry while no position is journaled.
func (s *Store) ReleaseReservation(_ context.Context, assetID, walletID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.assets[assetID]; ok && a.BoundWalletID != nil && *a.BoundWalletID == walletID && s.openPositionForAsset(assetID) == nil {
		a.BoundWalletID = nil
		a.UpdatedAt = s.now()
	}
	if w, ok := s.wallets[walletID]; ok && w.BoundAssetID != nil && *w.BoundAssetID == assetID && s.openPositionForWallet(walletID) == nil {
		w.BoundAssetID = nil
	}
	return nil
}

// OpenPosition journals a confirmed entry.
func (s *Store) OpenPosition(_ context.Context, open storage.PositionOpen) (storage.Position, error) {
	if open.EntryTx == "" {
		return storage.Position{}, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[open.AssetID]
	if !ok {
		return storage.Position{}, storage.ErrNotFound
	}
	if a.BoundWalletID == nil || *a.BoundWalletID != open.WalletID {
		return storage.Position{}, storage.ErrInvalidInput
	}
	if s.openPositionForAsset(open.AssetID) != nil || s.openPositionForWallet(open.WalletID) != nil {
		return storage.Position{}, storage.ErrPositionOpen
	}

	s.nextPositionID++
	p := &storage.Position{
		ID:             s.nextPositionID,
		WalletID:       open.WalletID,
		AssetID:        open.AssetID,
		EntryIteration: open.EntryIteration,
		EntryPrice:     open.EntryPrice,
		EntryAmount:    open.EntryAmount,
		EntryCost:      open.EntryCost,
		EntryValue:     open.EntryPrice.Mul(open.EntryAmount),
		EntryTx:        open.EntryTx,
		OpenedAt:       s.now(),
	}
	s.positions[p.ID] = p
	if w, ok := s.wallets[open.WalletID]; ok {
		w.Trades++
	}
	return copyPosition(p), nil
}

// OpenPositionForAsset returns the asset's open position or ErrNotFound.
func (s *Store) OpenPositionForAsset(_ context.Context, assetID int64) (storage.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.openPositionForAsset(assetID)
	if p == nil {
		return storage.Position{}, storage.ErrNotFound
	}
	return copyPosition(p), nil
}

// LatestPositionForAsset returns the asset's newest journal row.
func (s *Store) LatestPositionForAsset(_ context.Context, assetID int64) (storage.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *storage.Position
	for _, p := range s.positions {
		if p.AssetID == assetID && (latest == nil || p.ID > latest.ID) {
			latest = p
		}
	}
	if latest == nil {
		return storage.Position{}, storage.ErrNotFound
	}
	return copyPosition(latest), nil
}

// ListPositions lists journal rows, newest first.
func (s *Store) ListPositions(_ context.Context, openOnly bool, limit int) ([]storage.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.positions))
	for id := range s.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	out := make([]storage.Position, 0)
	for _, id := range ids {
		p := s.positions[id]
		if openOnly && !p.Open() {
			continue
		}
		out = append(out, copyPosition(p))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ClaimExit marks an open position as being exited.
func (s *Store) ClaimExit(_ context.Context, positionID int64, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok || !p.Open() {
		return false, nil
	}
	now := s.now()
	if p.ExitClaimedAt != nil && !p.ExitClaimedAt.Before(now.Add(-staleAfter)) {
		return false, nil
	}
	p.ExitClaimedAt = &now
	return true, nil
}

// ReleaseExitClaim drops an exit claim after a failed exit.
func (s *Store) ReleaseExitClaim(_ context.Context, positionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.positions[positionID]; ok && p.Open() {
		p.ExitClaimedAt = nil
	}
	return nil
}

// ClosePosition fills the exit fields, unbinds the asset and frees the wallet.
func (s *Store) ClosePosition(_ context.Context, c storage.PositionClose) (storage.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[c.PositionID]
	if !ok || !p.Open() {
		return storage.Position{}, storage.ErrNotFound
	}

	now := s.now()
	iteration := c.ExitIteration
	price, amount, proceeds := c.ExitPrice, c.ExitAmount, c.ExitProceeds
	outcome := c.Outcome
	p.ExitIteration = &iteration
	p.ExitPrice = &price
	p.ExitAmount = &amount
	p.ExitProceeds = &proceeds
	if c.ExitTx != "" {
		tx := c.ExitTx
		p.ExitTx = &tx
	}
	p.Outcome = &outcome
	p.ClosedAt = &now

	if a, ok := s.assets[p.AssetID]; ok && a.BoundWalletID != nil && *a.BoundWalletID == p.WalletID {
		a.BoundWalletID = nil
		a.UpdatedAt = now
	}
	if w, ok := s.wallets[p.WalletID]; ok {
		if w.BoundAssetID != nil && *w.BoundAssetID == p.AssetID {
			w.BoundAssetID = nil
		}
		w.RealizedProfit = w.RealizedProfit.Add(c.ExitProceeds.Sub(p.EntryCost))
	}
	return copyPosition(p), nil
}

// LoadCursor returns a persisted cursor, zero when never saved.
func (s *Store) LoadCursor(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[key], nil
}

// SaveCursor persists a cursor.
func (s *Store) SaveCursor(_ context.Context, key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = value
	return nil
}

func (s *Store) openPositionForAsset(assetID int64) *storage.Position {
	for _, p := range s.positions {
		if p.AssetID == assetID && p.Open() {
			return p
		}
	}
	return nil
}

func (s *Store) openPositionForWallet(walletID int64) *storage.Position {
	for _, p := range s.positions {
		if p.WalletID == walletID && p.Open() {
			return p
		}
	}
	return nil
}

func (s *Store) walletByAddress(address string) *storage.Wallet {
	for _, w := range s.wallets {
		if w.Address == address {
			return w
		}
	}
	return nil
}

func (s *Store) samplesFor(assetID int64) []storage.MetricsSample {
	out := make([]storage.MetricsSample, 0)
	for key, sm := range s.samples {
		if key.assetID == assetID {
			out = append(out, sm)
		}
	}
	return out
}

func (s *Store) sortedAssetIDs() []int64 {
	ids := make([]int64, 0, len(s.assets))
	for id := range s.assets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) sortedWalletIDs() []int64 {
	ids := make([]int64, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func copyAsset(a *storage.Asset) storage.Asset {
	out := *a
	out.PairAddress = copyString(a.PairAddress)
	out.BoundWalletID = copyInt(a.BoundWalletID)
	out.TargetIteration = copyInt(a.TargetIteration)
	out.TargetPrice = copyDecimal(a.TargetPrice)
	return out
}

func copyWallet(w *storage.Wallet) storage.Wallet {
	out := *w
	out.BoundAssetID = copyInt(w.BoundAssetID)
	if w.LastUsedAt != nil {
		t := *w.LastUsedAt
		out.LastUsedAt = &t
	}
	return out
}

func copyPosition(p *storage.Position) storage.Position {
	out := *p
	out.ExitIteration = copyInt(p.ExitIteration)
	out.ExitPrice = copyDecimal(p.ExitPrice)
	out.ExitAmount = copyDecimal(p.ExitAmount)
	out.ExitProceeds = copyDecimal(p.ExitProceeds)
	out.ExitTx = copyString(p.ExitTx)
	out.Outcome = copyString(p.Outcome)
	if p.ExitClaimedAt != nil {
		t := *p.ExitClaimedAt
		out.ExitClaimedAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyDecimal(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

var _ storage.Repository = (*Store)(nil)
