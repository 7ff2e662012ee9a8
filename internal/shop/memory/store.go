// Package memory implements shop.Store on plain maps. Claims are
// serialized per product and debits per user via striped mutexes, the same
// locking shape the postgres store gets from row locks. Used by tests and
// by the memory backend in dev setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akunstore/go-stock-engine/internal/shop"
)

// keyedMutex hands out one mutex per key so critical sections for
// unrelated keys never contend. Entries are refcounted and dropped once
// the last holder unlocks, keeping the map bounded by live contention.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// productStock shards all units of one product behind their own mutex.
type productStock struct {
	mu    sync.Mutex
	units map[string]*shop.StockUnit
	order []string // insertion order, keeps claiming deterministic
}

type account struct {
	mu      sync.Mutex
	balance int64
	updated time.Time
}

type Store struct {
	pmu   sync.RWMutex
	stock map[string]*productStock

	resLocks  keyedMutex
	holdLocks keyedMutex // serializes hold creation per (user, product)

	rmu          sync.RWMutex
	reservations map[string]*shop.Reservation
	// holdIndex enforces one live hold per (user, product), same as the
	// unique index the postgres schema carries.
	holdIndex map[string]string // holdKey -> reservation id

	amu      sync.RWMutex
	accounts map[string]*account

	omu    sync.RWMutex
	orders map[string]*shop.Order
}

var _ shop.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		stock:        make(map[string]*productStock),
		reservations: make(map[string]*shop.Reservation),
		holdIndex:    make(map[string]string),
		accounts:     make(map[string]*account),
		orders:       make(map[string]*shop.Order),
	}
}

func (s *Store) product(productID string) *productStock {
	s.pmu.RLock()
	ps, ok := s.stock[productID]
	s.pmu.RUnlock()
	if ok {
		return ps
	}

	s.pmu.Lock()
	defer s.pmu.Unlock()
	if ps, ok = s.stock[productID]; !ok {
		ps = &productStock{units: make(map[string]*shop.StockUnit)}
		s.stock[productID] = ps
	}
	return ps
}

func (s *Store) shards() []*productStock {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	out := make([]*productStock, 0, len(s.stock))
	for _, ps := range s.stock {
		out = append(out, ps)
	}
	return out
}

func (s *Store) account(userID string) *account {
	s.amu.RLock()
	a, ok := s.accounts[userID]
	s.amu.RUnlock()
	if ok {
		return a
	}

	s.amu.Lock()
	defer s.amu.Unlock()
	if a, ok = s.accounts[userID]; !ok {
		a = &account{}
		s.accounts[userID] = a
	}
	return a
}

// ---- stock ledger ----

func (s *Store) AddUnits(ctx context.Context, productID string, payloads []string) ([]string, error) {
	if len(payloads) == 0 {
		return nil, shop.ErrInvalidQuantity
	}
	ps := s.product(productID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now().UTC()
	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		id := uuid.NewString()
		ps.units[id] = &shop.StockUnit{
			ID:        id,
			ProductID: productID,
			Payload:   payload,
			State:     shop.UnitAvailable,
			CreatedAt: now,
		}
		ps.order = append(ps.order, id)
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) RemoveUnit(ctx context.Context, unitID string) error {
	for _, ps := range s.shards() {
		ps.mu.Lock()
		u, ok := ps.units[unitID]
		if !ok {
			ps.mu.Unlock()
			continue
		}
		if u.State != shop.UnitAvailable {
			ps.mu.Unlock()
			return shop.ErrUnitConflict
		}
		delete(ps.units, unitID)
		for i, id := range ps.order {
			if id == unitID {
				ps.order = append(ps.order[:i], ps.order[i+1:]...)
				break
			}
		}
		ps.mu.Unlock()
		return nil
	}
	return shop.ErrNotFound
}

func (s *Store) AvailableCount(ctx context.Context, productID string) (int, error) {
	ps := s.product(productID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	n := 0
	for _, u := range ps.units {
		if u.State == shop.UnitAvailable {
			n++
		}
	}
	return n, nil
}

// claimLocked binds qty available units to reservationID. Caller holds
// ps.mu. Either all qty units move or none do.
func (ps *productStock) claimLocked(qty int, reservationID string) ([]string, error) {
	free := make([]string, 0, qty)
	for _, id := range ps.order {
		u := ps.units[id]
		if u != nil && u.State == shop.UnitAvailable {
			free = append(free, id)
			if len(free) == qty {
				break
			}
		}
	}
	if len(free) < qty {
		return nil, shop.ErrInsufficientStock
	}
	for _, id := range free {
		u := ps.units[id]
		u.State = shop.UnitReserved
		u.BoundReservationID = reservationID
	}
	return free, nil
}

// releaseLocked unbinds every reserved unit bound to reservationID.
func (ps *productStock) releaseLocked(reservationID string) int {
	n := 0
	for _, u := range ps.units {
		if u.State == shop.UnitReserved && u.BoundReservationID == reservationID {
			u.State = shop.UnitAvailable
			u.BoundReservationID = ""
			n++
		}
	}
	return n
}

func (s *Store) ReserveUnits(ctx context.Context, productID string, qty int, reservationID string) error {
	if qty <= 0 {
		return shop.ErrInvalidQuantity
	}
	ps := s.product(productID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, err := ps.claimLocked(qty, reservationID)
	return err
}

func (s *Store) ReleaseUnits(ctx context.Context, reservationID string) error {
	for _, ps := range s.shards() {
		ps.mu.Lock()
		ps.releaseLocked(reservationID)
		ps.mu.Unlock()
	}
	return nil
}

func (s *Store) CommitUnits(ctx context.Context, reservationID, userID string) error {
	now := time.Now().UTC()
	found := false
	for _, ps := range s.shards() {
		ps.mu.Lock()
		var bound []*shop.StockUnit
		for _, u := range ps.units {
			if u.BoundReservationID == reservationID {
				bound = append(bound, u)
			}
		}
		if len(bound) == 0 {
			ps.mu.Unlock()
			continue
		}
		found = true

		reserved, sold := 0, 0
		for _, u := range bound {
			switch {
			case u.State == shop.UnitReserved:
				reserved++
			case u.State == shop.UnitSold && u.SoldToUserID == userID:
				sold++
			}
		}
		if sold == len(bound) {
			// retried commit, already done
			ps.mu.Unlock()
			continue
		}
		if reserved != len(bound) {
			ps.mu.Unlock()
			return shop.ErrUnitConflict
		}
		for _, u := range bound {
			at := now
			u.State = shop.UnitSold
			u.SoldToUserID = userID
			u.SoldAt = &at
		}
		ps.mu.Unlock()
	}
	if !found {
		return shop.ErrUnitConflict
	}
	return nil
}

// ---- reservations ----

func (s *Store) CreateReservation(ctx context.Context, res *shop.Reservation) error {
	if res == nil || res.ID == "" || res.UserID == "" || res.ProductID == "" {
		return shop.ErrInvalidQuantity
	}
	if res.Quantity <= 0 {
		return shop.ErrInvalidQuantity
	}

	// two concurrent adds for the same (user, product) serialize here, so
	// the loser sees the winner's finished hold, never a half-made one
	key := holdKey(res.UserID, res.ProductID)
	unlockSlot := s.holdLocks.Lock(key)
	defer unlockSlot()
	unlock := s.resLocks.Lock(res.ID)
	defer unlock()

	s.rmu.RLock()
	_, exists := s.reservations[res.ID]
	_, held := s.holdIndex[key]
	s.rmu.RUnlock()
	if exists || held {
		return shop.ErrConflict
	}

	ps := s.product(res.ProductID)
	ps.mu.Lock()
	ids, err := ps.claimLocked(res.Quantity, res.ID)
	ps.mu.Unlock()
	if err != nil {
		return err
	}

	stored := cloneReservation(res)
	stored.UnitIDs = ids
	s.rmu.Lock()
	s.holdIndex[key] = res.ID
	s.reservations[res.ID] = stored
	s.rmu.Unlock()

	res.UnitIDs = append([]string(nil), ids...)
	return nil
}

func holdKey(userID, productID string) string { return userID + "\x00" + productID }

func (s *Store) GrowReservation(ctx context.Context, reservationID string, add int, expiresAt time.Time) error {
	if add < 0 {
		return shop.ErrInvalidQuantity
	}

	unlock := s.resLocks.Lock(reservationID)
	defer unlock()

	s.rmu.RLock()
	res, ok := s.reservations[reservationID]
	s.rmu.RUnlock()
	if !ok {
		return shop.ErrNotFound
	}

	var ids []string
	if add > 0 {
		ps := s.product(res.ProductID)
		ps.mu.Lock()
		var err error
		ids, err = ps.claimLocked(add, reservationID)
		ps.mu.Unlock()
		if err != nil {
			return err
		}
	}

	s.rmu.Lock()
	res.Quantity += add
	res.UnitIDs = append(res.UnitIDs, ids...)
	res.ExpiresAt = expiresAt
	s.rmu.Unlock()
	return nil
}

func (s *Store) ShrinkReservation(ctx context.Context, reservationID string, remove int, expiresAt time.Time) error {
	if remove < 0 {
		return shop.ErrInvalidQuantity
	}

	unlock := s.resLocks.Lock(reservationID)
	defer unlock()

	s.rmu.RLock()
	res, ok := s.reservations[reservationID]
	s.rmu.RUnlock()
	if !ok {
		return shop.ErrNotFound
	}
	if remove >= res.Quantity && remove != 0 {
		return shop.ErrInvalidQuantity
	}

	if remove > 0 {
		drop := res.UnitIDs[len(res.UnitIDs)-remove:]
		ps := s.product(res.ProductID)
		ps.mu.Lock()
		for _, id := range drop {
			u := ps.units[id]
			if u == nil || u.State != shop.UnitReserved || u.BoundReservationID != reservationID {
				ps.mu.Unlock()
				return shop.ErrConflict
			}
		}
		for _, id := range drop {
			u := ps.units[id]
			u.State = shop.UnitAvailable
			u.BoundReservationID = ""
		}
		ps.mu.Unlock()
	}

	s.rmu.Lock()
	res.Quantity -= remove
	res.UnitIDs = res.UnitIDs[:len(res.UnitIDs)-remove]
	res.ExpiresAt = expiresAt
	s.rmu.Unlock()
	return nil
}

func (s *Store) ReleaseReservation(ctx context.Context, reservationID string) error {
	unlock := s.resLocks.Lock(reservationID)
	defer unlock()

	s.rmu.RLock()
	res, ok := s.reservations[reservationID]
	s.rmu.RUnlock()
	if !ok {
		return nil
	}

	ps := s.product(res.ProductID)
	ps.mu.Lock()
	ps.releaseLocked(reservationID)
	ps.mu.Unlock()

	s.rmu.Lock()
	delete(s.reservations, reservationID)
	if s.holdIndex[holdKey(res.UserID, res.ProductID)] == reservationID {
		delete(s.holdIndex, holdKey(res.UserID, res.ProductID))
	}
	s.rmu.Unlock()
	return nil
}

func (s *Store) Reservation(ctx context.Context, reservationID string) (*shop.Reservation, error) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	res, ok := s.reservations[reservationID]
	if !ok {
		return nil, shop.ErrNotFound
	}
	return cloneReservation(res), nil
}

func (s *Store) UserReservations(ctx context.Context, userID string) ([]*shop.Reservation, error) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	var out []*shop.Reservation
	for _, res := range s.reservations {
		if res.UserID == userID {
			out = append(out, cloneReservation(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]*shop.Reservation, error) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	var out []*shop.Reservation
	for _, res := range s.reservations {
		if res.ExpiresAt.Before(cutoff) {
			out = append(out, cloneReservation(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- credit ledger ----

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	a := s.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

func (s *Store) Credit(ctx context.Context, userID string, amountCents int64) error {
	if amountCents <= 0 {
		return shop.ErrInvalidQuantity
	}
	a := s.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance += amountCents
	a.updated = time.Now().UTC()
	return nil
}

func (s *Store) Debit(ctx context.Context, userID string, amountCents int64) error {
	if amountCents <= 0 {
		return shop.ErrInvalidQuantity
	}
	a := s.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balance < amountCents {
		return shop.ErrInsufficientCredit
	}
	a.balance -= amountCents
	a.updated = time.Now().UTC()
	return nil
}

// ---- checkout & orders ----

// Lock order here is reservations (sorted) -> account -> products (sorted),
// the same hierarchy every other method follows, so a stuck checkout
// cannot deadlock a sweep or a cart update.
func (s *Store) Checkout(ctx context.Context, userID string, reservationIDs []string, now time.Time) (*shop.Order, error) {
	ids := dedupeSorted(reservationIDs)
	if len(ids) == 0 {
		return nil, shop.ErrEmptyCart
	}

	for _, id := range ids {
		unlock := s.resLocks.Lock(id)
		defer unlock()
	}

	s.rmu.RLock()
	resList := make([]*shop.Reservation, 0, len(ids))
	for _, id := range ids {
		res, ok := s.reservations[id]
		if !ok {
			s.rmu.RUnlock()
			return nil, shop.ErrConflict
		}
		if res.UserID != userID {
			s.rmu.RUnlock()
			return nil, shop.ErrConflict
		}
		resList = append(resList, cloneReservation(res))
	}
	s.rmu.RUnlock()

	var total int64
	productIDs := make([]string, 0, len(resList))
	for _, res := range resList {
		if res.Expired(now) {
			return nil, shop.ErrReservationExpired
		}
		total += res.TotalCents()
		productIDs = append(productIDs, res.ProductID)
	}
	productIDs = dedupeSorted(productIDs)

	acct := s.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	shardByProduct := make(map[string]*productStock, len(productIDs))
	for _, pid := range productIDs {
		ps := s.product(pid)
		ps.mu.Lock()
		defer ps.mu.Unlock()
		shardByProduct[pid] = ps
	}

	// validate everything before touching anything
	if acct.balance < total {
		return nil, shop.ErrInsufficientCredit
	}
	for _, res := range resList {
		ps := shardByProduct[res.ProductID]
		for _, unitID := range res.UnitIDs {
			u := ps.units[unitID]
			if u == nil || u.State != shop.UnitReserved || u.BoundReservationID != res.ID {
				return nil, shop.ErrConflict
			}
		}
	}

	acct.balance -= total
	acct.updated = now

	order := &shop.Order{
		ID:         uuid.NewString(),
		UserID:     userID,
		TotalCents: total,
		CreatedAt:  now,
	}
	for _, res := range resList {
		ps := shardByProduct[res.ProductID]
		for _, unitID := range res.UnitIDs {
			u := ps.units[unitID]
			at := now
			u.State = shop.UnitSold
			u.SoldToUserID = userID
			u.SoldAt = &at
			order.Lines = append(order.Lines, shop.OrderLine{
				ID:         uuid.NewString(),
				OrderID:    order.ID,
				UnitID:     unitID,
				ProductID:  res.ProductID,
				PriceCents: res.PriceCents,
				Payload:    u.Payload,
			})
		}
	}

	s.omu.Lock()
	s.orders[order.ID] = cloneOrder(order)
	s.omu.Unlock()

	s.rmu.Lock()
	for _, res := range resList {
		delete(s.reservations, res.ID)
		if s.holdIndex[holdKey(res.UserID, res.ProductID)] == res.ID {
			delete(s.holdIndex, holdKey(res.UserID, res.ProductID))
		}
	}
	s.rmu.Unlock()

	return order, nil
}

func (s *Store) Order(ctx context.Context, orderID string) (*shop.Order, error) {
	s.omu.RLock()
	defer s.omu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, shop.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) MarkDelivered(ctx context.Context, orderID string, at time.Time) (bool, error) {
	s.omu.Lock()
	defer s.omu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, shop.ErrNotFound
	}
	if o.DeliveredAt != nil {
		return false, nil
	}
	stamp := at
	o.DeliveredAt = &stamp
	return true, nil
}

// ---- helpers ----

func cloneReservation(r *shop.Reservation) *shop.Reservation {
	c := *r
	c.UnitIDs = append([]string(nil), r.UnitIDs...)
	return &c
}

func cloneOrder(o *shop.Order) *shop.Order {
	c := *o
	c.Lines = append([]shop.OrderLine(nil), o.Lines...)
	if o.DeliveredAt != nil {
		at := *o.DeliveredAt
		c.DeliveredAt = &at
	}
	return &c
}

func dedupeSorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	j := 0
	for i, id := range out {
		if i == 0 || id != out[i-1] {
			out[j] = id
			j++
		}
	}
	return out[:j]
}
