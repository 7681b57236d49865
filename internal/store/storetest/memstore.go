// Package storetest provides an in-memory store.Store for handler and CLI tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/store"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// MemStore is safe for concurrent use. Set Err to make every call fail.
type MemStore struct {
	mu         sync.Mutex
	Err        error
	Keys       map[uuid.UUID]*models.APIKey
	Scans      map[uuid.UUID]*models.ScanUpload
	Jobs       map[uuid.UUID]*models.Job
	Detections map[uuid.UUID][]*models.CardDetection
	Cards      map[uuid.UUID]*models.Card
	Ledgers    map[string]*models.DailyCostLedger
	LastUsed   map[uuid.UUID]int
}

func New() *MemStore {
	return &MemStore{
		Keys:       map[uuid.UUID]*models.APIKey{},
		Scans:      map[uuid.UUID]*models.ScanUpload{},
		Jobs:       map[uuid.UUID]*models.Job{},
		Detections: map[uuid.UUID][]*models.CardDetection{},
		Cards:      map[uuid.UUID]*models.Card{},
		Ledgers:    map[string]*models.DailyCostLedger{},
		LastUsed:   map[uuid.UUID]int{},
	}
}

func (m *MemStore) Ping(_ context.Context) error { return m.Err }

func (m *MemStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*models.APIKey
	for _, k := range m.Keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MemStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastUsed[id]++
	return m.Err
}

func (m *MemStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.Keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	m.Keys[key.ID] = key
	return nil
}

func (m *MemStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := []*models.APIKey{}
	for _, k := range m.Keys {
		if k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	k, ok := m.Keys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

func (m *MemStore) CreateScan(_ context.Context, scan *models.ScanUpload, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.Scans[scan.ID]; ok {
		return store.ErrDuplicateKey
	}
	m.Scans[scan.ID] = scan
	m.Jobs[job.ID] = job
	return nil
}

func (m *MemStore) GetScan(_ context.Context, id uuid.UUID) (*models.ScanUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	sc, ok := m.Scans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (m *MemStore) SaveDetection(_ context.Context, d *models.CardDetection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Detections[d.ScanID] = append(m.Detections[d.ScanID], d)
	return nil
}

func (m *MemStore) ListDetections(_ context.Context, scanID uuid.UUID) ([]*models.CardDetection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := append([]*models.CardDetection{}, m.Detections[scanID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CropIndex < out[j].CropIndex })
	return out, nil
}

func (m *MemStore) UpsertCard(_ context.Context, card *models.Card) (*models.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, c := range m.Cards {
		if c.SetCode == card.SetCode && c.Number == card.Number {
			if c.Name == "" {
				c.Name = card.Name
			}
			return c, nil
		}
	}
	saved := *card
	if saved.ID == uuid.Nil {
		saved.ID = uuid.New()
	}
	m.Cards[saved.ID] = &saved
	return &saved, nil
}

func (m *MemStore) GetCard(_ context.Context, id uuid.UUID) (*models.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	c, ok := m.Cards[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (m *MemStore) ledger(day time.Time) *models.DailyCostLedger {
	key := day.Format(time.DateOnly)
	l, ok := m.Ledgers[key]
	if !ok {
		l = &models.DailyCostLedger{Date: day}
		m.Ledgers[key] = l
	}
	return l
}

func (m *MemStore) GetLedger(_ context.Context, day time.Time) (*models.DailyCostLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	cp := *m.ledger(day)
	return &cp, nil
}

func (m *MemStore) ReserveCost(_ context.Context, day time.Time, amount, budget float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	l := m.ledger(day)
	if budget <= 0 || l.TotalCost+l.ReservedCost >= budget {
		return false, nil
	}
	l.ReservedCost += amount
	return true, nil
}

func (m *MemStore) SettleCost(_ context.Context, day time.Time, reserved, actual float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	l := m.ledger(day)
	l.ReservedCost -= reserved
	if l.ReservedCost < 0 {
		l.ReservedCost = 0
	}
	l.TotalCost += actual
	l.RequestCount++
	return nil
}

var _ store.Store = (*MemStore)(nil)
