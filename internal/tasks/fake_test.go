package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskpay/backend/internal/ledger/ledgertest"
	"github.com/taskpay/backend/internal/models"
)

// fakeStore keeps tasks and completions in memory. Writes made inside a ledgertest
// transaction are undone when it rolls back.
type fakeStore struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]models.Task
	completions map[string]models.TaskCompletion
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[uuid.UUID]models.Task), completions: make(map[string]models.TaskCompletion)}
}

func (f *fakeStore) get(id uuid.UUID) models.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id]
}

func (f *fakeStore) put(tx pgx.Tx, t *models.Task) {
	f.mu.Lock()
	prev, existed := f.tasks[t.ID]
	f.tasks[t.ID] = *t
	f.mu.Unlock()
	if tx == nil {
		return
	}
	ledgertest.OnRollback(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if existed {
			f.tasks[t.ID] = prev
		} else {
			delete(f.tasks, t.ID)
		}
	})
}

func (f *fakeStore) Create(_ context.Context, t *models.Task) error {
	f.put(nil, t)
	return nil
}

func (f *fakeStore) CreateTx(_ context.Context, tx pgx.Tx, t *models.Task) error {
	f.put(tx, t)
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &t, nil
}

func (f *fakeStore) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeStore) UpdateState(_ context.Context, tx pgx.Tx, t *models.Task) error {
	f.put(tx, t)
	return nil
}

func (f *fakeStore) ListByAdvertiser(_ context.Context, advertiserID uuid.UUID) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Task
	for _, t := range f.tasks {
		if t.AdvertiserID == advertiserID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (f *fakeStore) InsertCompletion(_ context.Context, tx pgx.Tx, c *models.TaskCompletion) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.completions[c.SubmissionID]; ok {
		return false, nil
	}
	f.completions[c.SubmissionID] = *c
	ledgertest.OnRollback(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.completions, c.SubmissionID)
	})
	return true, nil
}

func (f *fakeStore) HasCompletion(_ context.Context, submissionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.completions[submissionID]
	return ok, nil
}

type enqueued struct {
	mu   sync.Mutex
	args []SettleTaskPaymentArgs
}

func (e *enqueued) insert(_ context.Context, _ pgx.Tx, args SettleTaskPaymentArgs) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.args = append(e.args, args)
	return nil
}
