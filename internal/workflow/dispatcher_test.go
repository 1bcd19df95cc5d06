package workflow

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/ledger/ledgertest"
	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/money"
	"github.com/taskpay/backend/internal/tasks"
)

type memEvents struct {
	mu   sync.Mutex
	seen map[string]string
}

func (m *memEvents) MarkProcessed(_ context.Context, tx pgx.Tx, id, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; ok {
		return false, nil
	}
	m.seen[id] = eventType
	ledgertest.OnRollback(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.seen, id)
	})
	return true, nil
}

func (m *memEvents) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[id]
	return ok, nil
}

// stubTasks records calls and runs the After hook the way the coordinator does.
type stubTasks struct {
	db       *ledgertest.Store
	approved []tasks.ApproveParams
	rejected []string
	closed   []uuid.UUID
	err      error
}

func (s *stubTasks) ApproveSubmission(ctx context.Context, p tasks.ApproveParams) (*tasks.ApproveResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	tx, _ := s.db.Begin(ctx)
	defer tx.Rollback(ctx)
	if err := p.After(ctx, tx, nil); err != nil {
		return nil, err
	}
	s.approved = append(s.approved, p)
	reward := &models.Transaction{ID: uuid.New(), Category: models.CategoryUserReward}
	return &tasks.ApproveResult{Reward: reward}, tx.Commit(ctx)
}

func (s *stubTasks) RejectSubmission(_ context.Context, _ uuid.UUID, submissionID, _ string) error {
	s.rejected = append(s.rejected, submissionID)
	return s.err
}

func (s *stubTasks) CloseTask(ctx context.Context, p tasks.CloseParams) (*tasks.CloseResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	tx, _ := s.db.Begin(ctx)
	defer tx.Rollback(ctx)
	if err := p.After(ctx, tx, nil); err != nil {
		return nil, err
	}
	s.closed = append(s.closed, p.TaskID)
	return &tasks.CloseResult{}, tx.Commit(ctx)
}

type fixture struct {
	d      *Dispatcher
	db     *ledgertest.Store
	events *memEvents
	tasks  *stubTasks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := ledgertest.New()
	l := ledger.NewService(db, db, db, ledger.Config{MaxRetries: 3}, nil)
	f := &fixture{db: db, events: &memEvents{seen: make(map[string]string)}, tasks: &stubTasks{db: db}}
	d, err := NewDispatcher(l, f.tasks, f.events, db, nil)
	require.NoError(t, err)
	f.d = d
	return f
}

func topup(id string, account uuid.UUID, amount string) []byte {
	return []byte(fmt.Sprintf(`{"type":"wallet.topup_confirmed","id":%q,"data":{"accountId":%q,"amount":%s,"reference":"pay_123"}}`,
		id, account, amount))
}

func TestHandle_WalletTopup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := uuid.New()
	f.db.AddAccount(acc, models.RoleAdvertiser, "0")

	out, err := f.d.Handle(ctx, topup("evt-1", acc, "250.75"))
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	require.Len(t, out.Transactions, 1)
	assert.Equal(t, models.CategoryWalletTopup, out.Transactions[0].Category)
	assert.True(t, money.MustParse("250.75").Equal(f.db.Balance(acc)))

	out, err = f.d.Handle(ctx, topup("evt-1", acc, "250.75"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.True(t, money.MustParse("250.75").Equal(f.db.Balance(acc)), "replayed event must not credit twice")

	_, err = f.d.Handle(ctx, topup("evt-2", acc, `"10.5"`))
	require.NoError(t, err)
	assert.True(t, money.MustParse("261.25").Equal(f.db.Balance(acc)))
}

func TestHandle_TopupToUnknownAccountIsNotMarked(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Handle(context.Background(), topup("evt-9", uuid.New(), "10"))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	seen, _ := f.events.Seen(context.Background(), "evt-9")
	assert.False(t, seen)
}

func TestHandle_SchemaViolations(t *testing.T) {
	f := newFixture(t)
	acc := uuid.New()
	cases := map[string]string{
		"not json":       `{"type":`,
		"unknown type":   `{"type":"task.created","id":"e","data":{}}`,
		"missing id":     `{"type":"task.closed","data":{"taskId":"` + uuid.NewString() + `"}}`,
		"extra field":    `{"type":"task.closed","id":"e","data":{"taskId":"` + uuid.NewString() + `","x":1}}`,
		"missing data":   `{"type":"submission.approved","id":"e","data":{"taskId":"` + uuid.NewString() + `"}}`,
		"negative topup": string(topup("e", acc, "-5")),
		"bad amount str": string(topup("e", acc, `"12.345"`)),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.d.Handle(context.Background(), []byte(raw))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestHandle_TaskEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, user := uuid.New(), uuid.New()

	approved := fmt.Sprintf(`{"type":"submission.approved","id":"a-1","data":{"taskId":%q,"submissionId":"s-1","userId":%q}}`, task, user)
	out, err := f.d.Handle(ctx, []byte(approved))
	require.NoError(t, err)
	assert.Len(t, out.Transactions, 1)
	require.Len(t, f.tasks.approved, 1)
	assert.Equal(t, "s-1", f.tasks.approved[0].SubmissionID)

	out, err = f.d.Handle(ctx, []byte(approved))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Len(t, f.tasks.approved, 1)

	rejected := fmt.Sprintf(`{"type":"submission.rejected","id":"r-1","data":{"taskId":%q,"submissionId":"s-2","reason":"blurry"}}`, task)
	_, err = f.d.Handle(ctx, []byte(rejected))
	require.NoError(t, err)
	assert.Equal(t, []string{"s-2"}, f.tasks.rejected)
	seen, _ := f.events.Seen(ctx, "r-1")
	assert.True(t, seen)

	closed := fmt.Sprintf(`{"type":"task.closed","id":"c-1","data":{"taskId":%q}}`, task)
	_, err = f.d.Handle(ctx, []byte(closed))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{task}, f.tasks.closed)
}

func TestHandle_CoordinatorErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.tasks.err = models.ErrStateConflict
	closed := fmt.Sprintf(`{"type":"task.closed","id":"c-2","data":{"taskId":%q}}`, uuid.New())
	_, err := f.d.Handle(context.Background(), []byte(closed))
	assert.ErrorIs(t, err, models.ErrStateConflict)
	seen, _ := f.events.Seen(context.Background(), "c-2")
	assert.False(t, seen)
}

func TestHandler_PostEvent(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.d, nil)
	acc := uuid.New()
	f.db.AddAccount(acc, models.RoleUser, "0")

	rec := httptest.NewRecorder()
	h.PostEvent(rec, httptest.NewRequest(http.MethodPost, "/internal/v1/events", strings.NewReader(string(topup("h-1", acc, "5")))))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"applied"`)

	rec = httptest.NewRecorder()
	h.PostEvent(rec, httptest.NewRequest(http.MethodPost, "/internal/v1/events", strings.NewReader(string(topup("h-1", acc, "5")))))
	assert.Contains(t, rec.Body.String(), `"status":"duplicate"`)

	rec = httptest.NewRecorder()
	h.PostEvent(rec, httptest.NewRequest(http.MethodPost, "/internal/v1/events", strings.NewReader(`{"type":"nope"}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
