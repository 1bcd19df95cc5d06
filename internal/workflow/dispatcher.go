// Package workflow applies events emitted by the task, KYC and payment workflows.
// Every event is validated against an embedded JSON schema and applied at most once.
package workflow

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/money"
	"github.com/taskpay/backend/internal/tasks"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://schemas.taskpay.internal/events/"

// Event types.
const (
	SubmissionApproved   = "submission.approved"
	SubmissionRejected   = "submission.rejected"
	TaskClosed           = "task.closed"
	WalletTopupConfirmed = "wallet.topup_confirmed"
)

var eventTypes = []string{SubmissionApproved, SubmissionRejected, TaskClosed, WalletTopupConfirmed}

// ErrInvalidEvent is wrapped when an event is not JSON or fails its schema.
var ErrInvalidEvent = errors.New("invalid event")

var errDuplicateEvent = errors.New("event already processed")

// Envelope is the common wrapper of every workflow event.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// EventStore records applied event ids. MarkProcessed reports false for a repeat.
type EventStore interface {
	MarkProcessed(ctx context.Context, tx pgx.Tx, id, eventType string) (bool, error)
	Seen(ctx context.Context, id string) (bool, error)
}

// TaskCoordinator is the part of tasks.Coordinator the events drive.
type TaskCoordinator interface {
	ApproveSubmission(ctx context.Context, p tasks.ApproveParams) (*tasks.ApproveResult, error)
	RejectSubmission(ctx context.Context, taskID uuid.UUID, submissionID, reason string) error
	CloseTask(ctx context.Context, p tasks.CloseParams) (*tasks.CloseResult, error)
}

// Outcome describes what happened to one event.
type Outcome struct {
	Type      string
	ID        string
	Duplicate bool
	// Transactions lists the ledger entries the event produced.
	Transactions []*models.Transaction
}

type Dispatcher struct {
	ledger   *ledger.Service
	tasks    TaskCoordinator
	events   EventStore
	db       ledger.TxBeginner
	envelope *jsonschema.Schema
	schemas  map[string]*jsonschema.Schema
	log      *slog.Logger
}

// NewDispatcher compiles the embedded event schemas.
func NewDispatcher(l *ledger.Service, tc TaskCoordinator, events EventStore, db ledger.TxBeginner, log *slog.Logger) (*Dispatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	c := jsonschema.NewCompiler()
	names := append([]string{"envelope"}, eventTypes...)
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", name, err)
		}
		if err := c.AddResource(schemaBaseURL+name+".json", bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
	}
	d := &Dispatcher{ledger: l, tasks: tc, events: events, db: db, schemas: make(map[string]*jsonschema.Schema), log: log}
	var err error
	if d.envelope, err = c.Compile(schemaBaseURL + "envelope.json"); err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	for _, t := range eventTypes {
		if d.schemas[t], err = c.Compile(schemaBaseURL + t + ".json"); err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", t, err)
		}
	}
	return d, nil
}

// Validate checks raw against the envelope schema and the schema of its type.
func (d *Dispatcher) Validate(raw []byte) (*Envelope, error) {
	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if err := d.envelope.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	data, err := decode(env.Data)
	if err != nil {
		return nil, err
	}
	if err := d.schemas[env.Type].Validate(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
	}
	return &env, nil
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidEvent, err)
	}
	return doc, nil
}

// Handle validates and applies one event. Repeated event ids are acknowledged as
// duplicates without side effects.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) (*Outcome, error) {
	env, err := d.Validate(raw)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Type: env.Type, ID: env.ID}
	seen, err := d.events.Seen(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	if seen {
		out.Duplicate = true
		return out, nil
	}

	mark := func(ctx context.Context, tx pgx.Tx, _ []*models.Transaction) error {
		fresh, err := d.events.MarkProcessed(ctx, tx, env.ID, env.Type)
		if err != nil {
			return err
		}
		if !fresh {
			return errDuplicateEvent
		}
		return nil
	}

	switch env.Type {
	case SubmissionApproved:
		err = d.submissionApproved(ctx, env, mark, out)
	case SubmissionRejected:
		err = d.submissionRejected(ctx, env, mark)
	case TaskClosed:
		err = d.taskClosed(ctx, env, mark, out)
	case WalletTopupConfirmed:
		err = d.walletTopup(ctx, env, mark, out)
	}
	if errors.Is(err, errDuplicateEvent) {
		out.Duplicate = true
		out.Transactions = nil
		return out, nil
	}
	if err != nil {
		d.log.Warn("workflow event failed", "event_id", env.ID, "type", env.Type, "error", err)
		return nil, err
	}
	d.log.Info("workflow event applied", "event_id", env.ID, "type", env.Type, "transactions", len(out.Transactions))
	return out, nil
}

type submissionData struct {
	TaskID       uuid.UUID `json:"taskId"`
	SubmissionID string    `json:"submissionId"`
	UserID       uuid.UUID `json:"userId"`
	Reason       string    `json:"reason"`
}

func (d *Dispatcher) submissionApproved(ctx context.Context, env *Envelope, mark ledger.TxFunc, out *Outcome) error {
	var data submissionData
	if err := unmarshalData(env, &data); err != nil {
		return err
	}
	res, err := d.tasks.ApproveSubmission(ctx, tasks.ApproveParams{
		TaskID: data.TaskID, SubmissionID: data.SubmissionID, UserID: data.UserID, After: mark,
	})
	if err != nil {
		return err
	}
	if res.Duplicate {
		// The submission was paid through another event; remember this one too.
		return d.markOnly(ctx, mark)
	}
	out.Transactions = append(out.Transactions, res.Reward)
	if res.Fee != nil {
		out.Transactions = append(out.Transactions, res.Fee)
	}
	return nil
}

func (d *Dispatcher) submissionRejected(ctx context.Context, env *Envelope, mark ledger.TxFunc) error {
	var data submissionData
	if err := unmarshalData(env, &data); err != nil {
		return err
	}
	if err := d.tasks.RejectSubmission(ctx, data.TaskID, data.SubmissionID, data.Reason); err != nil {
		return err
	}
	return d.markOnly(ctx, mark)
}

func (d *Dispatcher) taskClosed(ctx context.Context, env *Envelope, mark ledger.TxFunc, out *Outcome) error {
	var data struct {
		TaskID uuid.UUID `json:"taskId"`
	}
	if err := unmarshalData(env, &data); err != nil {
		return err
	}
	res, err := d.tasks.CloseTask(ctx, tasks.CloseParams{TaskID: data.TaskID, After: mark})
	if err != nil {
		return err
	}
	if res.Refund != nil {
		out.Transactions = append(out.Transactions, res.Refund)
	}
	return nil
}

func (d *Dispatcher) walletTopup(ctx context.Context, env *Envelope, mark ledger.TxFunc, out *Outcome) error {
	var data struct {
		AccountID uuid.UUID    `json:"accountId"`
		Amount    money.Amount `json:"amount"`
		Reference string       `json:"reference"`
	}
	if err := unmarshalData(env, &data); err != nil {
		return err
	}
	txn, err := d.ledger.Credit(ctx, ledger.CreditRequest{
		AccountID:   data.AccountID,
		Amount:      data.Amount.Decimal(),
		Category:    models.CategoryWalletTopup,
		Description: "Wallet top-up",
		Reference:   strings.TrimSpace(data.Reference),
		After:       mark,
	})
	if err != nil {
		return err
	}
	out.Transactions = append(out.Transactions, txn)
	return nil
}

func (d *Dispatcher) markOnly(ctx context.Context, mark ledger.TxFunc) error {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := mark(ctx, tx, nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func unmarshalData(env *Envelope, dst any) error {
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidEvent, env.Type, err)
	}
	return nil
}
