// Package example wires the coordinator stack end to end: an account
// transfer saga over the in-memory store, a two-phase participant that
// freezes funds before the commit decision, and a batch reindex run.
package example

import (
	"context"
	"time"

	"github.com/demdxx/gocast"
	"github.com/pkg/errors"

	"txcoord/coordinator"
	"txcoord/saga"
	"txcoord/store"
	"txcoord/store/memstore"
	"txcoord/txerror"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

const lockWait = 3 * time.Second

func accountKey(id string) string { return "account/" + id }

func frozenKey(txID, participant string) string {
	return "frozen/" + txID + "/" + participant
}

// Balance reads a committed account balance.
func Balance(db *memstore.Store, accountID string) int64 {
	value, ok := db.Get(accountKey(accountID))
	if !ok {
		return 0
	}
	return gocast.ToInt64(value)
}

// adjustBalance moves an account by delta inside the given transaction.
func adjustBalance(ctx context.Context, txc *coordinator.TxContext, accountID string, delta int64) error {
	return txc.Exec(ctx, func(_ context.Context, handle any) error {
		h := handle.(*memstore.Handle)
		current, _ := h.Get(accountKey(accountID))
		balance := gocast.ToInt64(current) + delta
		if balance < 0 {
			return txerror.New(txerror.ConstraintViolation,
				errors.WithMessagef(ErrInsufficientFunds, "account %s", accountID))
		}
		h.Put(accountKey(accountID), balance)
		return nil
	})
}

// TransferSteps builds the saga moving amount from one account to another:
// debit first, credit second, each with its inverse as compensation.
func TransferSteps(from, to string, amount int64) []saga.Step {
	return []saga.Step{
		{
			Name: "debit_" + from,
			Action: func(ctx context.Context, txc *coordinator.TxContext) (any, error) {
				return amount, adjustBalance(ctx, txc, from, -amount)
			},
			Compensation: func(ctx context.Context, txc *coordinator.TxContext, result any) error {
				return adjustBalance(ctx, txc, from, gocast.ToInt64(result))
			},
		},
		{
			Name: "credit_" + to,
			Action: func(ctx context.Context, txc *coordinator.TxContext) (any, error) {
				return amount, adjustBalance(ctx, txc, to, amount)
			},
			Compensation: func(ctx context.Context, txc *coordinator.TxContext, result any) error {
				return adjustBalance(ctx, txc, to, -gocast.ToInt64(result))
			},
		},
	}
}

// AccountParticipant is a two-phase participant over one account. Prepare
// freezes the requested amount under a per-transaction key; the commit
// decision either applies or releases the freeze. Both are idempotent: a
// replayed decision finds no frozen entry and does nothing.
type AccountParticipant struct {
	name      string
	accountID string
	coord     *coordinator.Coordinator
}

func NewAccountParticipant(name, accountID string, coord *coordinator.Coordinator) *AccountParticipant {
	return &AccountParticipant{name: name, accountID: accountID, coord: coord}
}

func (p *AccountParticipant) Name() string { return p.name }

func (p *AccountParticipant) Prepare(ctx context.Context, req *saga.PrepareRequest) (saga.PreparedHandle, error) {
	amount := gocast.ToInt64(req.Data["amount"])
	key := frozenKey(req.TxID, p.name)

	err := p.coord.Run(ctx, func(ctx context.Context, txc *coordinator.TxContext) error {
		if _, err := txc.AcquireLock(ctx, accountKey(p.accountID), store.LockExclusive, lockWait); err != nil {
			return err
		}
		if err := adjustBalance(ctx, txc, p.accountID, -amount); err != nil {
			return err
		}
		return txc.Exec(ctx, func(_ context.Context, handle any) error {
			handle.(*memstore.Handle).Put(key, amount)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (p *AccountParticipant) Commit(ctx context.Context, handle saga.PreparedHandle) error {
	// The freeze already moved the funds out; committing just discards it.
	return p.clearFreeze(ctx, gocast.ToString(handle))
}

func (p *AccountParticipant) Abort(ctx context.Context, handle saga.PreparedHandle) error {
	key := gocast.ToString(handle)
	return p.coord.Run(ctx, func(ctx context.Context, txc *coordinator.TxContext) error {
		var amount int64
		err := txc.Exec(ctx, func(_ context.Context, h any) error {
			value, ok := h.(*memstore.Handle).Get(key)
			if !ok {
				return nil // already aborted
			}
			amount = gocast.ToInt64(value)
			return nil
		})
		if err != nil || amount == 0 {
			return err
		}
		if err := adjustBalance(ctx, txc, p.accountID, amount); err != nil {
			return err
		}
		return txc.Exec(ctx, func(_ context.Context, h any) error {
			h.(*memstore.Handle).Delete(key)
			return nil
		})
	})
}

func (p *AccountParticipant) clearFreeze(ctx context.Context, key string) error {
	return p.coord.Run(ctx, func(ctx context.Context, txc *coordinator.TxContext) error {
		return txc.Exec(ctx, func(_ context.Context, h any) error {
			h.(*memstore.Handle).Delete(key)
			return nil
		})
	})
}
