package iam

import (
	"context"

	"hisadmin.org/internal/audit"
)

// audited runs entity mutations and their audit record in one transaction.
type audited struct {
	tx    Transactor
	trail *audit.Trail
}

// run executes fn and records the event it returns as the last step of the
// transaction. Once started the effect is not cancellable by the caller.
func (a audited) run(ctx context.Context, fn func(ctx context.Context) (audit.Event, error)) error {
	ctx = context.WithoutCancel(ctx)
	return a.tx.InTx(ctx, func(ctx context.Context) error {
		ev, err := fn(ctx)
		if err != nil {
			return err
		}
		_, err = a.trail.Record(ctx, ev)
		return err
	})
}
