package journal

import (
	"context"
	stdErrors "errors"
	"fmt"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/kv"
)

type ctxKey struct{}

// WithHandle returns a context carrying h. Writes made through Put and
// Delete with that context are journaled under h.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// FromContext returns the handle carried by ctx, or nil.
func FromContext(ctx context.Context) *Handle {
	h, _ := ctx.Value(ctxKey{}).(*Handle)
	return h
}

// track records the prior value of key the first time the transaction in
// ctx touches it. Without a transaction it does nothing.
func track(ctx context.Context, c kv.Collection, key string) error {
	h := FromContext(ctx)
	if h == nil {
		return nil
	}
	if h.journal == nil {
		return syncErrors.E(syncErrors.Op("journal.track"), syncErrors.Comp(component), syncErrors.KindInvalid,
			fmt.Errorf("transaction %q has no journal", h.ID))
	}
	if h.captured(c.Name(), key) {
		return nil
	}
	return h.journal.Capture(ctx, h, c, key)
}

// Put writes value under key in c, journaling the prior value first when
// ctx carries a transaction.
func Put(ctx context.Context, c kv.Collection, key string, value []byte) error {
	if err := track(ctx, c, key); err != nil {
		return err
	}
	return c.Put(ctx, key, value)
}

// Delete removes key from c, journaling the prior value first when ctx
// carries a transaction.
func Delete(ctx context.Context, c kv.Collection, key string) error {
	if err := track(ctx, c, key); err != nil {
		return err
	}
	return c.Delete(ctx, key)
}

// Run executes fn inside transaction id: it begins a handle, calls fn with
// the handle in its context, then commits. If fn returns an error or panics
// the transaction is rolled back. When ctx already carries a transaction fn
// joins it and Run neither begins nor commits.
func Run(ctx context.Context, j *Journal, id string, fn func(ctx context.Context) error) (err error) {
	if FromContext(ctx) != nil {
		return fn(ctx)
	}

	h, err := j.Begin(ctx, id)
	if err != nil {
		return err
	}
	txCtx := WithHandle(ctx, h)

	defer func() {
		if r := recover(); r != nil {
			_, _ = j.Rollback(context.WithoutCancel(ctx), h)
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		if _, rbErr := j.Rollback(context.WithoutCancel(ctx), h); rbErr != nil {
			return stdErrors.Join(err, rbErr)
		}
		return err
	}
	if err := j.Commit(ctx, h); err != nil {
		if _, rbErr := j.Rollback(context.WithoutCancel(ctx), h); rbErr != nil {
			return stdErrors.Join(err, rbErr)
		}
		return err
	}
	return nil
}
