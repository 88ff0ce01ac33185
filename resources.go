package amqpx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Resources bundles the shared clients a handler works against. They are
// acquired once by the owning process and handed to handlers explicitly,
// instead of handlers reaching into process-wide singletons.
type Resources struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

// Close releases both clients. Each close is attempted even if the other
// fails.
func (r *Resources) Close(logger zerolog.Logger) {
	if r.DB != nil {
		r.DB.Close()
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close failed")
		}
	}
}

// TxHandler runs each invocation inside a database transaction with the cache
// client passed alongside. The transaction commits only on a Success outcome;
// any declared failure, unexpected error, or panic rolls it back, so a
// half-processed message leaves no partial writes behind.
type TxHandler struct {
	Resources  Resources
	HandleFunc func(ctx context.Context, tx pgx.Tx, rdb *redis.Client, doc Document) (Outcome, error)
}

func (h *TxHandler) Handle(ctx context.Context, doc Document) (Outcome, error) {
	tx, err := h.Resources.DB.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin transaction: %w", err)
	}
	// Rollback after a successful commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := h.HandleFunc(ctx, tx, h.Resources.Redis, doc)
	if err != nil {
		return out, err
	}
	if !out.Success {
		return out, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("commit transaction: %w", err)
	}
	return out, nil
}
