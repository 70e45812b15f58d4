package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

// CloserFunc adapts a plain func to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// Drain runs one final flush bounded by ctx, then closes closers in order.
// A failed flush is logged and does not stop the closers; whatever was not
// flushed stays queued for the next start.
func Drain(ctx context.Context, f *Flusher, closers ...io.Closer) error {
	var errs []error

	res, err := f.Flush(ctx)
	if err != nil {
		f.logger.ErrorContext(ctx, "final flush failed, items remain queued", logging.Error(err))
		errs = append(errs, err)
	} else {
		f.logger.InfoContext(ctx, "final flush complete",
			slog.Int("inserted", res.Inserted),
			slog.Int("skipped", res.Skipped),
		)
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			f.logger.WarnContext(ctx, "close failed during drain", logging.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
