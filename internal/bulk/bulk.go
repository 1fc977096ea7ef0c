// Package bulk runs an operation over a list of items in fixed-size batches.
// Each batch is an independent unit of work: a failed batch does not undo
// the batches before it and, with ContinueOnError, does not stop the ones after.
package bulk

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lherron/boq/internal/domain"
)

// Batch size bounds shared by every batched engine.
const (
	DefaultBatchSize = 100
	MaxBatchSize     = 1000
)

// Operation represents a bulk operation configuration
type Operation struct {
	BatchSize       int
	ContinueOnError bool
}

// Result represents the result of a bulk operation
type Result struct {
	TotalItems    int
	Succeeded     int
	Failed        int
	Batches       int
	FailedBatches int
	Errors        domain.ErrorList
}

// Batch collects per-item outcomes while a BatchFunc runs. Outcomes only
// count once the BatchFunc returns nil.
type Batch struct {
	Index     int
	succeeded int
	failed    int
	errs      []error
}

// Succeed records one item that was applied.
func (b *Batch) Succeed() {
	b.succeeded++
}

// Fail records one item that was rejected. Rejected items never roll back
// the batch.
func (b *Batch) Fail(err error) {
	b.failed++
	b.errs = append(b.errs, err)
}

// Note records an additional error for an item already counted.
func (b *Batch) Note(err error) {
	b.errs = append(b.errs, err)
}

// BatchFunc processes one batch. Returning an error marks the whole batch as
// failed, including items already recorded as succeeded.
type BatchFunc[T any] func(ctx context.Context, batch *Batch, items []T) error

// NormalizeBatchSize clamps n into [1, MaxBatchSize], mapping 0 to the default.
func NormalizeBatchSize(n int) int {
	switch {
	case n <= 0:
		return DefaultBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	default:
		return n
	}
}

// Chunks splits items into consecutive slices of at most size elements.
func Chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// Run executes fn over items batch by batch, in order.
func Run[T any](ctx context.Context, op Operation, items []T, fn BatchFunc[T]) *Result {
	result := &Result{TotalItems: len(items)}
	if len(items) == 0 {
		return result
	}

	chunks := Chunks(items, NormalizeBatchSize(op.BatchSize))
	progress := progressFrom(ctx)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			result.Errors.Add(domain.Critical(err, "stopped before batch %d", i+1))
			result.Failed += remaining(chunks[i:])
			break
		}

		if progress != nil {
			fmt.Fprintf(progress, "\rProcessing batch %d/%d [%s]", i+1, len(chunks), progressBar(i+1, len(chunks), 20))
		}

		batch := &Batch{Index: i}
		err := fn(ctx, batch, chunk)
		result.Batches++

		for _, e := range batch.errs {
			result.Errors.Add(e)
		}

		if err != nil {
			result.FailedBatches++
			result.Failed += len(chunk)
			result.Errors.Add(fmt.Errorf("batch %d failed: %w", i+1, err))
			if !op.ContinueOnError {
				result.Failed += remaining(chunks[i+1:])
				break
			}
			continue
		}

		result.Succeeded += batch.succeeded
		result.Failed += batch.failed
	}

	// Clear progress line
	if progress != nil {
		fmt.Fprint(progress, "\r\033[K")
	}

	return result
}

func remaining[T any](chunks [][]T) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}

type progressKey struct{}

// WithProgress returns a context under which Run draws a batch progress bar
// on w.
func WithProgress(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, progressKey{}, w)
}

func progressFrom(ctx context.Context) io.Writer {
	w, _ := ctx.Value(progressKey{}).(io.Writer)
	return w
}

func progressBar(done, total, width int) string {
	filled := min(done*width/total, width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// IsTerminal reports whether f is a character device.
func IsTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
