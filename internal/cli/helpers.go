package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lherron/boq/internal/bulk"
	"github.com/lherron/boq/internal/cli/appctx"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/id"
	"github.com/lherron/boq/internal/render"
)

// exitCodeError carries the process exit code for main.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

// ExitCode returns the exit code requested by err, 1 by default.
func ExitCode(err error) int {
	var e *exitCodeError
	if errors.As(err, &e) {
		return e.code
	}
	return 1
}

func newRenderer(app *appctx.App, cmd *cobra.Command) (*render.Renderer, error) {
	format, err := render.ParseFormat(app.Config.Output)
	if err != nil {
		return nil, exitError(2, err)
	}
	porcelain, _ := cmd.Flags().GetBool("porcelain")
	return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format, Porcelain: porcelain}), nil
}

// batchContext draws bulk progress on stderr when it is a terminal and the
// output is a table.
func batchContext(app *appctx.App, cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	f, ok := cmd.ErrOrStderr().(*os.File)
	if !ok || !bulk.IsTerminal(f) {
		return ctx
	}
	if format, _ := render.ParseFormat(app.Config.Output); format != render.FormatTable {
		return ctx
	}
	return bulk.WithProgress(ctx, f)
}

// resolveWorkID accepts W-00042, 42 or a work uuid.
func resolveWorkID(ctx context.Context, app *appctx.App, arg string) (int64, error) {
	ref, err := id.Parse(arg)
	if err != nil {
		return 0, exitError(2, err)
	}
	switch {
	case ref.UUID != "":
		found, err := app.Store.Works.GetByUUIDs(ctx, app.DB, []string{ref.UUID})
		if err != nil {
			return 0, err
		}
		w, ok := found[ref.UUID]
		if !ok {
			return 0, exitError(3, fmt.Errorf("work %s not found", ref.UUID))
		}
		return w.ID, nil
	case ref.Type == id.TypeWork:
		return ref.ID, nil
	default:
		return 0, exitError(2, fmt.Errorf("%s is not a work reference", arg))
	}
}

func resolveWorkIDs(ctx context.Context, app *appctx.App, args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		n, err := resolveWorkID(ctx, app, arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, n)
	}
	return ids, nil
}

// resolveUnitID accepts U-00003 or a bare number.
func resolveUnitID(arg string) (int64, error) {
	arg = strings.TrimSpace(arg)
	if n, err := strconv.ParseInt(arg, 10, 64); err == nil && n > 0 {
		return n, nil
	}
	ref, err := id.Parse(arg)
	if err != nil || ref.Type != id.TypeUnit {
		return 0, exitError(2, fmt.Errorf("invalid unit reference %q", arg))
	}
	return ref.ID, nil
}

// decodeFile reads JSON or YAML into v, chosen by extension. "-" reads stdin
// as JSON.
func decodeFile(path string, v any) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return exitError(2, fmt.Errorf("failed to parse %s: %w", path, err))
	}
	return nil
}

func formatWork(w *domain.Work) string {
	return id.FormatWork(w.ID)
}

func optString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// batchFailed turns a batch result with failures into a non-zero exit.
func batchFailed(failures int) error {
	if failures > 0 {
		return exitError(4, fmt.Errorf("%d record(s) failed", failures))
	}
	return nil
}
