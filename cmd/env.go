package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/engine"
)

// openEngine validates the store settings and opens the engine. Callers
// own the Close.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	return engine.Open(ctx, cfg)
}

// withEngine runs fn against a freshly opened engine.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck
	return fn(ctx, eng)
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "write output")
}

// readJSONInput decodes a JSON document from path, or from stdin when path
// is "-".
func readJSONInput(cmd *cobra.Command, path string, v any) error {
	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}
	return eris.Wrapf(json.Unmarshal(data, v), "decode %s", path)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" {
		return nil, eris.New("an input file is required (use - for stdin)")
	}
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return data, eris.Wrap(err, "read stdin")
	}
	data, err := os.ReadFile(path)
	return data, eris.Wrapf(err, "read %s", path)
}
