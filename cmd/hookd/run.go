package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/hookd/internal/config"
	"github.com/jkaninda/hookd/internal/sandbox"
)

var (
	runConfigPath string
	runBody       string
	runQuery      string
	runUser       string
	runTimeout    time.Duration
	runRepos      []string
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Execute one script file in the sandbox and print its result",
	Long: `Run executes a single code body against a context built from flags,
using the storage and sandbox settings of --config when given.
The result is printed as JSON on stdout; $logs entries go to stderr.`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "optional config file for storage and sandbox settings")
	runCmd.Flags().StringVar(&runBody, "body", "", "request body as JSON")
	runCmd.Flags().StringVar(&runQuery, "query", "", "query string, e.g. page=2&tag=a")
	runCmd.Flags().StringVar(&runUser, "user", "", "authenticated user as JSON")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "execution deadline (default: sandbox timeout)")
	runCmd.Flags().StringSliceVar(&runRepos, "repos", nil, "collections exposed as $repos")
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if runConfigPath != "" {
		loaded, err := config.Load(runConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	live, _ := sc.Caps.NewContext(runRepos, logger)
	if err := fillFromFlags(live); err != nil {
		return err
	}

	result, err := sc.Executor.Execute(ctx, string(code), live, runTimeout)
	if err != nil {
		ee := sandbox.Classify(err)
		if ee.Kind == sandbox.KindUserScript && ee.Stack != "" {
			fmt.Fprintln(os.Stderr, ee.Stack)
		}
		return ee
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// fillFromFlags populates the request fields of live from run's flags.
func fillFromFlags(live *sandbox.ExecutionContext) error {
	if runBody != "" {
		if err := json.Unmarshal([]byte(runBody), &live.Body); err != nil {
			return fmt.Errorf("parsing --body: %w", err)
		}
	}
	if runUser != "" {
		if err := json.Unmarshal([]byte(runUser), &live.User); err != nil {
			return fmt.Errorf("parsing --user: %w", err)
		}
	}
	live.Query = map[string]any{}
	if runQuery != "" {
		values, err := url.ParseQuery(runQuery)
		if err != nil {
			return fmt.Errorf("parsing --query: %w", err)
		}
		for k, vs := range values {
			if len(vs) == 1 {
				live.Query[k] = vs[0]
				continue
			}
			arr := make([]any, len(vs))
			for i, v := range vs {
				arr[i] = v
			}
			live.Query[k] = arr
		}
	}
	live.Params = map[string]any{}
	return nil
}
