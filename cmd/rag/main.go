package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ragchat/internal/app"
	"ragchat/internal/config"
	"ragchat/internal/service"
	"ragchat/internal/summarizer"
	"ragchat/internal/tui"
	"ragchat/internal/watcher"
)

func main() {
	_ = godotenv.Load()

	var (
		cfgPath string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:           "rag",
		Short:         "Ask questions about a document with retrieval-augmented generation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file (default ./config.yaml or ~/.config/rag/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	var force, watch bool
	ingestCmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Chunk, embed and index a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd.OutOrStdout(), cfgPath, verbose, args[0], force, watch)
		},
	}
	ingestCmd.Flags().BoolVar(&force, "force", false, "Rebuild the index even if a valid one exists")
	ingestCmd.Flags().BoolVar(&watch, "watch", false, "Keep running and rebuild the index whenever the file changes")

	var (
		topK       int
		jsonOutput bool
	)
	queryCmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Print the chunks most relevant to a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), cmd.OutOrStdout(), cfgPath, verbose, strings.Join(args, " "), topK, jsonOutput)
		},
	}
	queryCmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of chunks to return (default from config)")
	queryCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	var document string
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start the interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cfgPath, verbose, document)
		},
	}
	chatCmd.Flags().StringVar(&document, "document", "", "Document to index when no index exists yet")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	var overwrite bool
	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigInit(cmd.OutOrStdout(), path, overwrite)
		},
	}
	configInitCmd.Flags().BoolVar(&overwrite, "force", false, "Overwrite an existing file")
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, data)
			return nil
		},
	}
	configCmd.AddCommand(configInitCmd, configShowCmd)

	rootCmd.AddCommand(ingestCmd, queryCmd, chatCmd, configCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.AppConfig, string, error) {
	if path == "" {
		cfg, p, err := config.LoadDefault()
		if err != nil {
			return nil, "", fmt.Errorf("load config: %w", err)
		}
		return cfg, p, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func buildApp(ctx context.Context, cfgPath string, verbose bool, logOut io.Writer, adjust func(*config.AppConfig)) (*app.App, error) {
	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if adjust != nil {
		adjust(cfg)
	}
	return app.New(ctx, cfg, logOut)
}

func runIngest(ctx context.Context, out io.Writer, cfgPath string, verbose bool, path string, force, watch bool) error {
	a, err := buildApp(ctx, cfgPath, verbose, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Retriever.Ingest(ctx, path, force)
	if err != nil {
		return err
	}
	if report.Reused {
		fmt.Fprintf(out, "Index already exists (%d chunks); use --force to rebuild from %s\n", report.Chunks, report.Source)
	} else {
		fmt.Fprintf(out, "Indexed %d chunks from %s\n", report.Chunks, report.Source)
	}
	if !watch {
		return nil
	}

	fmt.Fprintf(out, "Watching %s for changes (Ctrl+C to stop)\n", path)
	return watcher.Watch(ctx, path, func(ctx context.Context) error {
		report, err := a.Retriever.Ingest(ctx, path, true)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Reindexed %d chunks from %s\n", report.Chunks, report.Source)
		return nil
	}, watcher.Options{Logger: a.Logger})
}

type queryResult struct {
	Rank       int     `json:"rank"`
	Score      float64 `json:"score"`
	Source     string  `json:"source"`
	StartIndex int     `json:"start_index"`
	Content    string  `json:"content"`
}

func runQuery(ctx context.Context, out io.Writer, cfgPath string, verbose bool, query string, k int, asJSON bool) error {
	a, err := buildApp(ctx, cfgPath, verbose, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Retriever.Init(ctx) == service.StateEmpty {
		return errors.New("no index available: run `rag ingest <file>` or set retriever.document")
	}
	results, err := a.Retriever.Retrieve(ctx, query, k)
	if err != nil {
		return err
	}

	rows := make([]queryResult, len(results))
	for i, r := range results {
		rows[i] = queryResult{Rank: i + 1, Score: r.Score, Source: r.Chunk.Source, StartIndex: r.Chunk.StartIndex, Content: r.Chunk.Content}
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No matching chunks.")
		return nil
	}
	for _, r := range rows {
		fmt.Fprintf(out, "Source %d (score: %.4f)\nFrom: %s\nContent preview: %s\n\n",
			r.Rank, r.Score, r.Source, summarizer.Truncate(strings.TrimSpace(r.Content), 150))
	}
	return nil
}

func runChat(ctx context.Context, cfgPath string, verbose bool, document string) error {
	// Log lines would tear the alt screen, so they go to a file or nowhere.
	var logOut io.Writer = io.Discard
	if verbose {
		f, err := tea.LogToFile("rag-debug.log", "")
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}

	a, err := buildApp(ctx, cfgPath, verbose, logOut, func(cfg *config.AppConfig) {
		if document != "" {
			cfg.Retriever.Document = document
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	state := a.Retriever.Init(ctx)
	session, err := a.NewSession()
	if err != nil {
		return err
	}

	stats := a.Retriever.Stats()
	info := fmt.Sprintf("index %s: %d chunks", state, stats.Chunks)
	if stats.Source != "" {
		info += " from " + stats.Source
	}
	if state == service.StateEmpty {
		info = "No index: restart with --document <file> or run `rag ingest <file>`."
	}

	m := tui.New(ctx, session, info)
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func runConfigInit(out io.Writer, path string, overwrite bool) error {
	if path == "" {
		p, err := config.DefaultUserConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote default configuration to %s\n", path)
	return nil
}
