package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ochronus/engineapi/internal/app"
	"github.com/ochronus/engineapi/internal/batch"
	"github.com/ochronus/engineapi/internal/config"
	"github.com/ochronus/engineapi/internal/endpoint"
	"github.com/ochronus/engineapi/internal/mockengine"
	"github.com/ochronus/engineapi/internal/utils"
	"github.com/ochronus/engineapi/pkg/engine"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	configPath string
	baseURL    string
	mockJobs   []string
	streamOpts streamFlags
)

type streamFlags struct {
	compressed bool
	gzip       bool
	chunked    bool
	close      bool
}

func main() {
	// Get default config path
	defaultConfigPath, err := config.DefaultConfigPath()
	if err != nil {
		defaultConfigPath = "./config.toml"
	}

	// Root command
	rootCmd := &cobra.Command{
		Use:   "engineapi",
		Short: "Client for the analytics engine REST API",
		Long:  "Uploads data to analytics engine jobs, in one stream or in chunks, and runs a local mock of the engine API.",
	}

	// Stream-file command
	streamFileCmd := &cobra.Command{
		Use:   "stream-file <data_endpoint_url> <data_file>",
		Short: "Upload a file to one or more jobs",
		Long: "Upload a file to the jobs addressed by a data endpoint such as\n" +
			"http://localhost:8080/engine/v2/data/farequote. Several comma separated job ids\n" +
			"receive the same data.",
		Args: cobra.ExactArgs(2),
		RunE: streamFile,
	}
	streamFileCmd.Flags().BoolVar(&streamOpts.compressed, "compressed", false, "The file is already gzip compressed")
	streamFileCmd.Flags().BoolVar(&streamOpts.gzip, "gzip", false, "Compress the file while sending it")
	streamFileCmd.Flags().BoolVar(&streamOpts.chunked, "chunked", false, "Send the file in 4 MiB requests instead of one stream")
	streamFileCmd.Flags().BoolVar(&streamOpts.close, "close", false, "Close the jobs after the upload")
	streamFileCmd.MarkFlagsMutuallyExclusive("compressed", "gzip")
	streamFileCmd.MarkFlagsMutuallyExclusive("chunked", "compressed")
	streamFileCmd.MarkFlagsMutuallyExclusive("chunked", "gzip")

	// Upload-batch command
	uploadBatchCmd := &cobra.Command{
		Use:   "upload-batch",
		Short: "Upload the files listed in the config in parallel",
		RunE:  uploadBatch,
	}
	uploadBatchCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")

	// Mock-server command
	mockServerCmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run an in-memory engine for local testing",
		RunE:  runMockServer,
	}
	mockServerCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	mockServerCmd.Flags().StringSliceVar(&mockJobs, "job", nil, "Job ids to create at startup")

	// Generate-config command
	generateConfigCmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return utils.GenerateConfig(configPath, baseURL)
		},
	}
	generateConfigCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	generateConfigCmd.Flags().StringVar(&baseURL, "base-url", config.DefaultConfig().BaseURL, "Engine API base URL")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("engineapi version %s\n", version)
		},
	}

	rootCmd.AddCommand(streamFileCmd)
	rootCmd.AddCommand(uploadBatchCmd)
	rootCmd.AddCommand(mockServerCmd)
	rootCmd.AddCommand(generateConfigCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func streamFile(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base, jobIDs, err := endpoint.Parse(args[0])
	if err != nil {
		return err
	}
	if streamOpts.chunked && len(jobIDs) > 1 {
		return fmt.Errorf("chunked uploads address a single job, got %d", len(jobIDs))
	}

	cfg := config.DefaultConfig()
	cfg.BaseURL = base
	container, err := app.NewContainer(cfg, app.WithEngineValidation(false))
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}
	defer container.Close()
	client := container.Engine

	file, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("failed to open data file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat data file: %w", err)
	}

	start := time.Now()
	var result *engine.MultiDataPostResult
	if streamOpts.chunked {
		var chunked *engine.ChunkedUploadResult
		chunked, err = client.ChunkedUpload(ctx, jobIDs[0], file)
		file.Close()
		if err == nil {
			err = chunked.Err()
			fmt.Printf("Sent %d chunks, %d rejected\n", chunked.Chunks, len(chunked.Failures))
			result = &engine.MultiDataPostResult{Responses: []engine.DataPostResponse{{
				JobID:         jobIDs[0],
				UploadSummary: chunked.Totals,
			}}}
		}
	} else {
		opts := engine.UploadOptions{Compressed: streamOpts.compressed, Gzip: streamOpts.gzip}
		if len(jobIDs) == 1 {
			result, err = client.StreamingUpload(ctx, jobIDs[0], file, opts)
		} else {
			result, err = client.StreamingUploadMulti(ctx, jobIDs, file, opts)
		}
	}
	elapsed := time.Since(start)

	var transportErr *engine.TransportError
	if errors.As(err, &transportErr) {
		return fmt.Errorf("upload failed after %s: %w", elapsed.Round(time.Millisecond), err)
	}
	if result == nil {
		result = &engine.MultiDataPostResult{}
	}

	fmt.Printf("Uploaded %s\n", utils.TransferSummary(info.Size(), elapsed))
	rejected := 0
	for _, resp := range result.Responses {
		if resp.Error != nil {
			rejected++
			fmt.Printf("  %s: rejected: %s\n", resp.JobID, resp.Error)
			continue
		}
		fmt.Printf("  %s: %s\n", resp.JobID, utils.CountsSummary(resp.UploadSummary))
	}
	if err != nil && len(result.Responses) == 0 {
		fmt.Printf("  rejected: %s\n", err)
	}

	if streamOpts.close {
		for _, id := range jobIDs {
			if resp, ok := result.Response(id); ok && resp.Error != nil {
				continue
			}
			if _, cerr := client.CloseJob(ctx, id); cerr != nil {
				fmt.Printf("  %s: failed to close: %s\n", id, cerr)
				if err == nil {
					err = cerr
				}
				continue
			}
			fmt.Printf("  %s: closed\n", id)
		}
	}

	if err != nil || rejected > 0 {
		return fmt.Errorf("upload to %s was not fully accepted", args[0])
	}
	return nil
}

func uploadBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jobs := batch.JobsFromConfig(cfg)
	if len(jobs) == 0 {
		return fmt.Errorf("no [[uploads]] in %s", configPath)
	}

	// Build container with shared dependencies
	container, err := app.NewContainer(cfg)
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}
	defer container.Close()

	container.Logger.Infof("Starting engineapi %s, %d uploads on %d workers", version, len(jobs), cfg.UploadWorkers)

	failed := 0
	for _, r := range batch.NewManager(container).Run(ctx, jobs) {
		if r.Status != batch.StatusSuccess {
			failed++
			fmt.Printf("%s %s: %v\n", r.Job, r.Status, r.Err)
			continue
		}
		line := fmt.Sprintf("%s %s: %s, %s", r.Job, r.Status, utils.TransferSummary(r.Bytes, r.Duration), utils.CountsSummary(r.Counts))
		if r.Closed {
			line += ", closed"
		}
		fmt.Println(line)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(jobs))
	}
	return nil
}

func runMockServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	container, err := app.NewContainer(cfg, app.WithEngineValidation(false))
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}
	defer container.Close()

	eng := mockengine.New(container.Logger, mockengine.Options{})
	for _, id := range mockJobs {
		eng.AddJob(id)
	}

	container.Logger.Infof("Starting engineapi mock server, version %s", version)
	server := mockengine.NewServer(cfg, container.Logger, eng)
	return server.StartWithContext(ctx)
}
