package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bitrise-io/go-resumableupload/upload"
)

type rootFlags struct {
	FilePath    string
	ChunkSize   string
	Concurrency int
	MaxRetries  int
	CacheDir    string
}

var flags rootFlags

var rootCmd = &cobra.Command{
	Use:   "resumable-upload",
	Short: "Resumable chunked file uploads",
	Long: `resumable-upload splits a file into fixed-size chunks and uploads them
concurrently, resuming from the chunks the server already holds after an
interruption. The server deduplicates on the file's SHA-256 digest, so an
already-uploaded file finishes without sending a single byte.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.FilePath, "file", "f", "", "path of the file to upload (required)")
	rootCmd.PersistentFlags().StringVar(&flags.ChunkSize, "chunk-size", "5MB", "chunk size, e.g. 5MB, 512k")
	rootCmd.PersistentFlags().IntVar(&flags.Concurrency, "concurrency", upload.DefaultConcurrency, "number of chunks uploaded in parallel")
	rootCmd.PersistentFlags().IntVar(&flags.MaxRetries, "max-retries", upload.DefaultMaxRetries, "retries per chunk before the upload fails")
	rootCmd.PersistentFlags().StringVar(&flags.CacheDir, "cache-dir", "", "directory for the digest cache (disabled when empty)")

	viper.SetEnvPrefix("RESUMABLE_UPLOAD")
	viper.AutomaticEnv()

	_ = viper.BindPFlag("chunk_size", rootCmd.PersistentFlags().Lookup("chunk-size"))
	_ = viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	_ = viper.BindPFlag("max_retries", rootCmd.PersistentFlags().Lookup("max-retries"))
	_ = viper.BindPFlag("cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func validateRootFlags() error {
	if flags.FilePath == "" {
		return fmt.Errorf("file path is required")
	}
	if _, err := os.Stat(flags.FilePath); err != nil {
		return fmt.Errorf("file %s: %w", flags.FilePath, err)
	}
	return nil
}

func uploadConfig() (upload.Config, error) {
	chunkSize, err := upload.ParseChunkSize(viper.GetString("chunk_size"))
	if err != nil {
		return upload.Config{}, fmt.Errorf("invalid chunk size: %w", err)
	}
	return upload.Config{
		ChunkSize:   chunkSize,
		Concurrency: viper.GetInt("concurrency"),
		MaxRetries:  viper.GetInt("max_retries"),
	}, nil
}

// signalContext cancels on SIGINT/SIGTERM so an interrupted run leaves a
// session the next invocation can resume.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\ninterrupted, stopping upload...")
		cancel()
	}()

	return ctx
}
