package main

import (
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/bitrise-io/go-resumableupload/upload"
	"github.com/bitrise-io/go-resumableupload/upload/network"
	"github.com/bitrise-io/go-resumableupload/upload/statestore"
)

// runUpload drives one engine to a terminal state, printing progress along the
// way. An interrupt aborts the session.
func runUpload(transport network.Transport, logger log.Logger) error {
	config, err := uploadConfig()
	if err != nil {
		return err
	}

	done := make(chan error, 1)

	var mu sync.Mutex
	var lastPercent int
	sentByChunk := map[int]int64{}
	printLine := func() {
		var sentTotal int64
		for _, sent := range sentByChunk {
			sentTotal += sent
		}
		fmt.Printf("\r%3d%% (%s sent)", lastPercent, units.HumanSizeWithPrecision(float64(sentTotal), 3))
	}

	callbacks := upload.Callbacks{
		OnProgress: func(percent float64) {
			mu.Lock()
			defer mu.Unlock()
			if int(percent) > lastPercent {
				lastPercent = int(percent)
				printLine()
			}
		},
		OnChunkBytes: func(index int, sent, total int64) {
			mu.Lock()
			defer mu.Unlock()
			sentByChunk[index] = sent
			printLine()
		},
		OnSuccess: func(result network.FinalResult) {
			fmt.Println()
			if result.AlreadyUploaded {
				logger.Donef("File already uploaded (session %s)", result.UploadID)
			} else {
				logger.Donef("Upload complete: %s", result.Location)
			}
			done <- nil
		},
		OnError: func(err error) {
			fmt.Println()
			done <- err
		},
	}

	engine, err := upload.NewEngine(flags.FilePath, transport, config, callbacks, logger)
	if err != nil {
		return err
	}

	if cacheDir := viper.GetString("cache_dir"); cacheDir != "" {
		store, err := statestore.Open(cacheDir)
		if err != nil {
			logger.Warnf("Digest cache unavailable: %s", err)
		} else {
			defer func() {
				if err := store.Close(); err != nil {
					logger.Warnf("Close digest cache: %s", err)
				}
			}()
			engine.UseDigestCache(store)
		}
	}

	ctx := signalContext()
	if err := engine.Start(); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		engine.Abort()
		return fmt.Errorf("upload aborted")
	}
}
