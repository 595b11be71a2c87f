package main

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bitrise-io/go-resumableupload/upload/network"
)

type httpFlags struct {
	Endpoint string
	Token    string
	Compress bool
}

var httpOpts httpFlags

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Upload a file to a chunk-upload HTTP service",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateRootFlags(); err != nil {
			return err
		}
		if viper.GetString("endpoint") == "" {
			return fmt.Errorf("endpoint is required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.NewLogger()
		transport := network.NewAPITransport(network.APIConfig{
			BaseURL:        viper.GetString("endpoint"),
			Token:          viper.GetString("token"),
			CompressChunks: httpOpts.Compress,
		}, logger)
		return runUpload(transport, logger)
	},
}

func init() {
	rootCmd.AddCommand(httpCmd)

	httpCmd.Flags().StringVar(&httpOpts.Endpoint, "endpoint", "", "base URL of the upload service (required)")
	httpCmd.Flags().StringVar(&httpOpts.Token, "token", "", "bearer token for the upload service")
	httpCmd.Flags().BoolVar(&httpOpts.Compress, "compress", false, "zstd-compress chunk bodies")

	_ = viper.BindPFlag("endpoint", httpCmd.Flags().Lookup("endpoint"))
	_ = viper.BindPFlag("token", httpCmd.Flags().Lookup("token"))
}
