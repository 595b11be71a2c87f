package main

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bitrise-io/go-resumableupload/upload/network"
)

type s3Flags struct {
	Region string
	Bucket string
}

var s3Opts s3Flags

var s3Cmd = &cobra.Command{
	Use:   "s3",
	Short: "Upload a file to an S3 bucket via multipart upload",
	Long: `Uploads a file to S3 using the multipart upload API. Chunks map to parts,
so an interrupted upload resumes from the parts S3 already holds. Credentials
come from the standard AWS environment variables or shared config.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateRootFlags(); err != nil {
			return err
		}
		if viper.GetString("bucket") == "" {
			return fmt.Errorf("bucket is required")
		}
		if viper.GetString("region") == "" {
			return fmt.Errorf("region is required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.NewLogger()
		transport, err := network.NewS3Transport(context.Background(), network.S3Config{
			Region: viper.GetString("region"),
			Bucket: viper.GetString("bucket"),
		}, logger)
		if err != nil {
			return fmt.Errorf("create S3 client: %w", err)
		}
		return runUpload(transport, logger)
	},
}

func init() {
	rootCmd.AddCommand(s3Cmd)

	s3Cmd.Flags().StringVar(&s3Opts.Region, "region", "", "AWS region of the bucket")
	s3Cmd.Flags().StringVar(&s3Opts.Bucket, "bucket", "", "target S3 bucket (required)")

	_ = viper.BindPFlag("region", s3Cmd.Flags().Lookup("region"))
	_ = viper.BindPFlag("bucket", s3Cmd.Flags().Lookup("bucket"))
}
