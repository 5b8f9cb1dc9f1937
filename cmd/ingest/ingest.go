package ingest

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/pipeline"
)

// Command creates the command that submits image files for classification.
func Command(settings *conf.Settings) *cobra.Command {
	opts := pipeline.IngestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest [image files]",
		Short: "Submit captured images for classification",
		Long:  "Register image files as captured assets and run them through the classifier, leaving detections pending review.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipeline.IngestFiles(settings, args, opts)
		},
	}

	if err := setupFlags(cmd, &opts); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the ingest command.
func setupFlags(cmd *cobra.Command, opts *pipeline.IngestOptions) error {
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "Owner recorded on the image assets")
	cmd.Flags().StringVar(&opts.SiteHint, "sitehint", "", "Free-text site suggestion recorded on the image assets")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 4, "Number of concurrent classifier requests")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %v", err)
	}

	return nil
}
