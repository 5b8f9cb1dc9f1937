package serve

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/pipeline"
)

// Command creates the command that runs the HTTP API server.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the census pipeline HTTP API",
		Long:  "Start the review, allocation and aggregation API and serve it until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipeline.RunServer(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.WebServer.Port, "port", viper.GetString("webserver.port"), "Port for HTTP API server")
	cmd.Flags().IntVar(&settings.Review.BatchLimit, "batchlimit", viper.GetInt("review.batchlimit"), "Maximum number of ids in one batch review")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %v", err)
	}

	return nil
}
