package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "notify",
	Short: "Notification engine for storefront events",
	Long: `A service that turns storefront events into scheduled notifications.
Events arrive over HTTP or Azure Service Bus, get matched against
tenant-authored rules, and the resulting notifications are delivered by
a background worker with retries and a full attempt audit trail.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
}
