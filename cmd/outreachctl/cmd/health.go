package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/outreach/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the outreach services",
	Long:  `Check database and Redis connectivity and the last heartbeat of each worker role.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var st health.Status
		err := callAPI(ctx, serverAddr, "GET", "/healthz", nil, &st)
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			fmt.Printf("✗ Service is unhealthy (HTTP %d)\n", apiErr.Status)
			return nil
		}
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			printOutput(st)
			return nil
		}
		fmt.Println("✓ Service is healthy")
		roles := make([]string, 0, len(st.Workers))
		for role := range st.Workers {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			fmt.Printf("  %s: %s\n", role, st.Workers[role])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
