package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var jsonOutput bool

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "alertctl",
		Short:         "Operate the crop price alert engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	root.AddCommand(runCmd())
	root.AddCommand(testSendCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tokenCmd())

	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Evaluate every active subscription once and send due alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context())
		},
	}
}

func testSendCmd() *cobra.Command {
	var real bool

	cmd := &cobra.Command{
		Use:   "test-send <subscription-id>",
		Short: "Send a marked test notification for one subscription",
		Long: "Renders and sends a notification for one subscription regardless of its condition.\n" +
			"Nothing on the subscription changes unless --real is given, in which case the\n" +
			"normal evaluation, dispatch and state update run for that subscription.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestSend(cmd.Context(), args[0], real)
		},
	}

	cmd.Flags().BoolVar(&real, "real", false, "run the normal pipeline, including state writes")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		user  string
		admin bool
		ttl   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API (signed with JWT_SECRET)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(user, admin, ttl)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "subscriber id (default: random)")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().StringVar(&ttl, "ttl", "24h", "token lifetime")
	return cmd
}
