package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"forwarding-audit-go/internal/app"
)

func main() {
	root := &cobra.Command{
		Use:           "forwarding-audit",
		Short:         "Audit email auto-forwarding rules and generate PDF reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), importCmd(), reportCmd())

	if err := root.Execute(); err != nil {
		logrus.Errorf("application error: %v", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the report workers, scheduler and operational endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run()
		},
	}
}
