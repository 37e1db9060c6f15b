package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/commshubhq/commshub/internal/config"
	"github.com/commshubhq/commshub/internal/db"
)

func main() {
	root := &cobra.Command{
		Use:   "commshub",
		Short: "Omnichannel conversation hub",
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API server, outbox workers, and mailbox pollers",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
			if err != nil {
				return err
			}
			if err := db.Migrate(cfg.Postgres); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
