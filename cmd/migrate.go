package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// migrateCmd applies pending schema migrations and exits. Opening the
// store runs them; this exists so deployments can migrate ahead of a
// rolling restart.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg := loadConfig()
			st := openStore(cfg)
			defer st.Close()
			fmt.Println("migrations applied")
		},
	}
}
