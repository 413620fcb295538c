package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketbrain/pocketbrain/internal/store"
)

func chatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage registered chats",
	}
	cmd.AddCommand(chatsListCmd(), chatsRegisterCmd(), chatsUnregisterCmd(), chatsRenameCmd())
	return cmd
}

func chatsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st := openStore(cfg)
			defer st.Close()

			chats, err := st.ListChats(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JID\tFOLDER\tNAME\tMAIN\tADDED")
			for _, c := range chats {
				main := ""
				if c.IsMain {
					main = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.JID, c.Folder, c.Name, main, c.AddedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func chatsRegisterCmd() *cobra.Command {
	var folder, name string
	var isMain bool
	cmd := &cobra.Command{
		Use:   "register <jid>",
		Short: "Register a chat for assistant responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st := openStore(cfg)
			defer st.Close()

			err := st.RegisterChat(context.Background(), store.Chat{
				JID:    args[0],
				Name:   name,
				Folder: folder,
				IsMain: isMain,
			})
			if err != nil {
				return err
			}
			fmt.Printf("registered %s as %s\n", args[0], folder)
			return nil
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "chat folder slug (lowercase, required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&isMain, "main", false, "designate as the main chat")
	cmd.MarkFlagRequired("folder")
	return cmd
}

func chatsUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <jid>",
		Short: "Unregister a chat; its session and tasks are removed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st := openStore(cfg)
			defer st.Close()

			if err := st.UnregisterChat(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("unregistered %s\n", args[0])
			return nil
		},
	}
}

func chatsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <jid> <name>",
		Short: "Update a chat's display name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st := openStore(cfg)
			defer st.Close()

			return st.RenameChat(context.Background(), args[0], args[1])
		},
	}
}
