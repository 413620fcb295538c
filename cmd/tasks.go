package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pocketbrain/pocketbrain/internal/scheduler"
	"github.com/pocketbrain/pocketbrain/internal/store"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(tasksListCmd(), tasksAddCmd(), tasksPauseCmd(), tasksResumeCmd(), tasksCancelCmd())
	return cmd
}

func tasksListCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st := openStore(cfg)
			defer st.Close()

			ctx := context.Background()
			var tasks []store.ScheduledTask
			var err error
			if folder != "" {
				tasks, err = st.ListTasksByFolder(ctx, folder)
			} else {
				tasks, err = st.ListTasks(ctx)
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFOLDER\tKIND\tVALUE\tSTATUS\tNEXT RUN")
			for _, t := range tasks {
				next := "-"
				if t.NextRun != nil {
					next = t.NextRun.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.ChatFolder, t.ScheduleKind, t.ScheduleVal, t.Status, next)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "only tasks owned by this chat folder")
	return cmd
}

func tasksAddCmd() *cobra.Command {
	var targetJID, kind, value, mode string
	cmd := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Schedule a task for a registered chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			st := openStore(cfg)
			defer st.Close()

			ctx := context.Background()
			chat, err := st.GetChat(ctx, targetJID)
			if err != nil {
				return err
			}
			now := time.Now()
			if err := scheduler.ValidateSpec(kind, value, now); err != nil {
				return err
			}
			next, err := scheduler.FirstRun(kind, value, now, loc)
			if err != nil {
				return err
			}
			task := &store.ScheduledTask{
				ID:           uuid.NewString(),
				ChatFolder:   chat.Folder,
				ChatJID:      chat.JID,
				Prompt:       args[0],
				ScheduleKind: kind,
				ScheduleVal:  value,
				ContextMode:  mode,
				NextRun:      next,
				Status:       store.TaskActive,
			}
			if err := st.CreateTask(ctx, task); err != nil {
				return err
			}
			fmt.Printf("task %s scheduled, next run %s\n", task.ID, next.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&targetJID, "jid", "", "target chat JID (required)")
	cmd.Flags().StringVar(&kind, "type", store.ScheduleCron, "schedule type: cron, interval, once")
	cmd.Flags().StringVar(&value, "value", "", "cron expression, interval milliseconds, or RFC3339 timestamp (required)")
	cmd.Flags().StringVar(&mode, "mode", store.ContextGroup, "context mode: group or isolated")
	cmd.MarkFlagRequired("jid")
	cmd.MarkFlagRequired("value")
	return cmd
}

func tasksPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause an active task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st := openStore(cfg)
			defer st.Close()

			ctx := context.Background()
			task, err := st.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			task.Status = store.TaskPaused
			task.NextRun = nil
			return st.UpdateTask(ctx, task)
		},
	}
}

func tasksResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a paused task; next run recomputed from now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			st := openStore(cfg)
			defer st.Close()

			ctx := context.Background()
			task, err := st.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			return scheduler.Resume(ctx, st, task, time.Now(), loc)
		},
	}
}

func tasksCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel and delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st := openStore(cfg)
			defer st.Close()

			return st.DeleteTask(context.Background(), args[0])
		},
	}
}
