package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tasklane/tasklane/internal/lifecycle"
	"github.com/tasklane/tasklane/internal/types"
)

var (
	createApp      string
	createDesc     string
	createPlan     string
	listStage      string
	listPlan       string
	listLimit      int
	transitionFrom string
	transitionNote string
)

// withEngine opens the store, runs fn against a fresh engine, and closes
// the store afterwards. CLI commands are one-shot so nothing is cached.
func withEngine(cmd *cobra.Command, fn func(*lifecycle.Engine) error) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(lifecycle.New(store, lifecycle.WithLogger(logger)))
}

func printTask(task *types.Task) {
	if jsonOutput {
		outputJSON(map[string]any{"task_id": task.DisplayID(), "task": task})
		return
	}
	fmt.Printf("%s  [%s]  %s\n", task.DisplayID(), task.Stage.Display(), task.Name)
	if task.Owner != "" {
		fmt.Printf("  owner:   %s\n", task.Owner)
	}
	if task.Plan != "" {
		fmt.Printf("  plan:    %s\n", task.Plan)
	}
	fmt.Printf("  creator: %s\n", task.Creator)
	if task.Description != "" {
		fmt.Printf("  %s\n", task.Description)
	}
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a task in stage Open",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := principal()
		if err != nil {
			return err
		}
		return withEngine(cmd, func(e *lifecycle.Engine) error {
			task, err := e.CreateTask(cmd.Context(), p, lifecycle.CreateTaskSpec{
				App:         createApp,
				Name:        args[0],
				Description: createDesc,
				Plan:        createPlan,
			})
			if err != nil {
				return err
			}
			printTask(task)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list <app>",
	Short: "List an application's tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter types.TaskFilter
		if listStage != "" {
			stage, err := types.ParseStage(listStage)
			if err != nil {
				return err
			}
			filter.Stage = &stage
		}
		if cmd.Flags().Changed("plan") {
			filter.Plan = &listPlan
		}
		filter.Limit = listLimit

		return withEngine(cmd, func(e *lifecycle.Engine) error {
			tasks, err := e.ListTasks(cmd.Context(), args[0], filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(tasks)
				return nil
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks")
				return nil
			}
			for _, t := range tasks {
				owner := "-"
				if t.Owner != "" {
					owner = t.Owner
				}
				fmt.Printf("%-12s %-8s %-12s %s\n", t.DisplayID(), t.Stage, owner, t.Name)
			}
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its note log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *lifecycle.Engine) error {
			task, err := e.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]any{"task_id": task.DisplayID(), "task": task})
				return nil
			}
			printTask(task)
			if len(task.Notes) > 0 {
				fmt.Println("  notes:")
				for _, n := range task.Notes {
					marker := ""
					if n.System {
						marker = "*"
					}
					fmt.Printf("    %s %s [%s]%s %s\n",
						n.CreatedAt.Format("2006-01-02 15:04"), n.Author, n.Stage, marker, n.Text)
				}
			}
			return nil
		})
	},
}

func transitionCommand(use, short string, promote bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			expected, err := types.ParseStage(transitionFrom)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			return withEngine(cmd, func(e *lifecycle.Engine) error {
				var task *types.Task
				if promote {
					task, err = e.Promote(cmd.Context(), p, args[0], expected, transitionNote)
				} else {
					task, err = e.Demote(cmd.Context(), p, args[0], expected, transitionNote)
				}
				if err != nil {
					return err
				}
				printTask(task)
				return nil
			})
		},
	}
}

var (
	promoteCmd = transitionCommand("promote <task-id>", "Advance a task one stage", true)
	demoteCmd  = transitionCommand("demote <task-id>", "Move a task one stage backward", false)
)

var assignCmd = &cobra.Command{
	Use:   "assign <task-id> [plan]",
	Short: "Assign a task to a plan, or clear the plan with no argument",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := principal()
		if err != nil {
			return err
		}
		plan := ""
		if len(args) == 2 {
			plan = args[1]
		}
		return withEngine(cmd, func(e *lifecycle.Engine) error {
			task, err := e.AssignPlan(cmd.Context(), p, args[0], plan)
			if err != nil {
				return err
			}
			printTask(task)
			return nil
		})
	},
}

var noteCmd = &cobra.Command{
	Use:   "note <task-id> <text>",
	Short: "Append a note to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := principal()
		if err != nil {
			return err
		}
		return withEngine(cmd, func(e *lifecycle.Engine) error {
			task, err := e.Annotate(cmd.Context(), p, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]any{"task_id": task.DisplayID(), "notes": len(task.Notes)})
				return nil
			}
			fmt.Printf("Noted %s\n", task.DisplayID())
			return nil
		})
	},
}

func init() {
	createCmd.Flags().StringVar(&createApp, "app", "", "Application acronym (required)")
	createCmd.Flags().StringVarP(&createDesc, "description", "d", "", "Task description")
	createCmd.Flags().StringVar(&createPlan, "plan", "", "Assign to a plan on creation")
	_ = createCmd.MarkFlagRequired("app")

	listCmd.Flags().StringVar(&listStage, "state", "", "Filter by stage (open|to-do|doing|done|closed)")
	listCmd.Flags().StringVar(&listPlan, "plan", "", "Filter by plan name (empty matches unplanned tasks)")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of tasks (0 = all)")

	for _, c := range []*cobra.Command{promoteCmd, demoteCmd} {
		c.Flags().StringVar(&transitionFrom, "from", "", "Stage the task is expected to be in (required)")
		c.Flags().StringVarP(&transitionNote, "note", "n", "", "Note to append with the transition")
		_ = c.MarkFlagRequired("from")
	}

	rootCmd.AddCommand(createCmd, listCmd, showCmd, promoteCmd, demoteCmd, assignCmd, noteCmd)
}
