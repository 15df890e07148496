package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasklane/tasklane/internal/directory"
	"github.com/tasklane/tasklane/internal/permit"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/storage/mysql"
	"github.com/tasklane/tasklane/internal/types"
)

var (
	appDesc         string
	appStart        string
	appEnd          string
	appPermitCreate string
	appPermitOpen   string
	appPermitTodo   string
	appPermitDoing  string
	appPermitDone   string
	planStart       string
	planEnd         string
)

const dateLayout = "2006-01-02"

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return &t, nil
}

func splitGroups(s string) []string {
	return permit.NormalizeAll(strings.Split(s, ","))
}

// withStore opens the store for commands that bypass the engine.
func withStore(cmd *cobra.Command, fn func(storage.Storage) error) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Manage applications",
}

var appCreateCmd = &cobra.Command{
	Use:   "create <acronym>",
	Short: "Create an application",
	Long: `Create an application. All five permit sets are required: they name
the user groups allowed to create tasks and to act on each stage.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseDate(appStart)
		if err != nil {
			return err
		}
		end, err := parseDate(appEnd)
		if err != nil {
			return err
		}
		app := &types.Application{
			Acronym:      args[0],
			Description:  appDesc,
			StartDate:    start,
			EndDate:      end,
			PermitCreate: splitGroups(appPermitCreate),
			PermitOpen:   splitGroups(appPermitOpen),
			PermitTodo:   splitGroups(appPermitTodo),
			PermitDoing:  splitGroups(appPermitDoing),
			PermitDone:   splitGroups(appPermitDone),
		}
		if err := app.Validate(); err != nil {
			return err
		}
		return withStore(cmd, func(store storage.Storage) error {
			if err := store.CreateApplication(cmd.Context(), app); err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(app)
				return nil
			}
			fmt.Printf("Created application %s\n", app.Acronym)
			return nil
		})
	},
}

var appListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store storage.Storage) error {
			apps, err := store.ListApplications(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(apps)
				return nil
			}
			if len(apps) == 0 {
				fmt.Println("No applications")
				return nil
			}
			for _, a := range apps {
				fmt.Printf("%-12s %s\n", a.Acronym, a.Description)
			}
			return nil
		})
	},
}

var appShowCmd = &cobra.Command{
	Use:   "show <acronym>",
	Short: "Show an application's permit sets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store storage.Storage) error {
			app, err := store.GetApplication(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(app)
				return nil
			}
			fmt.Printf("%s  %s\n", app.Acronym, app.Description)
			fmt.Printf("  permit_create: %s\n", strings.Join(app.PermitCreate, ", "))
			fmt.Printf("  permit_open:   %s\n", strings.Join(app.PermitOpen, ", "))
			fmt.Printf("  permit_todo:   %s\n", strings.Join(app.PermitTodo, ", "))
			fmt.Printf("  permit_doing:  %s\n", strings.Join(app.PermitDoing, ", "))
			fmt.Printf("  permit_done:   %s\n", strings.Join(app.PermitDone, ", "))
			return nil
		})
	},
}

var appUpdateCmd = &cobra.Command{
	Use:   "update <acronym>",
	Short: "Update an application's description, dates, or permit sets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store storage.Storage) error {
			app, err := store.GetApplication(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("description") {
				app.Description = appDesc
			}
			if flags.Changed("start") {
				start, err := parseDate(appStart)
				if err != nil {
					return err
				}
				app.StartDate = start
			}
			if flags.Changed("end") {
				end, err := parseDate(appEnd)
				if err != nil {
					return err
				}
				app.EndDate = end
			}
			for _, set := range []struct {
				flag   string
				value  string
				target *[]string
			}{
				{"permit-create", appPermitCreate, &app.PermitCreate},
				{"permit-open", appPermitOpen, &app.PermitOpen},
				{"permit-todo", appPermitTodo, &app.PermitTodo},
				{"permit-doing", appPermitDoing, &app.PermitDoing},
				{"permit-done", appPermitDone, &app.PermitDone},
			} {
				if flags.Changed(set.flag) {
					*set.target = splitGroups(set.value)
				}
			}
			if err := app.Validate(); err != nil {
				return err
			}
			if err := store.UpdateApplication(cmd.Context(), app); err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(app)
				return nil
			}
			fmt.Printf("Updated application %s\n", app.Acronym)
			return nil
		})
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage plans",
}

var planCreateCmd = &cobra.Command{
	Use:   "create <app> <name>",
	Short: "Create a plan within an application",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseDate(planStart)
		if err != nil {
			return err
		}
		end, err := parseDate(planEnd)
		if err != nil {
			return err
		}
		plan := &types.Plan{
			AppAcronym: args[0],
			Name:       args[1],
			StartDate:  start,
			EndDate:    end,
		}
		return withStore(cmd, func(store storage.Storage) error {
			app, err := store.GetApplication(cmd.Context(), plan.AppAcronym)
			if err != nil {
				return err
			}
			if err := plan.Validate(app); err != nil {
				return err
			}
			if err := store.CreatePlan(cmd.Context(), plan); err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(plan)
				return nil
			}
			fmt.Printf("Created plan %s in %s\n", plan.Name, plan.AppAcronym)
			return nil
		})
	},
}

var planListCmd = &cobra.Command{
	Use:   "list <app>",
	Short: "List an application's plans",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store storage.Storage) error {
			plans, err := store.ListPlans(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(plans)
				return nil
			}
			if len(plans) == 0 {
				fmt.Println("No plans")
				return nil
			}
			for _, p := range plans {
				window := ""
				if p.StartDate != nil && p.EndDate != nil {
					window = fmt.Sprintf("  %s .. %s",
						p.StartDate.Format(dateLayout), p.EndDate.Format(dateLayout))
				}
				fmt.Printf("%s%s\n", p.Name, window)
			}
			return nil
		})
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage directory group memberships",
}

var userGrantCmd = &cobra.Command{
	Use:   "grant <username> <group>",
	Short: "Add a user to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store storage.Storage) error {
			ms, ok := store.(*mysql.Store)
			if !ok {
				return fmt.Errorf("user grant requires the mysql backend")
			}
			if err := directory.NewSQL(ms.DB()).Grant(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Granted %s membership of %s\n", args[0], args[1])
			return nil
		})
	},
}

var userGroupsCmd = &cobra.Command{
	Use:   "groups <username>",
	Short: "Show a user's groups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store storage.Storage) error {
			ms, ok := store.(*mysql.Store)
			if !ok {
				return fmt.Errorf("user groups requires the mysql backend")
			}
			groups, err := directory.NewSQL(ms.DB()).GroupsForUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(groups)
				return nil
			}
			if len(groups) == 0 {
				fmt.Println("No groups")
				return nil
			}
			for _, g := range groups {
				fmt.Println(g)
			}
			return nil
		})
	},
}

func init() {
	appCreateCmd.Flags().StringVarP(&appDesc, "description", "d", "", "Application description")
	appCreateCmd.Flags().StringVar(&appStart, "start", "", "Start date (YYYY-MM-DD)")
	appCreateCmd.Flags().StringVar(&appEnd, "end", "", "End date (YYYY-MM-DD)")
	appCreateCmd.Flags().StringVar(&appPermitCreate, "permit-create", "", "Groups allowed to create tasks (comma-separated)")
	appCreateCmd.Flags().StringVar(&appPermitOpen, "permit-open", "", "Groups allowed to act on Open tasks")
	appCreateCmd.Flags().StringVar(&appPermitTodo, "permit-todo", "", "Groups allowed to act on To-Do tasks")
	appCreateCmd.Flags().StringVar(&appPermitDoing, "permit-doing", "", "Groups allowed to act on Doing tasks")
	appCreateCmd.Flags().StringVar(&appPermitDone, "permit-done", "", "Groups allowed to act on Done tasks")

	appUpdateCmd.Flags().StringVarP(&appDesc, "description", "d", "", "Application description")
	appUpdateCmd.Flags().StringVar(&appStart, "start", "", "Start date (YYYY-MM-DD)")
	appUpdateCmd.Flags().StringVar(&appEnd, "end", "", "End date (YYYY-MM-DD)")
	appUpdateCmd.Flags().StringVar(&appPermitCreate, "permit-create", "", "Groups allowed to create tasks")
	appUpdateCmd.Flags().StringVar(&appPermitOpen, "permit-open", "", "Groups allowed to act on Open tasks")
	appUpdateCmd.Flags().StringVar(&appPermitTodo, "permit-todo", "", "Groups allowed to act on To-Do tasks")
	appUpdateCmd.Flags().StringVar(&appPermitDoing, "permit-doing", "", "Groups allowed to act on Doing tasks")
	appUpdateCmd.Flags().StringVar(&appPermitDone, "permit-done", "", "Groups allowed to act on Done tasks")

	planCreateCmd.Flags().StringVar(&planStart, "start", "", "Start date (YYYY-MM-DD)")
	planCreateCmd.Flags().StringVar(&planEnd, "end", "", "End date (YYYY-MM-DD)")

	appCmd.AddCommand(appCreateCmd, appListCmd, appShowCmd, appUpdateCmd)
	planCmd.AddCommand(planCreateCmd, planListCmd)
	userCmd.AddCommand(userGrantCmd, userGroupsCmd)
	rootCmd.AddCommand(appCmd, planCmd, userCmd)
}
