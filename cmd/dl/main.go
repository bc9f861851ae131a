package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deedline/internal/app"
	"deedline/internal/config"
	"deedline/internal/db"
	"deedline/internal/domain"
	"deedline/internal/engine"
	"deedline/internal/migrate"
	"deedline/internal/repo"
	"deedline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Deedline CLI",
	Long: `Deedline runs the verification pipeline for citizen document requests.
Core concepts:
- Workspace: your .deedline directory with only the database; workflow configs are stored in the DB and imported explicitly.
- Registry: the office this workspace serves; it owns the form catalog, the stage pipeline, and the field views.
- Forms: citizen requests (sale-deed, will-deed, ...) that flow draft -> submitted -> in_progress -> under_review -> completed, or rejected back to the citizen.
- Stages: staff1 checks first, staff2 and staff3 verify in parallel after staff1, admin signs off last; a stage cannot decide before its prerequisites approve.
- Views: each role sees only its slice of a form's fields; admin sees everything.
- Change ledger: every field write is recorded (old value, new value, who, when) and can rebuild the payload from scratch.
- Assignments: forms are handed to the staff member whose turn it is, by hand or by least-loaded auto-assign.
- Event log: diary of everything that happened, view with 'dl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEEDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "admin", "role to act as (submitter, staff1..staff4, admin)")
	rootCmd.PersistentFlags().String("registry", "", "registry id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("registry", rootCmd.PersistentFlags().Lookup("registry"))
}

func registerCommands() {
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(staffCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func formCmd() *cobra.Command {
	form := &cobra.Command{
		Use:   "form",
		Short: "Manage forms",
		Long:  "Forms are the citizen requests. Create as a draft, edit fields, submit into the pipeline, then let each stage decide. Rejections reopen the form for correction and resubmission.",
	}
	form.AddCommand(formCreateCmd())
	form.AddCommand(formListCmd())
	form.AddCommand(formShowCmd())
	form.AddCommand(formEditCmd())
	form.AddCommand(formSubmitCmd())
	form.AddCommand(formDecideCmd())
	form.AddCommand(formAssignCmd())
	form.AddCommand(formAutoAssignCmd())
	form.AddCommand(formSweepCmd())
	form.AddCommand(formUnlockCmd())
	form.AddCommand(formSetStatusCmd())
	form.AddCommand(formViewCmd())
	form.AddCommand(formReplayCmd())
	form.AddCommand(formChangesCmd())
	return form
}

func formCreateCmd() *cobra.Command {
	var id, formType string
	var fields []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft form",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseFieldPairs(fields)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.CreateForm(ctx, engine.FormCreateOptions{
					ID:        id,
					FormType:  formType,
					Payload:   payload,
					CreatedBy: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "form id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&formType, "type", "", "form type from the catalog")
	cmd.Flags().StringArrayVar(&fields, "set", []string{}, "field=value (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func formListCmd() *cobra.Command {
	var f repo.FormFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				forms, err := e.Repo.ListForms(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(forms)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Locked", "Assigned", "Created By"})
				for _, item := range forms {
					assigned := ""
					if item.AssignedTo != nil {
						assigned = *item.AssignedTo
					}
					tw.AppendRow(table.Row{item.ID, item.FormType, item.Status, item.Locked, assigned, item.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.FormType, "type", "", "form type filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func formShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a form with its approval vector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.Repo.GetForm(ctx, id)
				if err != nil {
					return err
				}
				vector, err := e.Repo.GetVector(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"form": f, "approvals": vector})
			})
		},
	}
	return cmd
}

func formEditCmd() *cobra.Command {
	var field, value, changeType string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Write one form field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.ApplyEdit(ctx, engine.EditOptions{
					FormID:     args[0],
					Role:       viper.GetString("role"),
					UserID:     viper.GetString("actor-id"),
					Field:      field,
					NewValue:   value,
					ChangeType: changeType,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "field name")
	cmd.Flags().StringVar(&value, "value", "", "new value")
	cmd.Flags().StringVar(&changeType, "change-type", "", "edit, correction or admin-override")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func formSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a draft or rejected form into the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.Submit(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func formDecideCmd() *cobra.Command {
	var approve, reject bool
	var notes string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Record this role's approval or rejection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.Decide(ctx, engine.DecisionOptions{
					FormID:     args[0],
					Role:       viper.GetString("role"),
					ReviewerID: viper.GetString("actor-id"),
					Approved:   approve,
					Notes:      notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the form")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the form")
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes (required for rejection)")
	return cmd
}

func formAssignCmd() *cobra.Command {
	var staffID, reason string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a form to a staff member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.Assign(ctx, args[0], staffID, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&staffID, "staff", "", "staff account id")
	cmd.Flags().StringVar(&reason, "reason", "", "assignment reason")
	_ = cmd.MarkFlagRequired("staff")
	return cmd
}

func formAutoAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto-assign <id>",
		Short: "Assign the least-loaded eligible staff member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.AutoAssign(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func formSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Auto-assign every unassigned submitted form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepUnassigned(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"assigned": n})
				}
				fmt.Printf("assigned %d form(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func formUnlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "unlock <id>",
		Short: "Unlock a completed form for rework (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.Unlock(ctx, args[0], viper.GetString("role"), viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the form is being reopened")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func formSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Override a form's status (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.OverrideStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func formViewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view <id>",
		Short: "Show the form fields visible to the current role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fields, err := e.ReadView(ctx, args[0], viper.GetString("role"), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(fields)
			})
		},
	}
	return cmd
}

func formReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Rebuild the payload from the change ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				payload, err := e.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(payload)
			})
		},
	}
	return cmd
}

func formChangesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes <id>",
		Short: "List the change ledger for a form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				changes, err := e.Repo.ListChanges(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(changes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Field", "Old", "New", "Role", "User", "Type", "TS"})
				for _, c := range changes {
					tw.AppendRow(table.Row{c.ID, c.Field, c.OldValue, c.NewValue, c.ChangedByRole, c.ChangedByUser, c.ChangeType, c.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func staffCmd() *cobra.Command {
	staff := &cobra.Command{
		Use:   "staff",
		Short: "Manage staff accounts",
		Long:  "Staff accounts are the reviewers behind the pipeline roles. Only active accounts are eligible for assignment.",
	}
	staff.AddCommand(staffAddCmd())
	staff.AddCommand(staffListCmd())
	staff.AddCommand(staffDeactivateCmd())
	staff.AddCommand(staffActivateCmd())
	return staff
}

func staffAddCmd() *cobra.Command {
	var s domain.StaffAccount
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a staff account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s.Active = true
				if err := r.InsertStaff(ctx, s); err != nil {
					return err
				}
				created, err := r.GetStaff(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&s.ID, "id", "", "staff id")
	cmd.Flags().StringVar(&s.Role, "staff-role", "", "pipeline role (staff1..staff4, admin)")
	cmd.Flags().StringVar(&s.Name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("staff-role")
	return cmd
}

func staffListCmd() *cobra.Command {
	var role string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staff accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStaff(ctx, role, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Name", "Active"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Role, s.Name, s.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "staff-role", "", "role filter")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active accounts")
	return cmd
}

func staffDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a staff account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetStaffActive(ctx, args[0], false)
			})
		},
	}
	return cmd
}

func staffActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Reactivate a staff account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetStaffActive(ctx, args[0], true)
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	key.AddCommand(keyMintCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyRevokeCmd())
	return key
}

func keyMintCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an API key (secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				k := domain.APIKey{
					ActorID: actorID,
					Role:    role,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"actor_id": actorID, "role": role, "key": secret})
				}
				fmt.Println(secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "key-role", "", "role the key carries")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("key-role")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workflow config",
		Long:  "Config is the rulebook (stored in DB): registry id/kind, form catalog with required fields, stage pipeline, and per-role field views. Import from deedline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show workflow config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import workflow config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			registryID := cfg.Registry.ID
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if registryID == "" {
					registryID = viper.GetString("registry")
				}
				if registryID == "" {
					return fmt.Errorf("registry id missing from config; use --registry")
				}
				if err := r.UpsertWorkflowConfig(ctx, registryID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config template to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			registryID := viper.GetString("registry")
			if registryID == "" {
				registryID = "deedline"
			}
			data := config.GenerateDefault(registryID)
			if out == "-" {
				fmt.Print(data)
				return nil
			}
			if err := os.WriteFile(out, []byte(data), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "deedline.yml", "output path, or - for stdout")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{
		Use:   "registry",
		Short: "Manage the workspace registry",
	}
	reg.AddCommand(registryUseCmd())
	return reg
}

func registryUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current registry for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registryID := strings.TrimSpace(args[0])
			if registryID == "" {
				return fmt.Errorf("registry id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "DEEDLINE_REGISTRY", registryID); err != nil {
				return err
			}
			fmt.Printf("Set DEEDLINE_REGISTRY=%s in %s/.env\n", registryID, workspace)
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: submissions, decisions, edits, assignments, denials.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, formID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, formID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&formID, "form", "", "form id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), viper.GetString("registry"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("DEEDLINE_JWT_SECRET"),
				AllowLegacyUserHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DEEDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Deedline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-user-header", false, "trust X-User-Id/X-User-Role headers (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		cfg, err := app.ResolveConfig(ctx, viper.GetString("registry"), r)
		if err != nil {
			return err
		}
		e := engine.New(r.DB, cfg)
		return fn(ctx, e)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseFieldPairs(pairs []string) (map[string]string, error) {
	payload := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --set %q, expected field=value", pair)
		}
		payload[strings.TrimSpace(key)] = value
	}
	return payload, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
