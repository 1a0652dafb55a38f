package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dossierflow/internal/app"
	"dossierflow/internal/config"
	"dossierflow/internal/db"
	"dossierflow/internal/domain"
	"dossierflow/internal/engine"
	"dossierflow/internal/ledger"
	"dossierflow/internal/migrate"
	"dossierflow/internal/notify"
	"dossierflow/internal/repo"
	"dossierflow/internal/server"
	"dossierflow/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "df",
	Short: "Dossierflow CLI",
	Long: `Dossierflow routes accounting dossiers through a fixed approval chain:
Secretary submits, the Budget Controller (CB) validates or rejects after two
control checklists, the Ordonnateur authorizes expenditure once every
verification is validated, and the Accountant pays and closes.
Every accepted transition is recorded in an append-only audit trail; the
ordonnancement is gated on the verification synthesis, never on a cached view.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("DOSSIERFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", string(domain.RoleSecretaire), "actor role")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(dossierCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(synthesisCmd())
	rootCmd.AddCommand(transitionCmd())
	for _, c := range transitionShortcuts() {
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() string     { return viper.GetString("actor-id") }
func role() domain.Role { return domain.Role(viper.GetString("role")) }
func jsonOutput() bool  { return viper.GetBool("json") }
func workspace() string { return viper.GetString("workspace") }

func openEngine(ctx context.Context) (engine.Engine, *sql.DB, error) {
	cfg, err := config.LoadOptional(workspace())
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if cfg == nil {
		cfg = config.Default("acge")
	}
	conn, err := db.Open(db.Config{Workspace: workspace()})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := app.Bootstrap(ctx, conn, cfg); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	return e, conn, nil
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func renderDossiers(dossiers []domain.Dossier) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Référence", "Statut", "Créé le"})
	for _, d := range dossiers {
		t.AppendRow(table.Row{d.ID, d.Reference, d.Status, d.CreatedAt})
	}
	t.Render()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and prepare the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(workspace())
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault("acge")), 0o644); err != nil {
				return err
			}
			_, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Println("workspace ready:", path)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Dossier counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			counts, err := e.Repo.CountDossiersByStatus(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(counts)
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Statut", "Dossiers"})
			for _, s := range domain.Statuses() {
				t.AppendRow(table.Row{s, counts[string(s)]})
			}
			t.Render()
			return nil
		},
	}
}

func dossierCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dossier", Short: "Manage dossiers"}
	cmd.AddCommand(dossierCreateCmd())
	cmd.AddCommand(dossierListCmd())
	cmd.AddCommand(dossierShowCmd())
	cmd.AddCommand(dossierHistoryCmd())
	return cmd
}

func dossierCreateCmd() *cobra.Command {
	var reference, title string
	c := &cobra.Command{
		Use:   "create",
		Short: "Submit a new dossier",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			d, err := e.CreateDossier(cmd.Context(), engine.CreateOptions{
				Reference: reference,
				Title:     title,
				Role:      role(),
				ActorID:   actor(),
			})
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(d)
				return nil
			}
			fmt.Printf("dossier %s (%s) créé en %s\n", d.Reference, d.ID, d.Status)
			return nil
		},
	}
	c.Flags().StringVar(&reference, "reference", "", "human-facing reference number")
	c.Flags().StringVar(&title, "title", "", "dossier title")
	_ = c.MarkFlagRequired("reference")
	return c
}

func dossierListCmd() *cobra.Command {
	var status string
	var limit int
	c := &cobra.Command{
		Use:   "list",
		Short: "List dossiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			dossiers, err := e.ListDossiers(cmd.Context(), repo.DossierFilters{Status: status, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(dossiers)
				return nil
			}
			renderDossiers(dossiers)
			return nil
		},
	}
	c.Flags().StringVar(&status, "status", "", "filter by status")
	c.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return c
}

func dossierShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <dossier-id-or-reference>",
		Short: "Show one dossier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			d, err := e.GetDossier(cmd.Context(), args[0])
			if errors.Is(err, repo.ErrNotFound) {
				d, err = e.Repo.GetDossierByReference(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(d)
				return nil
			}
			fmt.Printf("%s  %s  %s\n", d.ID, d.Reference, d.Status)
			if d.Rejection != nil {
				fmt.Printf("rejeté: %s (%s)\n", d.Rejection.Reason, d.Rejection.TS)
			}
			return nil
		},
	}
}

func dossierHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <dossier-id>",
		Short: "Audit trail of a dossier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			entries, err := e.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(entries)
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"#", "De", "Vers", "Acteur", "Horodatage"})
			for _, entry := range entries {
				t.AppendRow(table.Row{entry.ID, entry.FromStatus, entry.ToStatus, entry.ActorID, entry.TS})
			}
			t.Render()
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	var outcome, justification string
	c := &cobra.Command{
		Use:   "verify <dossier-id> <item-id>",
		Short: "Record one verification decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			rec, err := e.RecordVerification(cmd.Context(), role(), ledger.RecordOptions{
				DossierID:     args[0],
				ItemID:        args[1],
				Outcome:       domain.Outcome(outcome),
				Justification: justification,
				ActorID:       actor(),
			})
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(rec)
				return nil
			}
			fmt.Printf("%s: %s\n", rec.ItemID, rec.Outcome)
			return nil
		},
	}
	c.Flags().StringVar(&outcome, "outcome", string(domain.OutcomeValidated), "VALIDÉ or REJETÉ")
	c.Flags().StringVar(&justification, "justification", "", "required when rejecting")
	c.AddCommand(verifyResetCmd())
	return c
}

func verifyResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <dossier-id> <category-id>",
		Short: "Clear a category's recorded verifications",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			return e.ResetVerifications(cmd.Context(), role(), args[0], args[1], actor())
		},
	}
}

func synthesisCmd() *cobra.Command {
	var stage string
	c := &cobra.Command{
		Use:   "synthesis <dossier-id>",
		Short: "Verification synthesis for a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			s, err := e.GetSynthesis(cmd.Context(), args[0], domain.Stage(stage))
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(s)
				return nil
			}
			fmt.Printf("total=%d validés=%d rejetés=%d complet=%v prêt=%v\n",
				s.Total, s.Validated, s.Rejected, s.IsComplete, s.IsReady)
			if len(s.Missing) > 0 {
				fmt.Println("manquants:", strings.Join(s.Missing, ", "))
			}
			if len(s.RejectedIDs) > 0 {
				fmt.Println("rejetés:", strings.Join(s.RejectedIDs, ", "))
			}
			return nil
		},
	}
	c.Flags().StringVar(&stage, "stage", string(domain.StageOrdonnateur), "cb or ordonnateur")
	return c
}

func transitionCmd() *cobra.Command {
	var reason, details, comment string
	c := &cobra.Command{
		Use:   "transition <dossier-id> <name>",
		Short: "Apply a workflow transition",
		Long: `Transition names: resoumission, validation_cb, rejet_cb, ordonnancement,
paiement, cloture. The acting role comes from --role.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			res, err := e.ApplyTransition(cmd.Context(), engine.ApplyOptions{
				DossierID:  args[0],
				Role:       role(),
				Transition: workflow.Name(args[1]),
				Reason:     reason,
				Details:    details,
				Comment:    comment,
				ActorID:    actor(),
			})
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(res)
				return nil
			}
			if res.Replayed {
				fmt.Printf("déjà en %s (aucune nouvelle entrée d'audit)\n", res.Status)
				return nil
			}
			fmt.Printf("statut: %s (audit #%d)\n", res.Status, res.AuditEntryID)
			return nil
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "rejection reason")
	c.Flags().StringVar(&details, "details", "", "rejection details")
	c.Flags().StringVar(&comment, "comment", "", "audit comment")
	return c
}

// transitionShortcuts are one-verb aliases; the acting role is the one the
// transition table expects, so the local operator does not repeat --role.
func transitionShortcuts() []*cobra.Command {
	shortcuts := []struct {
		use   string
		short string
		name  workflow.Name
	}{
		{"resubmit <dossier-id>", "Resubmit a rejected dossier", workflow.Resoumission},
		{"validate-cb <dossier-id>", "CB validation (both checklists must be complete)", workflow.ValidationCB},
		{"reject-cb <dossier-id>", "CB rejection (requires --reason)", workflow.RejetCB},
		{"ordonnance <dossier-id>", "Ordonnancer the expenditure", workflow.Ordonnancement},
		{"pay <dossier-id>", "Record the payment", workflow.Paiement},
		{"close <dossier-id>", "Close the dossier", workflow.Cloture},
	}
	var cmds []*cobra.Command
	for _, sc := range shortcuts {
		name := sc.name
		var reason, details, comment string
		c := &cobra.Command{
			Use:   sc.use,
			Short: sc.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				e, conn, err := openEngine(cmd.Context())
				if err != nil {
					return err
				}
				defer conn.Close()
				t, _ := workflow.Lookup(name)
				res, err := e.ApplyTransition(cmd.Context(), engine.ApplyOptions{
					DossierID:  args[0],
					Role:       t.Role,
					Transition: name,
					Reason:     reason,
					Details:    details,
					Comment:    comment,
					ActorID:    actor(),
				})
				if err != nil {
					return err
				}
				if jsonOutput() {
					printJSON(res)
					return nil
				}
				fmt.Printf("statut: %s\n", res.Status)
				return nil
			},
		}
		if name == workflow.RejetCB {
			c.Flags().StringVar(&reason, "reason", "", "rejection reason")
			c.Flags().StringVar(&details, "details", "", "rejection details")
			_ = c.MarkFlagRequired("reason")
		}
		c.Flags().StringVar(&comment, "comment", "", "audit comment")
		cmds = append(cmds, c)
	}
	return cmds
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Database schema maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		RunE: func(c *cobra.Command, args []string) error {
			_, conn, err := openEngine(c.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d (%s)\n", v, db.Path(workspace()))
			return nil
		},
	})
	return cmd
}

func catalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the verification catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			items, err := e.Repo.ListItems(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(items)
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Item", "Catégorie", "Étape", "Obligatoire", "Intitulé"})
			for _, item := range items {
				t.AppendRow(table.Row{item.ID, item.CategoryID, item.Stage, item.Mandatory, item.Label})
			}
			t.Render()
			return nil
		},
	}
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id> <role>",
		Short: "Create an API key bound to an actor and role",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			r := domain.Role(args[1])
			if !r.IsValid() {
				return fmt.Errorf("invalid role %s", args[1])
			}
			e, conn, err := openEngine(c.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			secret := uuid.New().String()
			key := domain.APIKey{
				ID:      uuid.New().String(),
				ActorID: args[0],
				Role:    r,
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			if err := e.Repo.InsertAPIKey(c.Context(), key); err != nil {
				return err
			}
			fmt.Println(secret)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(c *cobra.Command, args []string) error {
			e, conn, err := openEngine(c.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			keys, err := e.Repo.ListAPIKeys(c.Context(), "")
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(keys)
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Acteur", "Rôle", "Nom", "Créée le"})
			for _, k := range keys {
				t.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
			}
			t.Render()
			return nil
		},
	}
	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			e, conn, err := openEngine(c.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			return e.Repo.DeleteAPIKey(c.Context(), args[0])
		},
	}
	cmd.AddCommand(create, list, del)
	return cmd
}

func serveCmd() *cobra.Command {
	var listen, basePath string
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			broker := notify.NewBroker()
			e.Notifier = broker
			if listen == "" {
				listen = e.Config.Server.Listen
			}
			if listen == "" {
				listen = "127.0.0.1:8433"
			}
			if basePath == "" {
				basePath = e.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Broker:   broker,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:         e.Config.Auth.JWTSecret,
					AllowActorHeaders: e.Config.Auth.AllowActorHeaders,
				},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			dispatcher := notify.NewDispatcher(e.Repo, e.Config.Webhooks)
			go dispatcher.Run(ctx)

			srv := &http.Server{
				Addr:              listen,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			fmt.Println("listening on", listen)
			return srv.ListenAndServe()
		},
	}
	c.Flags().StringVar(&listen, "listen", "", "listen address")
	c.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return c
}
