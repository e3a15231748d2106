package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustline/internal/app"
	"trustline/internal/authz"
	"trustline/internal/config"
	"trustline/internal/db"
	"trustline/internal/domain"
	"trustline/internal/engine"
	"trustline/internal/repo"
	"trustline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trustline CLI",
	Long: `Trustline tracks property-sale cases through a fixed step flow with a
hash-chained event trail.
- Workspace: the .trustline directory holding the database; trustline.yml
  next to it configures the step catalog and auth secrets.
- Case: one buyer/property negotiation owned by an agent; status goes
  active -> dormant -> closed, and closed is final.
- Steps: the configured milestones (viewing, offer, negotiation, ...);
  steps only move forward, step 0 is reserved for system notices.
- Events: every step change appends a hash-chained event, so retroactive
  edits are detectable with 'tl chain verify'.`,
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
	viper.SetEnvPrefix("TRUSTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-agent", "acting agent identifier")
	rootCmd.PersistentFlags().Bool("system", false, "act with the system credential")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("system", rootCmd.PersistentFlags().Lookup("system"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// cliPrincipal builds the acting identity for local commands. The local
// operator owns the database file, so --system is honored directly.
func cliPrincipal() authz.Principal {
	if viper.GetBool("system") {
		return authz.Principal{ID: "system", Role: domain.RoleSystem, System: true, Source: "cli"}
	}
	return authz.Principal{ID: viper.GetString("actor-id"), Role: domain.RoleAgent, Source: "cli"}
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseAdvanceCmd())
	c.AddCommand(caseCloseCmd())
	return c
}

func caseListCmd() *cobra.Command {
	var status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cases, total, err := e.ListCases(ctx, cliPrincipal(), repo.CaseFilters{Status: status, Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"cases": cases, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Buyer", "Property", "Step", "Status", "Updated"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.BuyerName, c.PropertyTitle, c.CurrentStep, c.Status, c.UpdatedAt})
				}
				tw.Render()
				fmt.Printf("%d of %d cases\n", len(cases), total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, dormant, closed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with its event trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetCase(ctx, cliPrincipal(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"case":     detail.Case,
						"events":   detail.Events,
						"chain_ok": detail.Chain.OK,
					})
				}
				printJSONOrTable(detail.Case)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Name", "Action", "Actor", "At"})
				for _, ev := range detail.Events {
					tw.AppendRow(table.Row{ev.Step, ev.StepName, ev.Action, ev.Actor, ev.CreatedAt})
				}
				tw.Render()
				if !detail.Chain.OK {
					fmt.Printf("WARNING: event chain broken at index %d\n", detail.Chain.BrokenAt)
				}
				return nil
			})
		},
	}
	return cmd
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	var offerPrice int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("offer-price") {
				opts.OfferPrice = &offerPrice
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, cliPrincipal(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent-id", "", "owner agent (system only)")
	cmd.Flags().StringVar(&opts.BuyerName, "buyer-name", "", "buyer name")
	cmd.Flags().StringVar(&opts.BuyerContact, "buyer-contact", "", "buyer contact")
	cmd.Flags().StringVar(&opts.PropertyID, "property-id", "", "property id")
	cmd.Flags().StringVar(&opts.PropertyTitle, "property-title", "", "property title")
	cmd.Flags().StringVar(&opts.TransactionID, "transaction-id", "", "external transaction id")
	cmd.Flags().Int64Var(&offerPrice, "offer-price", 0, "offer price")
	_ = cmd.MarkFlagRequired("buyer-name")
	_ = cmd.MarkFlagRequired("property-title")
	return cmd
}

func caseAdvanceCmd() *cobra.Command {
	var opts engine.AdvanceStepOptions
	var offerPrice int64
	cmd := &cobra.Command{
		Use:   "advance <case-id>",
		Short: "Advance a case to a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("offer-price") {
				opts.OfferPrice = &offerPrice
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AdvanceStep(ctx, cliPrincipal(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"case_id":    res.Case.ID,
					"old_step":   res.OldStep,
					"new_step":   res.NewStep,
					"event_hash": res.EventHash,
				})
			})
		},
	}
	cmd.Flags().IntVar(&opts.NewStep, "step", 0, "target step")
	cmd.Flags().StringVar(&opts.Action, "action", "", "what happened")
	cmd.Flags().StringVar(&opts.Detail, "detail", "", "free-form detail")
	cmd.Flags().Int64Var(&offerPrice, "offer-price", 0, "offer price")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func caseCloseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <case-id>",
		Short: "Close a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CloseCase(ctx, cliPrincipal(), args[0], domain.CloseReason(reason))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "closed_sold_to_other, closed_property_unlisted, or closed_inactive")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func chainCmd() *cobra.Command {
	c := &cobra.Command{Use: "chain", Short: "Event chain tools"}
	c.AddCommand(chainVerifyCmd())
	return c
}

func chainVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <case-id>",
		Short: "Verify a case's event chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.VerifyChain(ctx, cliPrincipal(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				if rep.OK {
					fmt.Printf("chain ok: %d verified, %d legacy\n", rep.Verified, rep.Legacy)
					return nil
				}
				return fmt.Errorf("chain broken at event index %d (%d verified before the break)", rep.BrokenAt, rep.Verified)
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	c := &cobra.Command{Use: "sweep", Short: "Maintenance sweeps"}
	c.AddCommand(sweepDormantCmd())
	return c
}

func sweepDormantCmd() *cobra.Command {
	var idleDays int
	cmd := &cobra.Command{
		Use:   "dormant",
		Short: "Mark idle active cases dormant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				days := idleDays
				if days <= 0 {
					days = e.Config.Case.DormantAfterDays
				}
				if days <= 0 {
					days = 14
				}
				p := authz.Principal{ID: "system", Role: domain.RoleSystem, System: true, Source: "cli"}
				n, err := e.MarkDormantCases(ctx, p, time.Now().Add(-time.Duration(days)*24*time.Hour))
				if err != nil {
					return err
				}
				fmt.Printf("marked %d case(s) dormant\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&idleDays, "idle-days", 0, "idle window override (default from config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var sub, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for API access",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("TRUSTLINE_JWT_SECRET")
			if secret == "" {
				cfg, err := config.Load(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("TRUSTLINE_JWT_SECRET or auth.jwt_secret is required")
			}
			if _, ok := domain.ParseRole(role); !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			claims := jwt.MapClaims{
				"sub":  sub,
				"role": role,
				"iat":  time.Now().Unix(),
				"exp":  time.Now().Add(ttl).Unix(),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "agent-id", "", "token subject")
	cmd.Flags().StringVar(&role, "role", "agent", "role claim (agent, buyer, system)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	c.AddCommand(apikeyCreateCmd())
	c.AddCommand(apikeyListCmd())
	c.AddCommand(apikeyRevokeCmd())
	return c
}

func apikeyCreateCmd() *cobra.Command {
	var agentID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the raw key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := "tl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					AgentID: agentID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "owning agent")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.AgentID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "filter by agent")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	c := &cobra.Command{Use: "audit", Short: "Operational audit log"}
	c.AddCommand(auditListCmd())
	return c
}

func auditListCmd() *cobra.Command {
	var caseID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListAuditLog(ctx, caseID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Case", "Action", "Actor", "Role", "Source", "At"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.CaseID, e.Action, e.ActorID, e.ActorRole, e.Source, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case-id", "", "filter by case")
	cmd.Flags().IntVar(&limit, "limit", 100, "max entries")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace config"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.BuildEngine(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("TRUSTLINE_JWT_SECRET"),
				SystemKey: os.Getenv("TRUSTLINE_SYSTEM_KEY"),
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = e.Config.Auth.JWTSecret
			}
			if authCfg.SystemKey == "" {
				authCfg.SystemKey = e.Config.Auth.SystemKey
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TRUSTLINE_JWT_SECRET or auth.jwt_secret is required for bearer auth")
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
			fmt.Printf("Serving Trustline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.BuildEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	e, conn, err := app.BuildEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e.Repo)
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
