package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"changeline/internal/accept"
	"changeline/internal/agent"
	"changeline/internal/claim"
	"changeline/internal/config"
	"changeline/internal/daemon"
	"changeline/internal/db"
	"changeline/internal/domain"
	"changeline/internal/events"
	"changeline/internal/history"
	"changeline/internal/migrate"
	"changeline/internal/record"
	"changeline/internal/sched"
	"changeline/internal/server"
	"changeline/internal/status"
	"changeline/internal/vcs"
)

var rootCmd = &cobra.Command{
	Use:   "cline",
	Short: "Changeline CLI",
	Long: `Changeline tracks software change proposals through a crash-tolerant
lifecycle: creation, testing, review, mail, submit. A background daemon runs
hooks and repair workflows against a bounded pool of workspace directories;
every fact lives in the project record file, so a restart loses nothing.`,
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
	viper.SetEnvPrefix("CHANGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("state-dir", "s", ".", "state directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "bypass transition validation")
	_ = viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(specCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(proposeCmd())
	rootCmd.AddCommand(acceptCmd())
	rootCmd.AddCommand(hookCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// env bundles everything a command needs, built from flags and config.
type env struct {
	StateDir string
	Config   *config.Config
	Store    *record.Store
	Claims   *claim.Manager
	Journal  *events.Writer
	close    func()
}

func (e *env) Close() {
	if e.close != nil {
		e.close()
	}
}

func newEnv(withJournal bool) (*env, error) {
	stateDir := viper.GetString("state-dir")
	cfg, err := config.Load(stateDir)
	if err != nil {
		return nil, err
	}
	store := &record.Store{
		Dir: filepath.Join(stateDir, "records"),
		Lock: record.LockConfig{
			RetryInterval: cfg.Lock.RetryInterval.Std(),
			MaxWait:       cfg.Lock.MaxWait.Std(),
			StaleAfter:    cfg.Lock.StaleAfter.Std(),
		},
	}
	claims := claim.New(filepath.Join(stateDir, "claims"), cfg)
	e := &env{StateDir: stateDir, Config: cfg, Store: store, Claims: claims}
	if withJournal {
		conn, err := db.Open(db.Config{StateDir: stateDir})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, err
		}
		e.Journal = &events.Writer{DB: conn}
		e.close = func() { conn.Close() }
	}
	return e, nil
}

func (e *env) acceptWorkflow(class claim.Class) *accept.Workflow {
	return &accept.Workflow{
		Store:         e.Store,
		Claims:        e.Claims,
		VCS:           &vcs.Git{Bin: e.Config.VCS.Bin},
		Journal:       e.Journal,
		WorkspaceRoot: filepath.Join(e.StateDir, "workspaces"),
		Class:         class,
	}
}

func initCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "init <project>",
		Short: "Create a project record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir := viper.GetString("state-dir")
			if _, err := db.EnsureStateDir(stateDir); err != nil {
				return err
			}
			if err := config.WriteDefault(stateDir); err != nil {
				return err
			}
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Store.Create(args[0], format); err != nil {
				return err
			}
			e.Journal.Append(cmd.Context(), "project.init", args[0], "", viper.GetString("actor-id"), nil)
			fmt.Printf("initialized project %s in %s\n", args[0], e.Store.Path(args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "csr", "record format: csr or yaml")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(false)
			if err != nil {
				return err
			}
			defer e.Close()
			names, err := e.Store.List()
			if err != nil {
				return err
			}
			return printJSONOrLines(names)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project>",
		Short: "Show every ChangeSpec in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(false)
			if err != nil {
				return err
			}
			defer e.Close()
			p, err := e.Store.Load(args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(p)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Spec", "Status", "Parent", "CL", "Entries", "Proposals", "Hooks", "Comments"})
			for _, s := range p.Specs {
				proposals := 0
				for _, h := range s.History {
					if h.Proposed() {
						proposals++
					}
				}
				tw.AppendRow(table.Row{s.Name, s.Status, s.Parent, s.CLRef, len(s.History), proposals, len(s.Hooks), len(s.Comments)})
			}
			tw.Render()
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project> <spec>",
		Short: "Show one ChangeSpec in full",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(false)
			if err != nil {
				return err
			}
			defer e.Close()
			p, err := e.Store.Load(args[0])
			if err != nil {
				return err
			}
			spec, ok := p.Spec(args[1])
			if !ok {
				return fmt.Errorf("spec %s: %w", args[1], domain.ErrNotFound)
			}
			return printJSON(spec)
		},
	}
}

func specCmd() *cobra.Command {
	spec := &cobra.Command{Use: "spec", Short: "Manage ChangeSpecs"}
	spec.AddCommand(specAddCmd())
	return spec
}

func specAddCmd() *cobra.Command {
	var description, parent, cl string
	var targets []string
	cmd := &cobra.Command{
		Use:   "add <project> <name>",
		Short: "Add a ChangeSpec to a project record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			project, name := args[0], args[1]
			err = e.Store.Update(cmd.Context(), project, func(p *domain.Project) error {
				if _, exists := p.Spec(name); exists {
					return fmt.Errorf("spec %s already exists: %w", name, domain.ErrValidation)
				}
				p.Specs = append(p.Specs, &domain.ChangeSpec{
					Name:        name,
					Description: description,
					Parent:      parent,
					CLRef:       cl,
					Status:      domain.StatusDraft,
					TestTargets: targets,
					History:     []domain.HistoryEntry{{Number: 1, Note: "initial"}},
				})
				return nil
			})
			if err != nil {
				return err
			}
			e.Journal.Append(cmd.Context(), "spec.added", project, name, viper.GetString("actor-id"), nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&parent, "parent", "", "parent spec name")
	cmd.Flags().StringVar(&cl, "cl", "", "external review reference")
	cmd.Flags().StringArrayVar(&targets, "test-target", nil, "test target (repeatable)")
	return cmd
}

func transitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <project> <spec> <status>",
		Short: "Move a ChangeSpec to a new status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			project, name := args[0], args[1]
			to := domain.Status(args[2])
			if !to.Valid() {
				return fmt.Errorf("unknown status %q (want one of %v)", args[2], domain.Statuses)
			}
			force := viper.GetBool("force")
			var from domain.Status
			err = e.Store.Update(cmd.Context(), project, func(p *domain.Project) error {
				spec, ok := p.Spec(name)
				if !ok {
					return fmt.Errorf("spec %s: %w", name, domain.ErrNotFound)
				}
				from = spec.Status
				log := &status.Log{}
				return log.Transition(spec, to, reason, force, time.Now())
			})
			if err != nil {
				return err
			}
			e.Journal.Append(cmd.Context(), "status.changed", project, name, viper.GetString("actor-id"), events.EventPayload{
				"from":   string(from),
				"to":     string(to),
				"reason": reason,
				"forced": force,
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the transition")
	return cmd
}

func proposeCmd() *cobra.Command {
	var base int
	var note, diff, chat string
	cmd := &cobra.Command{
		Use:   "propose <project> <spec>",
		Short: "Record a proposed entry against a base number",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			project, name := args[0], args[1]
			var id string
			err = e.Store.Update(cmd.Context(), project, func(p *domain.Project) error {
				spec, ok := p.Spec(name)
				if !ok {
					return fmt.Errorf("spec %s: %w", name, domain.ErrNotFound)
				}
				entry, err := history.AddProposed(spec, base, note, chat, diff)
				if err != nil {
					return err
				}
				id = entry.ID()
				return nil
			})
			if err != nil {
				return err
			}
			e.Journal.Append(cmd.Context(), "proposal.added", project, name, viper.GetString("actor-id"), events.EventPayload{"id": id})
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().IntVar(&base, "base", 0, "base entry number")
	cmd.Flags().StringVar(&note, "note", "", "proposal note")
	cmd.Flags().StringVar(&diff, "diff", "", "diff artifact path")
	cmd.Flags().StringVar(&chat, "chat", "", "chat artifact path")
	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func acceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <project> <spec> <id>...",
		Short: "Apply proposals in order and renumber the history",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			wf := e.acceptWorkflow(claim.Interactive)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return wf.Accept(ctx, args[0], args[1], args[2:], viper.GetString("actor-id"))
		},
	}
}

func hookCmd() *cobra.Command {
	hook := &cobra.Command{Use: "hook", Short: "Manage hooks"}
	hook.AddCommand(hookAddCmd())
	hook.AddCommand(hookRunCmd())
	return hook
}

func hookAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <project> <spec> <command>",
		Short: "Bind a command to a ChangeSpec (prefix ! disables auto-repair, ? runs on proposals)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			project, name, command := args[0], args[1], args[2]
			err = e.Store.Update(cmd.Context(), project, func(p *domain.Project) error {
				spec, ok := p.Spec(name)
				if !ok {
					return fmt.Errorf("spec %s: %w", name, domain.ErrNotFound)
				}
				for _, h := range spec.Hooks {
					if h.RawCommand == command {
						return fmt.Errorf("hook already present: %w", domain.ErrValidation)
					}
				}
				spec.Hooks = append(spec.Hooks, domain.HookEntry{RawCommand: command})
				return nil
			})
			if err != nil {
				return err
			}
			e.Journal.Append(cmd.Context(), "hook.added", project, name, viper.GetString("actor-id"), events.EventPayload{"command": command})
			return nil
		},
	}
}

func hookRunCmd() *cobra.Command {
	var hookIndex int
	var entry string
	cmd := &cobra.Command{
		Use:   "run <project> <spec>",
		Short: "Start one hook run now; the daemon picks up its completion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			project, name := args[0], args[1]
			p, err := e.Store.Load(project)
			if err != nil {
				return err
			}
			spec, ok := p.Spec(name)
			if !ok {
				return fmt.Errorf("spec %s: %w", name, domain.ErrNotFound)
			}
			if hookIndex < 0 || hookIndex >= len(spec.Hooks) {
				return fmt.Errorf("hook index %d out of range: %w", hookIndex, domain.ErrValidation)
			}
			if entry == "" {
				best := 0
				for _, h := range spec.History {
					if !h.Proposed() && h.Number > best {
						best = h.Number
					}
				}
				if best == 0 {
					return fmt.Errorf("spec %s has no accepted entry: %w", name, domain.ErrValidation)
				}
				entry = fmt.Sprintf("%d", best)
			}
			scheduler := &sched.Scheduler{
				Store:           e.Store,
				Claims:          e.Claims,
				Launcher:        &sched.ExecLauncher{},
				Journal:         e.Journal,
				OutDir:          filepath.Join(e.StateDir, ".changeline", "runs"),
				WorkspaceRoot:   filepath.Join(e.StateDir, "workspaces"),
				ZombieThreshold: e.Config.Daemon.ZombieThreshold.Std(),
			}
			wc, err := scheduler.Start(cmd.Context(), project, spec, sched.Run{HookIndex: hookIndex, EntryID: entry, Kind: sched.KindHook})
			if err != nil {
				return err
			}
			if wc != nil {
				fmt.Printf("started hook %d against entry %s in workspace %d\n", hookIndex, entry, wc.Workspace)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&hookIndex, "hook", 0, "hook index")
	cmd.Flags().StringVar(&entry, "entry", "", "history entry id (default: latest accepted)")
	return cmd
}

func commentCmd() *cobra.Command {
	comment := &cobra.Command{Use: "comment", Short: "Manage review comments"}
	comment.AddCommand(commentAckCmd())
	return comment
}

func commentAckCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "ack <project> <spec> <path>",
		Short: "Acknowledge a review comment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			project, name, path := args[0], args[1], args[2]
			err = e.Store.Update(cmd.Context(), project, func(p *domain.Project) error {
				spec, ok := p.Spec(name)
				if !ok {
					return fmt.Errorf("spec %s: %w", name, domain.ErrNotFound)
				}
				for i := range spec.Comments {
					if spec.Comments[i].Path == path {
						spec.Comments[i].Suffix = note
						spec.Comments[i].SuffixType = domain.SuffixAcknowledged
						return nil
					}
				}
				return fmt.Errorf("comment %s: %w", path, domain.ErrNotFound)
			})
			if err != nil {
				return err
			}
			e.Journal.Append(cmd.Context(), "comment.acknowledged", project, name, viper.GetString("actor-id"), events.EventPayload{"path": path})
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "acknowledged", "acknowledgement note")
	return cmd
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background orchestration loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			var ag agent.Agent
			if len(e.Config.Agent.Command) > 0 {
				ag = &agent.CommandAgent{Command: e.Config.Agent.Command}
			}
			wf := e.acceptWorkflow(claim.Background)
			scheduler := &sched.Scheduler{
				Store:           e.Store,
				Claims:          e.Claims,
				Launcher:        &sched.ExecLauncher{Agent: ag},
				Accepter:        wf,
				Journal:         e.Journal,
				OutDir:          filepath.Join(e.StateDir, ".changeline", "runs"),
				WorkspaceRoot:   filepath.Join(e.StateDir, "workspaces"),
				ZombieThreshold: e.Config.Daemon.ZombieThreshold.Std(),
			}
			d := &daemon.Daemon{
				Store:        e.Store,
				Sched:        scheduler,
				Journal:      e.Journal,
				FastInterval: e.Config.Daemon.FastInterval.Std(),
				SlowInterval: e.Config.Daemon.SlowInterval.Std(),
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event journal"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var project string
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			list, err := e.Journal.Tail(cmd.Context(), project, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(list)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "TS", "Type", "Project", "Spec", "Actor"})
			for _, evt := range list {
				tw.AppendRow(table.Row{strconv.FormatInt(evt.ID, 10), evt.TS, evt.Type, evt.Project, evt.Spec, evt.Actor})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "filter by project")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			handler, err := server.New(server.Config{
				Store:    e.Store,
				Claims:   e.Claims,
				Journal:  e.Journal,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: os.Getenv("CHANGELINE_JWT_SECRET")},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Changeline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrLines(items []string) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	for _, item := range items {
		fmt.Println(item)
	}
	return nil
}
