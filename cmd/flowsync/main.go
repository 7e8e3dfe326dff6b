package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/flowsync-dev/flowsync/internal/config"
	"github.com/flowsync-dev/flowsync/internal/ledger"
	"github.com/flowsync-dev/flowsync/internal/model"
	"github.com/flowsync-dev/flowsync/internal/reconcile"
	"github.com/flowsync-dev/flowsync/internal/remote"
	"github.com/flowsync-dev/flowsync/internal/watcher"
	"github.com/flowsync-dev/flowsync/internal/workspace"
	"github.com/flowsync-dev/flowsync/pkg/clog"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

var (
	app      = kingpin.New("flowsync", "Mirror conversational-agent projects between the platform and a local file tree")
	customer = app.Flag("customer", "Customer namespace (all namespaces when omitted)").String()

	pullCmd     = app.Command("pull", "Fetch the remote tree and reconcile it into the workspace")
	pullForce   = pullCmd.Flag("force", "Overwrite conflicting local files without prompting").Bool()
	pullProject = pullCmd.Flag("project", "Remote project id (defaults to the id bound in the map)").String()

	pushCmd       = app.Command("push", "Create local-only entities remotely and push local drift")
	pushNoPublish = pushCmd.Flag("no-publish", "Skip publishing touched flows").Bool()

	statusCmd = app.Command("status", "Report local drift against the last sync without side effects")

	watchCmd = app.Command("watch", "Re-run status whenever the customer tree changes on disk")

	createCmd       = app.Command("create", "Author a local-only entity (pushed on the next push)")
	createAgentCmd  = createCmd.Command("agent", "Create a local agent")
	createAgentPath = createAgentCmd.Arg("idn", "Agent slug").Required().String()
	createFlowCmd   = createCmd.Command("flow", "Create a local flow")
	createFlowPath  = createFlowCmd.Arg("path", "agent/flow slug path").Required().String()
	createSkillCmd  = createCmd.Command("skill", "Create a local skill")
	createSkillPath = createSkillCmd.Arg("path", "agent/flow/skill slug path").Required().String()
	createTitle     = createCmd.Flag("title", "Entity title").String()
	createRunner    = createCmd.Flag("runner", "Runner kind (guidance or jinja)").Default("guidance").String()
	createModel     = createCmd.Flag("model", "Model reference").String()

	deleteCmd  = app.Command("delete", "Remove a local entity copy (never touches the platform)")
	deletePath = deleteCmd.Arg("path", "agent[/flow[/skill]] slug path").Required().String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.LoadEnv()
	if err != nil {
		fatal(err)
	}
	log := clog.New(os.Stderr, clog.WithLevel(cfg.SlogLevel()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, command, cfg, log); err != nil {
		if errors.Is(err, reconcile.ErrAborted) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			os.Exit(1)
		}
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "flowsync: %v\n", err)
	os.Exit(1)
}

func run(ctx context.Context, command string, cfg *config.Env, log *slog.Logger) error {
	names, err := customers(cfg)
	if err != nil {
		return err
	}

	switch command {
	case pullCmd.FullCommand():
		return eachCustomer(ctx, cfg, log, names, runPull)
	case pushCmd.FullCommand():
		return eachCustomer(ctx, cfg, log, names, runPush)
	case statusCmd.FullCommand():
		return eachCustomer(ctx, cfg, log, names, runStatus)
	case watchCmd.FullCommand():
		if len(names) != 1 {
			return fmt.Errorf("watch needs exactly one --customer, got %d namespaces", len(names))
		}
		return runWatch(ctx, cfg, log, names[0])
	case createAgentCmd.FullCommand():
		return withSingleCustomer(names, func(name string) error {
			return runCreate(cfg, name, "agent", *createAgentPath)
		})
	case createFlowCmd.FullCommand():
		return withSingleCustomer(names, func(name string) error {
			return runCreate(cfg, name, "flow", *createFlowPath)
		})
	case createSkillCmd.FullCommand():
		return withSingleCustomer(names, func(name string) error {
			return runCreate(cfg, name, "skill", *createSkillPath)
		})
	case deleteCmd.FullCommand():
		return withSingleCustomer(names, func(name string) error {
			return runDelete(ctx, cfg, name, *deletePath)
		})
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func withSingleCustomer(names []string, fn func(string) error) error {
	if len(names) != 1 {
		return fmt.Errorf("this command needs exactly one --customer, got %d namespaces", len(names))
	}
	return fn(names[0])
}

// customers resolves the namespaces to operate on. Namespaces run
// sequentially, never concurrently, so prompts and output stay
// attributable to one customer at a time.
func customers(cfg *config.Env) ([]string, error) {
	if *customer != "" {
		return []string{*customer}, nil
	}
	entries, err := os.ReadDir(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list root dir %s: %w", cfg.RootDir, err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(cfg.RootDir, entry.Name(), "projects")); err == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no customer namespaces under %s", cfg.RootDir)
	}
	return names, nil
}

func eachCustomer(ctx context.Context, cfg *config.Env, log *slog.Logger, names []string, fn func(context.Context, *config.Env, *slog.Logger, string) error) error {
	for _, name := range names {
		fmt.Printf("== %s\n", name)
		if err := fn(ctx, cfg, log.With("customer", name), name); err != nil {
			return err
		}
	}
	return nil
}

func stateStore(ctx context.Context, cfg *config.Env, name string) (storage.Storage, error) {
	switch cfg.Type {
	case "s3":
		return storage.NewS3Store(ctx, cfg.S3Bucket, strings.TrimSuffix(cfg.S3Prefix, "/")+"/"+name, cfg.S3Region)
	default:
		return storage.NewLocal(filepath.Join(cfg.RootDir, name))
	}
}

func runPull(ctx context.Context, cfg *config.Env, log *slog.Logger, name string) error {
	ws := workspace.New(filepath.Join(cfg.RootDir, name))
	store, err := stateStore(ctx, cfg, name)
	if err != nil {
		return err
	}

	projectID := *pullProject
	if projectID == "" {
		tree, err := model.LoadTree(ctx, store)
		if err != nil {
			return fmt.Errorf("no --project given and no existing map for %s: %w", name, err)
		}
		projectID = tree.Project.ID
	}

	puller := &reconcile.Puller{
		Gateway:     remote.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.RefreshToken),
		WS:          ws,
		Store:       store,
		Confirm:     &reconcile.TerminalConfirmer{In: os.Stdin, Out: os.Stdout},
		Log:         log,
		Force:       *pullForce,
		Concurrency: cfg.FetchConcurrency,
	}
	report, err := puller.Run(ctx, projectID)
	if report != nil {
		fmt.Printf("pulled: %d written, %d kept, %d deleted, %d skipped\n",
			report.Written, report.Kept, report.Deleted, report.Skipped)
	}
	return err
}

func runPush(ctx context.Context, cfg *config.Env, log *slog.Logger, name string) error {
	ws := workspace.New(filepath.Join(cfg.RootDir, name))
	store, err := stateStore(ctx, cfg, name)
	if err != nil {
		return err
	}
	pusher := &reconcile.Pusher{
		Gateway:     remote.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.RefreshToken),
		WS:          ws,
		Store:       store,
		Log:         log,
		Publish:     !*pushNoPublish,
		Concurrency: cfg.FetchConcurrency,
	}
	report, err := pusher.Run(ctx)
	if report != nil {
		fmt.Printf("pushed: %d created, %d updated, %d failed, %d published, %d publish failures\n",
			report.Created, report.Updated, report.Failed, report.Published, report.PublishFailed)
	}
	return err
}

func runStatus(ctx context.Context, cfg *config.Env, log *slog.Logger, name string) error {
	ws := workspace.New(filepath.Join(cfg.RootDir, name))
	store, err := stateStore(ctx, cfg, name)
	if err != nil {
		return err
	}
	reporter := &reconcile.StatusReporter{WS: ws, Store: store, Log: log}
	report, err := reporter.Run(ctx)
	if err != nil {
		return err
	}
	report.Render(os.Stdout)
	return nil
}

func runWatch(ctx context.Context, cfg *config.Env, log *slog.Logger, name string) error {
	root := filepath.Join(cfg.RootDir, name)
	log.Info("watching", "root", root)
	err := watcher.Watch(ctx, root, log, func(ctx context.Context) error {
		return runStatus(ctx, cfg, log, name)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runCreate authors a local-only entity: a metadata file with an empty id
// (plus a stub script for skills). Nothing touches the network; the next
// push binds it.
func runCreate(cfg *config.Env, name, kind, slugPath string) error {
	ws := workspace.New(filepath.Join(cfg.RootDir, name))
	project, err := singleProject(ws)
	if err != nil {
		return err
	}
	segments := strings.Split(slugPath, "/")
	runner := model.RunnerKind(*createRunner)
	if !runner.Valid() {
		return fmt.Errorf("unknown runner kind %q", *createRunner)
	}

	switch kind {
	case "agent":
		if len(segments) != 1 {
			return fmt.Errorf("agent path must be a single slug, got %q", slugPath)
		}
		dir := workspace.AgentDir(project, segments[0])
		if ws.Exists(workspace.MetaPath(dir)) {
			return fmt.Errorf("agent %s already exists", slugPath)
		}
		_, err := ws.WriteAgent(dir, &model.Agent{Idn: segments[0], Title: orSlug(*createTitle, segments[0])})
		return err
	case "flow":
		if len(segments) != 2 {
			return fmt.Errorf("flow path must be agent/flow, got %q", slugPath)
		}
		dir := workspace.FlowDir(project, segments[0], segments[1])
		if ws.Exists(workspace.MetaPath(dir)) {
			return fmt.Errorf("flow %s already exists", slugPath)
		}
		_, err := ws.WriteFlow(dir, &model.Flow{
			Idn:    segments[1],
			Title:  orSlug(*createTitle, segments[1]),
			Runner: runner,
			Model:  *createModel,
		})
		return err
	case "skill":
		if len(segments) != 3 {
			return fmt.Errorf("skill path must be agent/flow/skill, got %q", slugPath)
		}
		dir := workspace.SkillDir(project, segments[0], segments[1], segments[2])
		if ws.Exists(workspace.MetaPath(dir)) {
			return fmt.Errorf("skill %s already exists", slugPath)
		}
		if _, err := ws.WriteSkill(dir, &model.Skill{
			Idn:    segments[2],
			Title:  orSlug(*createTitle, segments[2]),
			Runner: runner,
			Model:  *createModel,
		}); err != nil {
			return err
		}
		return ws.WriteFile(workspace.ScriptPath(dir, segments[2], runner), nil)
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
}

// runDelete retires a local entity copy: the directory and its ledger
// entries go away, the map binding stays. Deletions never propagate to
// the platform on push; use the platform itself to delete remotely.
func runDelete(ctx context.Context, cfg *config.Env, name, slugPath string) error {
	ws := workspace.New(filepath.Join(cfg.RootDir, name))
	store, err := stateStore(ctx, cfg, name)
	if err != nil {
		return err
	}
	project, err := singleProject(ws)
	if err != nil {
		return err
	}
	segments := strings.Split(slugPath, "/")
	var dir string
	switch len(segments) {
	case 1:
		dir = workspace.AgentDir(project, segments[0])
	case 2:
		dir = workspace.FlowDir(project, segments[0], segments[1])
	case 3:
		dir = workspace.SkillDir(project, segments[0], segments[1], segments[2])
	default:
		return fmt.Errorf("path must be agent[/flow[/skill]], got %q", slugPath)
	}
	if !ws.Exists(workspace.MetaPath(dir)) {
		return fmt.Errorf("no entity at %s", dir)
	}
	if err := ws.RemoveAll(dir); err != nil {
		return err
	}
	led, err := ledger.Load(ctx, store)
	if err != nil {
		return err
	}
	led.DeletePrefix(dir)
	return led.Save(ctx, store)
}

func singleProject(ws *workspace.Workspace) (string, error) {
	projects, err := ws.Projects()
	if err != nil {
		return "", err
	}
	if len(projects) != 1 {
		return "", fmt.Errorf("expected exactly one project directory, found %d", len(projects))
	}
	return projects[0], nil
}

func orSlug(title, slug string) string {
	if title != "" {
		return title
	}
	return slug
}
