// Command server runs the marketing-automation agent orchestrator: it wires
// the Session Manager (C1) over a newline-delimited JSON stdio channel, the
// Orchestration Graph (C2) and every node it routes to, and the three
// specialized-workflow tool-service subprocesses (CRM, transactional email,
// URL shortener). The bidirectional streaming front-end itself (spec.md §1
// Non-goals: "the thin streaming front-end") is intentionally minimal here;
// a production deployment fronts this same Manager with a real transport.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/brightfunnel/reachctl/internal/caller"
	"github.com/brightfunnel/reachctl/internal/completion"
	"github.com/brightfunnel/reachctl/internal/durable"
	"github.com/brightfunnel/reachctl/internal/graph"
	"github.com/brightfunnel/reachctl/internal/manager"
	"github.com/brightfunnel/reachctl/internal/model"
	anthropicmodel "github.com/brightfunnel/reachctl/internal/model/anthropic"
	openaimodel "github.com/brightfunnel/reachctl/internal/model/openai"
	"github.com/brightfunnel/reachctl/internal/orchestrator"
	"github.com/brightfunnel/reachctl/internal/placeholder"
	"github.com/brightfunnel/reachctl/internal/plannerloop"
	"github.com/brightfunnel/reachctl/internal/registry"
	"github.com/brightfunnel/reachctl/internal/schema"
	"github.com/brightfunnel/reachctl/internal/serverconfig"
	"github.com/brightfunnel/reachctl/internal/session"
	"github.com/brightfunnel/reachctl/internal/session/inmem"
	"github.com/brightfunnel/reachctl/internal/session/mongostore"
	"github.com/brightfunnel/reachctl/internal/stream"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/tools"
	"github.com/brightfunnel/reachctl/internal/transport"
	"github.com/brightfunnel/reachctl/internal/workflows"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		threadID   string
		dbgF       bool
	)

	cmd := &cobra.Command{
		Use:     "reachctl-server",
		Short:   "Marketing-automation agent orchestrator",
		Version: "dev",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				threadID = uuid.NewString()
			}
			return run(cmd.Context(), configPath, threadID, dbgF)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config/server.yaml", "path to the server config document")
	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread-id identifying this connection's session (default: a freshly generated id, printed on startup)")
	cmd.Flags().BoolVar(&dbgF, "debug", false, "log request and response bodies")
	return cmd
}

func run(ctx context.Context, configPath, threadID string, debug bool) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()

	cfg, err := serverconfig.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("server: load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr, closeFn, err := wire(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("server: wire components: %w", err)
	}
	defer closeFn()

	log.Print(ctx, log.KV{K: "msg", V: "reachctl server ready, reading newline-delimited JSON from stdin"}, log.KV{K: "thread_id", V: threadID})
	return serveStdio(ctx, mgr, threadID)
}

// wire constructs every component the spec names (C1-C11) from cfg and
// returns the top-level Session Manager plus a cleanup function that stops
// every subprocess session.
func wire(ctx context.Context, cfg *serverconfig.Config, logger telemetry.Logger) (*manager.Manager, func(), error) {
	modelCli, err := wireModel(cfg)
	if err != nil {
		return nil, nil, err
	}

	reg, err := registry.LoadFile(cfg.RegistryPath)
	if err != nil {
		return nil, nil, fmt.Errorf("server: load registry: %w", err)
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	adapter := transport.NewAdapter(logger)
	resolver := placeholder.New(logger)

	// One subprocess session per registered dynamically planned service,
	// pre-loaded at startup (spec §4.7 "Startup pre-load").
	loops := make(map[string]*plannerloop.Loop, len(reg.Names()))
	for _, svc := range reg.All() {
		procCaller, err := transport.StartProcessCaller(ctx, svc.ExecutionEndpoint)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("server: start service %q: %w", svc.Name, err)
		}
		closers = append(closers, func() { procCaller.Close() })
		descriptors, err := procCaller.ListTools(ctx)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("server: list tools for %q: %w", svc.Name, err)
		}
		loop := plannerloop.New(procCaller, adapter, resolver, modelCli, logger)
		loop.SetToolDescriptors(toolDescriptors(descriptors))
		loops[svc.Name] = loop
	}

	// The three specialized-workflow collaborators are fixed, not
	// registry-driven (spec §4.8).
	crmCaller, err := startNamedCaller(ctx, "crm", cfg.Workflows.CRM, &closers)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	emailCaller, err := startNamedCaller(ctx, "email", cfg.Workflows.Email, &closers)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	linklyCaller, err := startNamedCaller(ctx, "linkly", cfg.Workflows.Linkly, &closers)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	c := caller.New(reg, loops, logger)
	if cfg.RegistryHealth.Addr != "" {
		tracker, err := wireHealthTracker(ctx, cfg)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		c.SetHealthTracker(tracker)
		closers = append(closers, func() { tracker.Close() })
	}
	if cfg.SchemaPath != "" {
		builder, err := wireSchemaBuilder(cfg.SchemaPath)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		c.SetSchemaBuilders(map[string]*schema.Builder{cfg.SchemaService: builder})
	}
	orch := orchestrator.New(modelCli, cfg.OrchestratorSystemPrompt)
	comp := completion.New(modelCli)
	emailSend := workflows.NewEmailSend(crmCaller, emailCaller, linklyCaller, adapter, resolver, logger)
	engagement := workflows.NewEngagement(crmCaller, linklyCaller, adapter, logger)
	saveTemplate := workflows.NewSaveTemplate(emailCaller, crmCaller, adapter, logger)
	emailBuilder := workflows.NewEmailBuilder(modelCli)

	g := graph.New(orch, c, reg, comp, emailSend, engagement, saveTemplate, emailBuilder, logger)

	sessions, checkpoints, err := wireSessionBackend(ctx, cfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	if cfg.Durable.HostPort != "" {
		durableWorker, err := durable.NewWorker(cfg.Durable.HostPort, cfg.Durable.Namespace, g)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("server: wire durable backend: %w", err)
		}
		if err := durableWorker.Start(); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("server: start durable worker: %w", err)
		}
		closers = append(closers, durableWorker.Close)
		log.Print(ctx, log.KV{K: "msg", V: "durable Temporal backend enabled"}, log.KV{K: "task_queue", V: durable.TaskQueue})
	}

	mgr := manager.New(g, sessions, checkpoints, cfg.MaxIterations, logger, nil)
	return mgr, closeAll, nil
}

// toolDescriptors converts a service's raw transport-level tool list into
// the Tool Descriptor data model the Planner/Executor Loop classifies
// batch-vs-iterate dispatch against (spec §4.5.3).
func toolDescriptors(raw []transport.Descriptor) []tools.Descriptor {
	out := make([]tools.Descriptor, 0, len(raw))
	for _, d := range raw {
		out = append(out, tools.FromSchema(tools.Ident(d.Name), d.Description, d.Schema))
	}
	return out
}

func startNamedCaller(ctx context.Context, name string, argv []string, closers *[]func()) (*transport.ProcessCaller, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("server: workflows.%s is not configured", name)
	}
	procCaller, err := transport.StartProcessCaller(ctx, argv)
	if err != nil {
		return nil, fmt.Errorf("server: start %s subprocess: %w", name, err)
	}
	*closers = append(*closers, func() { procCaller.Close() })
	return procCaller, nil
}

// wireHealthTracker connects to the configured Redis instance and joins the
// C7 distributed health map (spec §6 registry, supplemented with liveness
// tracking per the teacher's registry/health_tracker.go).
func wireHealthTracker(ctx context.Context, cfg *serverconfig.Config) (*registry.HealthTracker, error) {
	redisCli := redis.NewClient(&redis.Options{Addr: cfg.RegistryHealth.Addr})
	threshold := time.Duration(cfg.RegistryHealth.StalenessThreshold) * time.Second
	tracker, err := registry.NewHealthTracker(ctx, redisCli, cfg.RegistryHealth.Name, threshold)
	if err != nil {
		return nil, fmt.Errorf("server: wire health tracker: %w", err)
	}
	return tracker, nil
}

// wireSchemaBuilder loads the CRM object/field metadata document and builds
// the Schema Context Builder's indexes (spec §4.9) over the default hashing
// embedder.
func wireSchemaBuilder(path string) (*schema.Builder, error) {
	loaded, err := schema.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server: load schema metadata: %w", err)
	}
	embedder := schema.NewHashingEmbedder()
	objectIndex, fieldIndexes, err := loaded.BuildIndexes(embedder)
	if err != nil {
		return nil, fmt.Errorf("server: build schema indexes: %w", err)
	}
	return schema.NewBuilder(embedder, objectIndex, fieldIndexes, loaded.Objects, loaded.Adjacency), nil
}

func wireModel(cfg *serverconfig.Config) (model.Client, error) {
	switch cfg.Model.Provider {
	case serverconfig.ModelProviderOpenAI:
		name := cfg.Model.ModelName
		if name == "" {
			name = "gpt-4o"
		}
		return openaimodel.New(cfg.Model.APIKey, name), nil
	case serverconfig.ModelProviderAnthropic:
		fallthrough
	default:
		name := cfg.Model.ModelName
		if name == "" {
			name = "claude-sonnet-4-5"
		}
		return anthropicmodel.New(cfg.Model.APIKey, anthropic.Model(name)), nil
	}
}

func wireSessionBackend(ctx context.Context, cfg *serverconfig.Config) (session.Store, session.CheckpointStore, error) {
	switch cfg.Session.Backend {
	case serverconfig.SessionBackendMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Session.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("server: connect mongodb: %w", err)
		}
		store := mongostore.New(client.Database(cfg.Session.MongoDB))
		return store, store, nil
	default:
		store := inmem.New()
		return store, store, nil
	}
}

// serveStdio implements a minimal stand-in for the bidirectional streaming
// front-end (spec.md §1 treats it as out of scope): one InboundMessage per
// line on stdin, one outbound envelope per line on stdout, all scoped to a
// single thread-id since this driver serves exactly one connection.
func serveStdio(ctx context.Context, mgr *manager.Manager, threadID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var in stream.InboundMessage
		if err := json.Unmarshal(scanner.Bytes(), &in); err != nil {
			enc.Encode(stream.NewError(fmt.Sprintf("invalid message: %v", err)))
			continue
		}

		out, err := mgr.HandleMessage(ctx, threadID, in.Message)
		if err != nil {
			enc.Encode(stream.NewError(err.Error()))
			continue
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("server: encode outbound payload: %w", err)
		}
	}
	return scanner.Err()
}
