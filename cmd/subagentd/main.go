// PicoClaw subagent core - reference entrypoint
// License: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/commands"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/subagent"
	"github.com/sipeed/picoclaw/pkg/subagent/channelregistry"
	"github.com/sipeed/picoclaw/pkg/subagent/wsnodes"
)

// mainSessionKey is the main conversation's session key for this
// reference daemon: the default CLI scope. The "main" alias in announce
// routing resolves to it.
const mainSessionKey = "cli:default#1"

func defaultConfigPath() string {
	return config.ResolveRuntimePaths().ConfigPath
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// runner bundles every wired component: newRunner builds the graph,
// start/stop manage its lifecycle.
type runner struct {
	cfg       *config.Config
	sessions  *session.SessionManager
	gateway   *AnthropicGateway
	bus       *lifecycleBus
	msgBus    *bus.MessageBus
	lanes     *subagent.LaneQueue
	nodes     *subagent.NodeSubscriptionIndex
	transport *wsnodes.Transport
	channels  *channelregistry.Registry
	announce  *subagent.AnnounceQueue
	registry  *subagent.SubagentRegistry
}

// newRunner wires every subagent-core component onto one config, but
// starts nothing.
func newRunner(cfg *config.Config) *runner {
	sessions := session.NewSessionManager(cfg.DataPath())
	lcBus := newLifecycleBus()
	gateway := NewAnthropicGateway(cfg, sessions, lcBus)

	lanes := subagent.NewLaneQueue()
	cfg.RLock()
	maxConcurrent := cfg.Agents.Defaults.Subagents.MaxConcurrent
	cfg.RUnlock()
	lanes.SetConcurrency(subagent.SubagentLane, maxConcurrent)

	nodes := subagent.NewNodeSubscriptionIndex()
	transport := wsnodes.NewTransport(cfg.Channels.WebSocket, nodes)

	chReg := channelregistry.New()
	cfg.RLock()
	slackToken := cfg.Channels.Slack.BotToken
	slackEnabled := cfg.Channels.Slack.Enabled
	cfg.RUnlock()
	if slackEnabled && slackToken != "" {
		chReg.Register("slack", channelregistry.NewSlackAdapter(slackToken))
	}

	var registry *subagent.SubagentRegistry

	steerFn := func(ctx context.Context, sessionKey, prompt string) bool {
		if !gateway.IsEmbeddedRunActive(sessionKey) {
			return false
		}
		return gateway.Agent(ctx, subagent.AgentRequest{SessionKey: sessionKey, Message: prompt, Deliver: false}) == nil
	}
	msgBus := bus.NewMessageBus()
	deliverFn := func(ctx context.Context, sessionKey string, origin subagent.DeliveryContext, prompt string) error {
		err := gateway.Agent(ctx, subagent.AgentRequest{
			SessionKey: sessionKey,
			Message:    prompt,
			Deliver:    true,
			Channel:    origin.Channel,
			AccountID:  origin.AccountID,
			To:         origin.To,
			ThreadID:   origin.ThreadID,
		})
		if err == nil {
			msgBus.PublishOutbound(bus.OutboundMessage{Channel: origin.Channel, ChatID: origin.To, Content: prompt})
		}
		return err
	}
	activeCount := func(requesterSessionKey string) int {
		if registry == nil {
			return 0
		}
		n := 0
		for _, rec := range registry.ListForRequester(requesterSessionKey) {
			if rec.EndedAtMs == 0 {
				n++
			}
		}
		return n
	}
	announce := subagent.NewAnnounceQueue(mainSessionKey, 2*time.Second, 5, steerFn, deliverFn, gateway, activeCount)
	// Parent-run-end signal: when a session's last embedded run ends,
	// flush whatever the queue was holding for it (collect items, and
	// followups deferred behind the active run).
	gateway.onSessionIdle = func(sessionKey string) {
		go announce.OnParentRunEnd(sessionKey)
	}

	flowDeps := subagent.FlowDeps{
		Gateway:    gateway,
		Embedded:   gateway,
		AnnounceQ:  announce,
		CostLookup: modelCostLookup,
	}
	registry = subagent.NewSubagentRegistry(cfg.DataPath(), gateway, lcBus, flowDeps, "subagent")

	return &runner{
		cfg:       cfg,
		sessions:  sessions,
		gateway:   gateway,
		bus:       lcBus,
		msgBus:    msgBus,
		lanes:     lanes,
		nodes:     nodes,
		transport: transport,
		channels:  chReg,
		announce:  announce,
		registry:  registry,
	}
}

func (r *runner) start(ctx context.Context) {
	r.registry.Init()
	if err := r.transport.Start(ctx); err != nil {
		logger.ErrorCF("subagentd", "websocket transport failed to start", map[string]any{"error": err.Error()})
	}
	go r.pumpOutbound(ctx)
}

// pumpOutbound mirrors every delivered announcement to whichever nodes
// hold at least one subscription, so an operator UI attached over the
// websocket transport sees traffic as it happens.
func (r *runner) pumpOutbound(ctx context.Context) {
	for {
		msg, ok := r.msgBus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		r.nodes.SendToAllSubscribed("message.out", msg, r.transport.Send)
	}
}

func (r *runner) stop() {
	if err := r.transport.Stop(); err != nil {
		logger.WarnCF("subagentd", "websocket transport shutdown error", map[string]any{"error": err.Error()})
	}
	r.msgBus.Close()
	r.lanes.ResetAll()
}

// newSpawnTool builds a sessions_spawn tool bound to one requester
// session, honoring that requester's agent-profile overrides.
func (r *runner) newSpawnTool(requesterSessionKey, requesterDisplayKey string, origin subagent.DeliveryContext, requesterAgentID string) *subagent.SpawnTool {
	if normalized := subagent.Normalize(r.channels, &origin); normalized != nil {
		origin = *normalized
	}
	overrides := r.cfg.SubagentOverridesFor(requesterAgentID)
	model := overrides.Model
	if model == "" {
		r.cfg.RLock()
		model = r.cfg.Agents.Defaults.Subagents.Model
		r.cfg.RUnlock()
	}
	cfg := r.cfg
	cfg.RLock()
	archiveAfter := time.Duration(cfg.Agents.Defaults.Subagents.ArchiveAfterMinutes) * time.Minute
	maxConc := cfg.Agents.Defaults.Subagents.MaxConcurrent
	cfg.RUnlock()

	tool := subagent.NewSpawnTool(r.registry, r.lanes, r.gateway, requesterSessionKey, requesterDisplayKey, origin, model, config.IsKnownModel, maxConc)
	tool.ArchiveAfter = archiveAfter
	tool.AllowAgent = func(targetAgentID string) bool {
		return cfg.AgentAllowed(requesterAgentID, targetAgentID)
	}
	return tool
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "subagentd",
		Short: "Reference subagent orchestration core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config.json")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newSpawnCommand(&configPath))
	root.AddCommand(newCmdCommand(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket transport, archive sweeper, and crash-recovery resume",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger.SetLevel(logger.INFO)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			r := newRunner(cfg)
			r.start(ctx)
			logger.InfoCF("subagentd", "serving", map[string]any{"wsPort": cfg.Channels.WebSocket.Port})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logger.InfoC("subagentd", "shutting down")
			r.stop()
			return nil
		},
	}
}

func newSpawnCommand(configPath *string) *cobra.Command {
	var requester, label, agentID string

	cmd := &cobra.Command{
		Use:   "spawn [task]",
		Short: "Spawn a single background run from the command line and print its run id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger.SetLevel(logger.WARN)

			r := newRunner(cfg)
			r.registry.Init()

			if requester == "" {
				requester = mainSessionKey
			}
			tool := r.newSpawnTool(requester, requester, subagent.DeliveryContext{Channel: "cli", To: requester}, agentID)
			tool.DefaultAnnounceMode = subagent.AnnounceCollect

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			result := tool.Execute(ctx, map[string]any{"task": args[0], "label": label, "agentId": agentID})
			if result.IsError {
				return fmt.Errorf("spawn failed: %s", result.ForLLM)
			}
			fmt.Println(result.ForLLM)
			return nil
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "requester session key (default: the main session key)")
	cmd.Flags().StringVar(&label, "label", "", "human readable label for the run")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent profile id to spawn")
	return cmd
}

func newCmdCommand(configPath *string) *cobra.Command {
	var requester string

	cmd := &cobra.Command{
		Use:   "cmd [text]",
		Short: `Run a slash command (e.g. "/subagents list") against the local state`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger.SetLevel(logger.WARN)

			r := newRunner(cfg)
			r.registry.Init()

			if requester == "" {
				requester = mainSessionKey
			}
			ops := &subagentOps{registry: r.registry, gateway: r.gateway, requester: requester}
			rt := &commandRuntime{channel: "cli", scopeKey: requester, sessions: r.sessions, cfg: cfg, ops: ops}

			defs := append(commands.BuiltinDefinitions(cfg), commands.SubagentDefinitions()...)
			exec := commands.NewExecutor(commands.NewRegistry(defs))
			ctx := commands.WithRuntime(context.Background(), rt)

			result := exec.Execute(ctx, commands.Request{
				Channel: "cli",
				ChatID:  requester,
				Text:    args[0],
				Reply:   func(text string) error { fmt.Println(text); return nil },
			})
			if result.Err != nil {
				return result.Err
			}
			switch result.Outcome {
			case commands.OutcomeRejected:
				fmt.Println(result.Reply)
			case commands.OutcomePassthrough:
				return fmt.Errorf("not a recognised command: %s", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "requester session key scope")
	return cmd
}
