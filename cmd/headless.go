package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/coralogyx/loom/pkg/chat"
	"github.com/coralogyx/loom/pkg/config"
	"github.com/coralogyx/loom/pkg/gateway"
	"github.com/coralogyx/loom/pkg/logger"
	"github.com/coralogyx/loom/pkg/resubmit"
	"github.com/coralogyx/loom/pkg/runtime"
	"github.com/coralogyx/loom/pkg/store"
	"github.com/coralogyx/loom/pkg/stream"
	"github.com/coralogyx/loom/pkg/subtasks"
	"github.com/coralogyx/loom/pkg/threads"
	"github.com/coralogyx/loom/pkg/usage"
)

const headlessTimeout = 10 * time.Minute

// runHeadless drives one full turn against a thread and prints the grouped
// reply.
func runHeadless(ctx context.Context, prompt, threadID string) error {
	cfg := config.Get()

	sessionStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	tracker := usage.NewTracker(sessionStore)
	registry := subtasks.NewRegistry()
	connector, err := openConnector(cfg)
	if err != nil {
		return err
	}
	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Timeout)
	cache := threads.NewCache()
	remounts := stream.NewRemountSignal(sessionStore, cfg.Stream.PollInterval)

	tracker.Bind(ctx, threadID, true)

	finished := make(chan runtime.ThreadValues, 1)
	session := stream.NewSession(connector, threadID, tracker, registry,
		stream.WithRecursionLimit(cfg.Runtime.RecursionLimit),
		stream.WithFinishFunc(func(values runtime.ThreadValues) {
			finished <- values
		}),
		stream.WithThreadIDFunc(func(oldID, newID string) {
			logger.Info("thread %q assigned id %s", oldID, newID)
		}),
	)

	coordinator := resubmit.NewCoordinator(session, gw, sessionStore, cache, remounts,
		resubmit.WithTTL(cfg.Stream.ResubmitTTL),
		resubmit.WithMaxAttempts(cfg.Stream.MaxResubmitAttempts),
		resubmit.WithSettleDelay(cfg.Stream.SettleDelay),
	)

	if threadID != "" {
		if err := session.Mount(ctx); err != nil {
			return fmt.Errorf("failed to open thread %s: %w", threadID, err)
		}
	}
	coordinator.OnMount(ctx)

	if err := session.Submit(ctx, prompt, stream.SubmitOptions{Resumable: true}); err != nil {
		return fmt.Errorf("failed to submit: %w", err)
	}

	select {
	case values := <-finished:
		printConversation(values)
	case <-time.After(headlessTimeout):
		_ = session.Stop(ctx)
		return fmt.Errorf("run timed out after %s", headlessTimeout)
	case <-ctx.Done():
		_ = session.Stop(context.Background())
		return ctx.Err()
	}

	if snap, active := tracker.Snapshot(); active {
		fmt.Printf("\n[tokens: %d in / %d out, %s elapsed]\n",
			snap.InputTokens, snap.OutputTokens, time.Since(snap.StartTime).Round(time.Second))
	}
	return nil
}

func openConnector(cfg *config.Config) (runtime.Connector, error) {
	if cfg.Runtime.URL == "local" {
		llm, err := ollama.New(ollama.WithModel(cfg.Runtime.Model))
		if err != nil {
			return nil, fmt.Errorf("failed to create local model: %w", err)
		}
		return runtime.NewLocalConnector(llm), nil
	}
	return runtime.NewClient(cfg.Runtime.URL, cfg.Runtime.AssistantID, cfg.Gateway.Timeout), nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return store.NewRedisStore(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB, "loom")
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewFileStore(cfg.Store.Path)
	}
}

func printConversation(values runtime.ThreadValues) {
	groups := chat.GroupOrFlatten(values.Messages, nil, logger.WithComponent("headless"))
	for _, g := range groups {
		switch g.Kind {
		case chat.GroupHuman:
			fmt.Printf("> %s\n", g.Messages[0].VisibleText())
		case chat.GroupAssistant:
			fmt.Printf("%s\n", g.Messages[0].VisibleText())
		case chat.GroupPresentFiles:
			fmt.Printf("[files] %v\n", g.Files)
		case chat.GroupClarification:
			fmt.Printf("[question] %s\n", g.Messages[0].VisibleText())
		case chat.GroupSubagent:
			fmt.Printf("[subtasks] %d dispatched\n", len(g.TaskIDs))
		}
	}
}
