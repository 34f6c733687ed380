// Command agentry runs the orchestration core as a single process with
// a demo echo agent type: lines read from stdin become agent input and
// the agent's events are printed as they arrive.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tokenring-ai/agentry/pkg/agent"
	"github.com/tokenring-ai/agentry/pkg/bus"
	"github.com/tokenring-ai/agentry/pkg/checkpoint"
	"github.com/tokenring-ai/agentry/pkg/config"
	"github.com/tokenring-ai/agentry/pkg/core"
	"github.com/tokenring-ai/agentry/pkg/errors"
	"github.com/tokenring-ai/agentry/pkg/manager"
	"github.com/tokenring-ai/agentry/pkg/queue"
	"github.com/tokenring-ai/agentry/pkg/registry"
	"github.com/tokenring-ai/agentry/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentry:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.StringP("config", "c", "", "path to config file")
		showVersion = pflag.BoolP("version", "v", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println("agentry", version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(cfg.Telemetry.ServiceName, version, telemetry.Config{
			Exporter:     cfg.Telemetry.Exporter,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: true,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Warn("telemetry.shutdown.error", "error", err.Error())
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New()
	if svc, ok := store.(core.Service); ok {
		if err := reg.RegisterKeyed("checkpoint", cfg.Checkpoint.Provider, svc); err != nil {
			return err
		}
	}

	mgr := manager.New(
		manager.WithRegistry(reg),
		manager.WithStore(store),
		manager.WithIdleTimeout(cfg.Manager.IdleTimeout),
		manager.WithReclaimInterval(cfg.Manager.ReclaimInterval),
	)
	if err := mgr.RegisterType(manager.Definition{
		Type:    "echo",
		Handler: echoHandler,
		Options: []agent.Option{
			agent.WithRetention(cfg.Bus.Retention),
			agent.WithCallTimeout(cfg.Manager.CallTimeout),
		},
	}); err != nil {
		return err
	}
	mgr.StartReclaim()
	defer mgr.Shutdown()

	work := queue.New(cfg.Queue.Capacity, queue.WithMaxRetries(cfg.Queue.MaxRetries))
	worker := queue.NewWorker(work, mgr, queue.WithPollInterval(cfg.Queue.PollInterval))
	worker.Start()
	defer worker.Stop()

	log.Info("agentry.start",
		"version", version,
		"checkpoint_provider", cfg.Checkpoint.Provider,
		"queue_capacity", cfg.Queue.Capacity,
	)

	return runREPL(ctx, mgr)
}

// runREPL feeds stdin lines to a single echo agent and prints its
// result events. Ctrl-D or a signal ends the loop.
func runREPL(ctx context.Context, mgr *manager.Manager) error {
	a, err := mgr.GetOrCreate(ctx, "", "echo")
	if err != nil {
		return err
	}
	sub, err := a.Bus().Subscribe(0, func(ev bus.Event) {
		payload, _ := ev.Payload.(map[string]any)
		switch ev.Topic {
		case agent.TopicResult:
			fmt.Printf("[%d] %v\n", ev.Sequence, payload["result"])
		case agent.TopicError:
			fmt.Printf("[%d] error: %v\n", ev.Sequence, payload["error"])
		}
	})
	if err != nil {
		return err
	}
	defer a.Bus().Unsubscribe(sub)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			ack, err := a.HandleInput(ctx, line)
			if err != nil {
				if errors.HasCode(err, errors.CodeAgentBusy) {
					fmt.Println("agent is busy, try again")
					continue
				}
				return err
			}
			select {
			case <-ack.Done:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func buildStore(cfg config.CheckpointConfig) (checkpoint.Store, func(), error) {
	switch cfg.Provider {
	case "", "inmemory":
		return checkpoint.NewInMemoryStore(), func() {}, nil
	case "file":
		store, err := checkpoint.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "sqlite":
		store, err := checkpoint.OpenSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint provider: %s", cfg.Provider)
	}
}

func echoHandler(ctx context.Context, turn *agent.Turn, input any) (any, error) {
	text, _ := input.(string)
	var turns int64
	if prev, ok := turn.Get("turns"); ok {
		if n, ok := prev.(int64); ok {
			turns = n
		}
	}
	turns++
	turn.Set("turns", turns)
	turn.Set("last_input", text)
	return fmt.Sprintf("echo %d: %s", turns, text), nil
}
