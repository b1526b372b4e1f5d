// Command worker runs a demo Nooble service worker. It consumes the
// "demo" action queue and registers one handler per communication
// pattern:
//
//	demo.echo.get      - returns its input, for pseudo-sync calls
//	demo.embed.create  - produces fake embeddings, for async callbacks
//	demo.counter.incr  - a context-bearing handler counting per session
//
// Configuration is read from NOOBLE_* environment variables; see package
// nooble.dev/core/config. Run alongside the send command:
//
//	NOOBLE_SERVICE=demo go run ./example/cmd/worker
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"nooble.dev/core/broker"
	"nooble.dev/core/client"
	"nooble.dev/core/config"
	"nooble.dev/core/envelope"
	"nooble.dev/core/handler"
	"nooble.dev/core/naming"
	"nooble.dev/core/telemetry"
	"nooble.dev/core/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	if cfg.Service == "" {
		cfg.Service = "demo"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
	})
	b, err := broker.NewRedis(broker.Options{Client: rdb})
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Errorf(ctx, err, "close broker")
		}
	}()
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	namer, err := naming.New(cfg.Prefix, cfg.Env)
	if err != nil {
		return fmt.Errorf("create namer: %w", err)
	}
	cli, err := client.New(b, namer, cfg.Service,
		client.WithLogger(telemetry.NewClueLogger()),
		client.WithCallTimeout(cfg.CallTimeout),
	)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	w, err := worker.New(b, namer, cfg.Service,
		worker.WithClient(cli),
		worker.WithLogger(telemetry.NewClueLogger()),
		worker.WithPopTimeout(cfg.PopTimeout),
		worker.WithResponseTTL(cfg.ResponseTTL),
	)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	if err := register(w, b); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	// Consume the callback queue the send command points embed callbacks
	// at, so both halves of the async pattern run in one process.
	cbQueue, err := namer.CallbackQueue(cfg.Service, "embed-done", "demo-task")
	if err != nil {
		return fmt.Errorf("derive callback queue: %w", err)
	}
	if err := w.Listen(cbQueue); err != nil {
		return fmt.Errorf("listen on callback queue: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx)
	}()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.String()})
		w.Stop(cfg.ShutdownGrace)
		return <-errc
	}
}

func register(w *worker.Worker, b broker.Broker) error {
	if err := w.RegisterFunc("demo.echo.get", echo); err != nil {
		return err
	}
	if err := w.RegisterFunc("demo.embed.create", embed); err != nil {
		return err
	}
	if err := w.RegisterFunc("demo.embeddings.ready", embeddingsReady); err != nil {
		return err
	}
	counter := &handler.State[sessionCount]{
		Store: b,
		Key: func(a *envelope.Action) (string, error) {
			if a.SessionID == "" {
				return "", envelope.NewError(envelope.ErrorValidation, "session_id is required")
			}
			return "demo:counter:" + a.SessionID, nil
		},
		Apply: func(_ context.Context, s *sessionCount, _ *envelope.Action, _ *handler.ExecutionContext) (*sessionCount, any, error) {
			s.Count++
			return s, map[string]any{"count": s.Count}, nil
		},
	}
	return w.Register("demo.counter.incr", counter)
}

type sessionCount struct {
	Count int `json:"count"`
}

// echo returns the request payload unchanged.
func echo(_ context.Context, action *envelope.Action, _ *handler.ExecutionContext) (any, error) {
	return json.RawMessage(action.Data), nil
}

// embed produces one fake embedding per input text.
func embed(_ context.Context, action *envelope.Action, _ *handler.ExecutionContext) (any, error) {
	var in struct {
		Texts []string `json:"texts"`
	}
	if err := json.Unmarshal(action.Data, &in); err != nil {
		return nil, envelope.WrapError(envelope.ErrorValidation, err, "decode embed input")
	}
	if len(in.Texts) == 0 {
		return nil, envelope.NewError(envelope.ErrorValidation, "texts is empty")
	}
	embeddings := make([][]float64, len(in.Texts))
	for i, t := range in.Texts {
		embeddings[i] = []float64{float64(len(t)), 0.5}
	}
	return map[string]any{"embeddings": embeddings}, nil
}

// embeddingsReady consumes the callback the embed handler's exchange
// produces.
func embeddingsReady(ctx context.Context, action *envelope.Action, ec *handler.ExecutionContext) (any, error) {
	ec.Logger.Info(ctx, "embeddings ready",
		"action_id", action.ID, "correlation_id", action.CorrelationID)
	return nil, nil
}
