// Command send exercises the three communication patterns against the
// demo worker. It sends as the same "demo" service so responses and
// callbacks land on queues the worker consumes.
//
//	go run ./example/cmd/send -pattern call -type demo.echo.get -data '{"hello":"world"}'
//	go run ./example/cmd/send -pattern async -type demo.counter.incr -session s1
//	go run ./example/cmd/send -pattern callback -type demo.embed.create -data '{"texts":["hi"]}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"nooble.dev/core/broker"
	"nooble.dev/core/client"
	"nooble.dev/core/config"
	"nooble.dev/core/envelope"
	"nooble.dev/core/naming"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		patternF = flag.String("pattern", "call", "Send pattern: async, call or callback")
		typeF    = flag.String("type", "demo.echo.get", "Action type")
		dataF    = flag.String("data", "{}", "Action data as JSON")
		sessionF = flag.String("session", "", "Session identifier")
		timeoutF = flag.Duration("timeout", 5*time.Second, "Call timeout")
	)
	flag.Parse()

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
	})
	b, err := broker.NewRedis(broker.Options{Client: rdb})
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	defer b.Close()
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	namer, err := naming.New(cfg.Prefix, cfg.Env)
	if err != nil {
		return fmt.Errorf("create namer: %w", err)
	}
	cli, err := client.New(b, namer, cfg.Service, client.WithCallTimeout(cfg.CallTimeout))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	var opts []envelope.ActionOption
	if *sessionF != "" {
		opts = append(opts, envelope.WithSession(*sessionF))
	}
	action, err := envelope.NewAction(*typeF, json.RawMessage(*dataF), opts...)
	if err != nil {
		return fmt.Errorf("build action: %w", err)
	}

	switch *patternF {
	case "async":
		if err := cli.Send(ctx, action); err != nil {
			return err
		}
		fmt.Printf("sent %s (%s)\n", action.ID, action.Type)
	case "call":
		resp, err := cli.Call(ctx, action, *timeoutF)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		fmt.Println(string(out))
	case "callback":
		if err := cli.SendWithCallback(ctx, action, "embed-done", "demo.embeddings.ready", "demo-task"); err != nil {
			return err
		}
		fmt.Printf("sent %s (%s), callback expected on embed-done/demo-task\n", action.ID, action.Type)
	default:
		return fmt.Errorf("unknown pattern %q", *patternF)
	}
	return nil
}
