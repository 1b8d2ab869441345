// Command demo runs one confirmation flow end to end with stub collaborators:
// it initiates a ticket confirmation, "receives" the confirmation event, and
// executes a fake create call. Use it to see the workflow wiring without any
// external services.
//
// Required environment (see package config): HANDOFF_CHAT_TOKEN,
// HANDOFF_TRACKER_BASE_URL, HANDOFF_TRACKER_API_TOKEN. Set HANDOFF_REDIS_URL
// to exercise the Redis-backed store instead of the in-memory one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/handoff/config"
	"goa.design/handoff/coordinator"
	"goa.design/handoff/coordinator/middleware"
	redisstore "goa.design/handoff/features/store/redis"
	"goa.design/handoff/store"
	"goa.design/handoff/store/inmem"
	"goa.design/handoff/workflow"
)

// stubNotifier prints the prompt instead of posting to a chat platform.
type stubNotifier struct{}

func (stubNotifier) PostConfirmation(ctx context.Context, post coordinator.ConfirmationPost) error {
	log.Print(ctx, log.KV{K: "msg", V: "prompt posted"},
		log.KV{K: "channel", V: post.Channel},
		log.KV{K: "request_id", V: post.RequestID},
		log.KV{K: "prompt", V: post.Prompt})
	return nil
}

// stubExecutor fakes the external create call.
type stubExecutor struct{}

func (stubExecutor) Create(context.Context, workflow.ConfirmationRequest) (coordinator.Artifact, error) {
	return coordinator.Artifact{
		ExternalID: "DEMO-1",
		URL:        "https://tracker.example.com/browse/DEMO-1",
	}, nil
}

func main() {
	var (
		cfgPath = flag.String("config", "", "Optional YAML config file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(ctx, err)
	}

	var st store.Store
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("parse redis url: %w", err))
		}
		st, err = redisstore.New(redisstore.Config{
			Client: goredis.NewClient(opts),
			TTL:    cfg.RequestTTL.Std(),
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
	} else {
		st = inmem.New(inmem.WithTTL(cfg.RequestTTL.Std()))
	}

	notifier := middleware.NewRateLimitedNotifier(stubNotifier{}, rate.Limit(cfg.NotifyRate), cfg.NotifyBurst)
	coord, err := coordinator.New(coordinator.Config{
		Store:      st,
		Notifier:   notifier,
		Executor:   stubExecutor{},
		ProjectKey: cfg.ProjectKey,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	req := workflow.ConfirmationRequest{
		Kind:      workflow.KindTicket,
		Title:     "Fix login bug",
		Channel:   "C-demo",
		MessageTS: "100.1",
		User:      "U-demo",
	}
	requestID, err := coord.Initiate(ctx, req)
	if err != nil {
		log.Fatal(ctx, err)
	}

	receipt, err := coord.Confirm(ctx, requestID)
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "action executed"},
		log.KV{K: "action_id", V: receipt.ActionID},
		log.KV{K: "external_id", V: receipt.Artifact.ExternalID},
		log.KV{K: "url", V: receipt.Artifact.URL})

	// Redeliver the same confirmation: the resolved request is gone, so the
	// late duplicate is rejected and nothing executes twice.
	if _, err := coord.Confirm(ctx, requestID); err != nil {
		var expired *coordinator.ExpiredError
		if errors.As(err, &expired) {
			log.Print(ctx, log.KV{K: "msg", V: "late duplicate rejected"},
				log.KV{K: "request_id", V: expired.RequestID})
		}
	}
}
