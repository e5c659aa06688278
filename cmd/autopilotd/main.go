package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/go-autopilot/internal/api"
	"github.com/flitsinc/go-autopilot/internal/config"
	"github.com/flitsinc/go-autopilot/internal/continuation"
	"github.com/flitsinc/go-autopilot/internal/daemon"
	"github.com/flitsinc/go-autopilot/internal/dispatch"
	"github.com/flitsinc/go-autopilot/internal/evaluate"
	"github.com/flitsinc/go-autopilot/internal/host"
	"github.com/flitsinc/go-autopilot/internal/idgen"
	"github.com/flitsinc/go-autopilot/internal/iterate"
	"github.com/flitsinc/go-autopilot/internal/journal"
	"github.com/flitsinc/go-autopilot/internal/sched"
	"github.com/flitsinc/go-autopilot/internal/state"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	jnl := journal.New(db)
	hostClient := host.NewClient(cfg.HostBaseURL, cfg.HostToken)
	clock := sched.Wall{}

	var evaluator evaluate.Evaluator
	if cfg.LoopMode == "evaluator" {
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("evaluator mode requires AUTOPILOT_ANTHROPIC_API_KEY")
		}
		evaluator = evaluate.NewAnthropicJudge(cfg.AnthropicAPIKey, cfg.EvaluatorModel)
	}

	cont := continuation.NewScheduler(hostClient, clock, jnl, continuation.Config{
		Countdown: cfg.Countdown,
		Cooldown:  cfg.Cooldown,
	})
	loopStore := iterate.NewStore(cfg.StateFile)
	iter := iterate.NewEngine(loopStore, hostClient, evaluator, clock, jnl, iterate.Config{
		Debounce:             cfg.Debounce,
		RecoveryWindow:       cfg.RecoveryWindow,
		DefaultMaxIterations: cfg.DefaultMaxIterations,
		DefaultMarker:        cfg.DefaultMarker,
	})
	dispatcher := &dispatch.Dispatcher{Continuation: cont, Iteration: iter, Journal: jnl}

	serverCtx, serverCancel := context.WithCancel(context.Background())

	// The state file is the loop's source of truth; deleting it out of
	// band is itself the cancellation. Record that the loop ended.
	go func() {
		err := loopStore.Watch(serverCtx, func() {
			log.Printf("loop state file removed externally; loop is over")
			iter.OnStateRemoved(serverCtx)
		})
		if err != nil && serverCtx.Err() == nil {
			log.Printf("state watcher stopped: %v", err)
		}
	}()

	if cfg.HostEventsURL != "" {
		listener := &host.Listener{URL: cfg.HostEventsURL, Token: cfg.HostToken, Handler: dispatcher}
		go func() {
			if err := listener.Run(serverCtx); err != nil && serverCtx.Err() == nil {
				log.Printf("host listener stopped: %v", err)
			}
		}()
	} else {
		log.Printf("no AUTOPILOT_HOST_EVENTS_URL configured; accepting events on POST /api/events only")
	}

	httpListener, err := daemon.ListenerFromEnv()
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	if httpListener == nil {
		httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
	}

	var httpServer *http.Server
	restarter := &daemon.Restarter{
		Listener: httpListener,
		Args:     os.Args,
		Env:      os.Environ(),
	}
	restartFn := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			os.Exit(0)
		}()
		return nil
	}

	apiServer := &api.Server{
		Continuation: cont,
		Iteration:    iter,
		Journal:      jnl,
		Dispatcher:   dispatcher,
		Restart:      restartFn,
		RestartToken: cfg.RestartToken,
		InstanceID:   idgen.New(),
		StartedAt:    time.Now().UTC(),
	}

	httpServer = &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("autopilotd listening on %s", httpListener.Addr())
		if err := httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
