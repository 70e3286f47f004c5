// Program agentrpc is a command-line utility for running and calling
// JSON-RPC agents.
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
	"syscall"
	"time"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/catalog"
	"github.com/creachadair/agentrpc/stage"
	"github.com/creachadair/agentrpc/transport"
	"github.com/creachadair/agentrpc/wire"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var serveFlags struct {
	Config string `flag:"config,Path of YAML settings file"`
	Listen string `flag:"listen,Override the HTTP listen address"`
	Name   string `flag:"name,Override the agent address"`
	Redis  string `flag:"redis,Override the Redis server address"`
}

var clientFlags struct {
	URL     string        `flag:"url,default=ws://localhost:8040/ws,WebSocket URL of the agent"`
	Timeout time.Duration `flag:"timeout,default=10s,Timeout for the operation"`
	YAML    bool          `flag:"yaml,Print output as YAML"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and calling JSON-RPC agents.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "[--config path]",
				Help:     "Run the demonstration agent over HTTP, WebSocket, and optionally Redis.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<method> [<params-json>]",
				Help: `Call a method on an agent and print its result.

The params, if given, must be a JSON object of named arguments.`,
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runCall,
			},
			{
				Name:     "describe",
				Help:     "Print the methods an agent permits this client to call.",
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runDescribe,
			},
			{
				Name: "sample-config",
				Help: "Print the default settings as a YAML file.",
				Run: func(env *command.Env) error {
					enc := yaml.NewEncoder(os.Stdout)
					enc.SetIndent(2)
					if err := enc.Encode(defaultConfig()); err != nil {
						return err
					}
					return enc.Close()
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig(serveFlags.Config)
	if err != nil {
		return err
	}
	if serveFlags.Listen != "" {
		cfg.Listen = serveFlags.Listen
	}
	if serveFlags.Name != "" {
		cfg.Name = serveFlags.Name
	}
	if serveFlags.Redis != "" {
		cfg.Redis.Addr = serveFlags.Redis
	}
	logger := configureLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	preg := prometheus.NewRegistry()
	stages := []agentrpc.Stage{stage.Log(&logger), stage.Metrics(preg), stage.Trace(&logger, cfg.Timeout)}
	if cfg.Rate.Limit > 0 {
		stages = append(stages, &stage.RateLimit{
			Limiter: rate.NewLimiter(rate.Limit(cfg.Rate.Limit), cfg.Rate.Burst),
			Wait:    cfg.Rate.Wait,
		})
	}
	if cfg.Inbox {
		stages = append(stages, stage.Inbox(cfg.Timeout))
	}

	self := wire.Address(cfg.Name)
	ws := transport.NewWebSocket(self, &logger)
	web := transport.NewHTTP(&transport.HTTPOptions{AllowedOrigins: cfg.Origins})
	chain := transport.Chain{ws}

	var rds *transport.Redis
	if cfg.Redis.Addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.Redis.Addr}})
		defer client.Close()
		rds = transport.NewRedis(self, client, &transport.RedisOptions{Prefix: cfg.Redis.Prefix, Logger: &logger})
		chain = append(chain, rds)
	}
	chain = append(chain, web.Sender(wire.Address(cfg.agentURL())))

	p := agentrpc.New(&agentrpc.Options{
		Root:       newDemo(),
		Registry:   demoRegistry(),
		Authorizer: cfg.authorizer(),
		Transport:  chain,
		Stages:     stages,
		Timeout:    cfg.Timeout,
		Logger:     &logger,
	})
	defer p.Close()
	ws.Bind(p)
	web.Mount(cfg.Name, p)
	if rds != nil {
		if err := rds.Bind(p).Start(ctx); err != nil {
			return fmt.Errorf("start redis transport: %w", err)
		}
		defer rds.Close()
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	r.Handle("/ws", ws.Handler())
	r.Mount("/agent", web.Handler())
	srv := &http.Server{Addr: cfg.Listen, Handler: r}

	g := taskgroup.New(nil)
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	logger.Info().Str("name", cfg.Name).Str("listen", cfg.Listen).Str("url", cfg.agentURL()).
		Bool("redis", rds != nil).Msg("agent serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		g.Wait()
		return err
	}
	ws.Close()
	return g.Wait()
}

// dialAgent connects a client pipeline to the agent at clientFlags.URL, and
// returns the pipeline, the agent address, and a function to disconnect.
func dialAgent(ctx context.Context) (*agentrpc.Pipeline, wire.Address, func(), error) {
	logger := configureLogging("warn")
	ws := transport.NewWebSocket(wire.Address("cli-"+uuid.NewString()), &logger)
	p := agentrpc.New(&agentrpc.Options{Transport: ws, Timeout: clientFlags.Timeout, Logger: &logger})
	ws.Bind(p)
	addr, err := ws.Dial(ctx, clientFlags.URL)
	if err != nil {
		p.Close()
		return nil, "", nil, fmt.Errorf("dial %q: %w", clientFlags.URL, err)
	}
	return p, addr, func() { p.Close(); ws.Close() }, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("Expected a method name and optional params")
	}
	var params any
	if len(env.Args) == 2 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(env.Args[1]), &obj); err != nil {
			return env.Usagef("Params must be a JSON object: %v", err)
		}
		params = obj
	}
	ctx, cancel := context.WithTimeout(env.Context(), clientFlags.Timeout)
	defer cancel()

	p, addr, done, err := dialAgent(ctx)
	if err != nil {
		return err
	}
	defer done()

	rsp, err := p.Call(ctx, addr, env.Args[0], params)
	if err != nil {
		return err
	}
	var result any
	if err := wire.DecodeResult(rsp, &result); err != nil {
		return err
	}
	return printValue(result)
}

func runDescribe(env *command.Env) error {
	ctx, cancel := context.WithTimeout(env.Context(), clientFlags.Timeout)
	defer cancel()

	p, addr, done, err := dialAgent(ctx)
	if err != nil {
		return err
	}
	defer done()

	cat, err := catalog.Fetch(ctx, p, addr)
	if err != nil {
		return err
	}
	if clientFlags.YAML {
		return cat.WriteYAML(os.Stdout)
	}
	return cat.WriteText(os.Stdout)
}

func printValue(v any) error {
	if clientFlags.YAML {
		return yaml.NewEncoder(os.Stdout).Encode(v)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
