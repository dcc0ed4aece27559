package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/relaystatus/internal/config"
	"github.com/agentworkforce/relaystatus/internal/scheduler"
	"github.com/agentworkforce/relaystatus/internal/usage"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the API, the schedule dispatcher, periodic resync and the embedding worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address (overrides http.addr)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			watcher, err := config.NewWatcher(c.String("config"), log.Default())
			if err != nil {
				return err
			}
			cfg := watcher.Current()
			a, err := buildApp(cfg, watcher.Limits)
			if err != nil {
				return err
			}
			defer a.close()
			watcher.OnChange(func(next *config.Config) {
				log.Printf("config reloaded: usage limits basic=%d startup=%d enterprise=%d; other changes apply on restart",
					next.Usage.Limits.Basic, next.Usage.Limits.Startup, next.Usage.Limits.Enterprise)
			})
			go func() {
				if err := watcher.Run(ctx); err != nil {
					log.Printf("config watcher stopped: %v", err)
				}
			}()

			go resumeInterrupted(ctx, a)

			cron := scheduler.New(scheduler.Options{Logger: log.Default()})
			if err := registerTasks(cron, a); err != nil {
				return err
			}
			cron.Start()
			defer cron.Stop()

			if a.worker != nil {
				go func() {
					if err := a.worker.Run(ctx); err != nil {
						log.Printf("vectorize worker stopped: %v", err)
					}
				}()
			}

			addr := cfg.HTTP.Addr
			if flagAddr := strings.TrimSpace(c.String("addr")); flagAddr != "" {
				addr = flagAddr
			}
			api := a.server()
			httpServer := &http.Server{Addr: addr, Handler: api}
			errCh := make(chan error, 1)
			go func() {
				log.Printf("relaystatus listening on %s", addr)
				errCh <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("server shutdown failed: %v", err)
			}
			api.Wait()
			return nil
		},
	}
}

// registerTasks adds the periodic jobs of a serving process.
func registerTasks(cron *scheduler.Service, a *app) error {
	tasks := []scheduler.Task{
		{
			Name:        "dispatch-schedules",
			Description: "start due schedule runs and resume stale ones",
			Schedule:    a.cfg.Schedule.DispatchSchedule,
			Enabled:     true,
			Handler: func(ctx context.Context) error {
				result, err := a.dispatcher.Tick(ctx, time.Now())
				if err != nil {
					return err
				}
				if result.Dispatched+result.Resumed+result.InFlight > 0 {
					log.Printf("dispatch: dispatched=%d resumed=%d unhandled=%d in_flight=%d",
						result.Dispatched, result.Resumed, result.Unhandled, result.InFlight)
				}
				return nil
			},
		},
		{
			Name:        "resync-integrations",
			Description: "pull fresh activity for every integration",
			Schedule:    a.cfg.Sync.ResyncSchedule,
			Enabled:     true,
			Handler: func(ctx context.Context) error {
				started, skipped, failed := a.sync.ResyncAll(ctx)
				log.Printf("sync: resync started=%d skipped=%d failed=%d", started, skipped, failed)
				return nil
			},
		},
	}
	for _, task := range tasks {
		if err := cron.Add(task); err != nil {
			return err
		}
	}
	return nil
}

// resumeInterrupted finishes teardowns and syncs a previous process left
// half done.
func resumeInterrupted(ctx context.Context, a *app) {
	if n, err := a.teardown.ResumeInterrupted(ctx); err != nil {
		log.Printf("teardown: resume failed: %v", err)
	} else if n > 0 {
		log.Printf("teardown: resumed %d interrupted teardown(s)", n)
	}
	if n, err := a.sync.ResumeInterrupted(ctx); err != nil {
		log.Printf("sync: resume failed: %v", err)
	} else if n > 0 {
		log.Printf("sync: resumed %d interrupted sync(s)", n)
	}
}

// withApp loads the config named by --config and builds the app for a
// one-shot command.
func withApp(c *cli.Command, fn func(a *app) error) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func requireArg(c *cli.Command, name string) (string, error) {
	value := strings.TrimSpace(c.Args().First())
	if value == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return value, nil
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "run one sync for an integration",
		ArgsUsage: "<integration-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			integrationID, err := requireArg(c, "integration id")
			if err != nil {
				return err
			}
			return withApp(c, func(a *app) error {
				result, err := a.sync.Trigger(ctx, integrationID)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func teardownCommand() *cli.Command {
	return &cli.Command{
		Name:      "teardown",
		Usage:     "delete an integration, its webhooks and its data",
		ArgsUsage: "<integration-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			integrationID, err := requireArg(c, "integration id")
			if err != nil {
				return err
			}
			return withApp(c, func(a *app) error {
				result, err := a.teardown.Run(ctx, integrationID)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func dispatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "dispatch",
		Usage: "run one dispatcher tick",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(c, func(a *app) error {
				result, err := a.dispatcher.Tick(ctx, time.Now())
				if err != nil {
					return err
				}
				a.dispatcher.Wait()
				return printJSON(result)
			})
		},
	}
}

func usageCommand() *cli.Command {
	return &cli.Command{
		Name:      "usage",
		Usage:     "show this month's generation usage for an organization",
		ArgsUsage: "<organization-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			organizationID, err := requireArg(c, "organization id")
			if err != nil {
				return err
			}
			return withApp(c, func(a *app) error {
				org, err := a.store.GetOrganization(ctx, organizationID)
				if err != nil {
					return err
				}
				plan, err := usage.ParsePlan(org.Plan)
				if err != nil {
					log.Printf("usage: organization %s has %v, using basic", organizationID, err)
					plan = usage.PlanBasic
				}
				stats, err := a.ledger.Stats(ctx, organizationID, plan, a.limits())
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "embed queued events and store their vectors",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Sources: cli.EnvVars("RELAYSTATUS_WORKER_INTERVAL"),
				Name:    "interval",
				Value:   5 * time.Second,
				Usage:   "pause between drains",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "drain the queue once and exit",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(c, func(a *app) error {
				if a.worker == nil {
					return errRemoteDisabled
				}
				drain := func(ctx context.Context) {
					stats, err := a.worker.DrainOnce(ctx)
					if err != nil && ctx.Err() == nil {
						log.Printf("vectorize: drain failed: %v", err)
						return
					}
					if stats.Processed+stats.Skipped+stats.Requeued+stats.Failed > 0 {
						log.Printf("vectorize: processed=%d skipped=%d requeued=%d failed=%d",
							stats.Processed, stats.Skipped, stats.Requeued, stats.Failed)
					}
				}
				if c.Bool("once") {
					drain(ctx)
					return nil
				}
				runLoop(ctx, c.Duration("interval"), floatEnv("RELAYSTATUS_WORKER_INTERVAL_JITTER", 0.2), drain)
				return nil
			})
		},
	}
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
