package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/queued/queued/internal/alerts"
	"github.com/queued/queued/internal/config"
	"github.com/queued/queued/internal/gateway"
	"github.com/queued/queued/internal/logging"
	"github.com/queued/queued/internal/pipeline"
	"github.com/queued/queued/internal/router"
	"github.com/queued/queued/internal/scheduler"
	"github.com/queued/queued/internal/store"
	"github.com/queued/queued/internal/webhookdispatch"
	"github.com/queued/queued/internal/workers"
)

// engineSnapshotSource adapts a slice of engines to gateway.SnapshotSource.
type engineSnapshotSource struct {
	engines []*pipeline.Engine
}

func (s engineSnapshotSource) Snapshots() []pipeline.Snapshot {
	out := make([]pipeline.Snapshot, len(s.engines))
	for i, e := range s.engines {
		out[i] = e.Status()
	}
	return out
}

// engineAlertSource adapts a single engine to alerts.Source.
type engineAlertSource struct {
	engine *pipeline.Engine
}

func (s engineAlertSource) ID() string { return s.engine.ID() }

func (s engineAlertSource) Status() alerts.Snapshot {
	snap := s.engine.Status()
	out := alerts.Snapshot{Halted: snap.Halted}
	if snap.Running != nil {
		out.HasRunning = true
		out.RunningDead = snap.Running.Deadline
	}
	return out
}

// alertWebhookDelivery adapts a webhookdispatch.Dispatcher to alerts.Delivery
// by reusing the UI.comment command shape for the alert body.
type alertWebhookDelivery struct {
	dispatcher *webhookdispatch.Dispatcher
}

func (d alertWebhookDelivery) DeliverAlert(body []byte) error {
	return d.dispatcher.Dispatch(workers.Command{Type: workers.CmdUIComment, Text: string(body)})
}

// exit codes, spec §6.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitPersistenceErr = 2
	exitWorkerBindErr  = 3
)

func defaultConfigArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return config.DefaultConfigPath()
}

// runDaemon loads configPath, wires every pipeline's workers and engine,
// resynchronizes persisted state, and blocks until SIGINT/SIGTERM.
func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	if cfg.Logging != nil {
		if err := logging.Init(cfg.Logging); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Store.DatabaseURL, cfg.Store.SQLitePath)
	if err != nil {
		logging.Error("daemon: failed to open persistence store", "error", err)
		os.Exit(exitPersistenceErr)
	}
	defer st.Close()

	records, err := st.LoadAllPipelines(ctx)
	if err != nil {
		logging.Error("daemon: failed to load persisted pipeline state", "error", err)
		os.Exit(exitPersistenceErr)
	}

	rtr := router.New(ctx)
	engines := make([]*pipeline.Engine, 0, len(cfg.Pipelines))

	for _, pc := range cfg.Pipelines {
		uiWorker, vcsWorker, ciWorker, err := buildWorkers(cfg, pc, rtr)
		if err != nil {
			logging.Error("daemon: failed to bind workers for pipeline", "pipeline", pc.ID, "error", err)
			os.Exit(exitWorkerBindErr)
		}

		pipelineCfg := pipeline.PipelineConfig{
			ID:      pc.ID,
			UIName:  pc.UIName,
			VCSName: pc.VCSName,
			CIName:  pc.CIName,
			IsTry:   pc.IsTry,
			Opaque:  pc.Opaque,
		}
		if pc.Deadline > 0 {
			if pipelineCfg.Opaque == nil {
				pipelineCfg.Opaque = map[string]string{}
			}
			pipelineCfg.Opaque["deadline"] = pc.Deadline.String()
		}

		eng := pipeline.New(pipelineCfg, st, uiWorker, vcsWorker, ciWorker)
		rtr.Register(eng)

		if rec, ok := records[pc.ID]; ok {
			if err := eng.Restore(ctx, rec); err != nil {
				logging.Error("daemon: failed to resynchronize pipeline", "pipeline", pc.ID, "error", err)
			}
		}
		engines = append(engines, eng)
		logging.Info("daemon: pipeline bound", "pipeline", pc.ID, "try", pc.IsTry)
	}

	var monitor *alerts.Monitor
	if len(engines) > 0 {
		sources := make([]alerts.Source, len(engines))
		for i, eng := range engines {
			sources[i] = engineAlertSource{engine: eng}
		}
		var delivery alerts.Delivery
		if cfg.Alerts != nil && cfg.Alerts.Webhook != nil {
			delivery = alertWebhookDelivery{dispatcher: webhookdispatch.NewDispatcher(cfg.Alerts.Webhook)}
		}
		monitor = alerts.NewMonitor(sources, alerts.NewDispatcher(delivery))
	}

	sched := scheduler.New(engines, monitor)
	if err := sched.Start("@every 30s"); err != nil {
		logging.Error("daemon: failed to start deadline scheduler", "error", err)
		os.Exit(exitWorkerBindErr)
	}
	defer sched.Stop()

	if cfg.Gateway != nil {
		gw := gateway.NewServer(*cfg.Gateway, engineSnapshotSource{engines: engines})
		if err := gw.Start(); err != nil {
			logging.Warn("daemon: status gateway failed to start", "error", err)
		} else {
			defer gw.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("daemon: shutting down")
	rtr.Shutdown()
	return nil
}

// buildWorkers constructs the three worker adapters a pipeline config names,
// looking up each by name in cfg.Workers.
func buildWorkers(cfg *config.Config, pc *config.PipelineConfig, sink workers.EventSink) (workers.UIWorker, workers.VCSWorker, workers.CIWorker, error) {
	if cfg.Workers == nil {
		return nil, nil, nil, fmt.Errorf("no workers configured")
	}

	var uiCfg *config.UIWorkerConfig
	for i := range cfg.Workers.UI {
		if cfg.Workers.UI[i].Name == pc.UIName {
			uiCfg = &cfg.Workers.UI[i]
			break
		}
	}
	if uiCfg == nil {
		return nil, nil, nil, fmt.Errorf("ui worker %q not found", pc.UIName)
	}
	uiWorker := workers.NewWebhookUIWorker(uiCfg.Name, webhookdispatch.NewDispatcher(uiCfg.Webhook))

	var vcsCfg *config.VCSWorkerConfig
	for i := range cfg.Workers.VCS {
		if cfg.Workers.VCS[i].Name == pc.VCSName {
			vcsCfg = &cfg.Workers.VCS[i]
			break
		}
	}
	if vcsCfg == nil {
		return nil, nil, nil, fmt.Errorf("vcs worker %q not found", pc.VCSName)
	}
	vcsWorker := workers.NewGitVCSWorker(vcsCfg.Name, vcsCfg.RepoPath, vcsCfg.DefaultBase, sink)

	var ciCfg *config.CIWorkerConfig
	for i := range cfg.Workers.CI {
		if cfg.Workers.CI[i].Name == pc.CIName {
			ciCfg = &cfg.Workers.CI[i]
			break
		}
	}
	if ciCfg == nil {
		return nil, nil, nil, fmt.Errorf("ci worker %q not found", pc.CIName)
	}
	var ciOpts []workers.CIWorkerOption
	if ciCfg.PollInterval > 0 {
		ciOpts = append(ciOpts, workers.WithPollInterval(ciCfg.PollInterval))
	}
	ciWorker := workers.NewPollingCIWorker(ciCfg.Name, httpStatusCheck(ciCfg.StatusURL), sink, ciOpts...)

	return uiWorker, vcsWorker, ciWorker, nil
}

// httpStatusCheck is a minimal reference StatusFunc that polls statusURL+"/"+commit
// and maps the HTTP status code: 200 is success, 202 is pending, and any other
// code is a failure reported with that URL; the response body is not read. Concrete CI
// integrations (Jenkins, Buildbot, GitHub Actions) would implement their own.
func httpStatusCheck(statusURL string) workers.StatusFunc {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, commit string) (workers.BuildStatus, string, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL+"/"+commit, nil)
		if err != nil {
			return "", "", "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", "", "", err
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			return workers.BuildSuccess, commit, "", nil
		case http.StatusAccepted:
			return workers.BuildPending, commit, "", nil
		default:
			return workers.BuildFailure, commit, statusURL + "/" + commit, nil
		}
	}
}
