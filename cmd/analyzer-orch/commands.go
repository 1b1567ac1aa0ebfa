package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/modelfoundry/analysis-orchestrator/internal/config"
	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
	"github.com/modelfoundry/analysis-orchestrator/internal/endpointpool"
	"github.com/modelfoundry/analysis-orchestrator/internal/httpapi"
	"github.com/modelfoundry/analysis-orchestrator/internal/maintenance"
	"github.com/modelfoundry/analysis-orchestrator/internal/observability"
	"github.com/modelfoundry/analysis-orchestrator/internal/orchestrator"
	"github.com/modelfoundry/analysis-orchestrator/internal/results"
	"github.com/modelfoundry/analysis-orchestrator/internal/scheduler"
	"github.com/modelfoundry/analysis-orchestrator/internal/store"
	"github.com/modelfoundry/analysis-orchestrator/internal/watcher"
	"github.com/modelfoundry/analysis-orchestrator/internal/workerproto"
)

var (
	servePort  int
	serverAddr string
	slotsModel string
	submitWait bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port for the HTTP API (overrides config)")
	rootCmd.AddCommand(serveCmd)

	submitCmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a pipeline definition to a running orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&serverAddr, "server", "", "orchestrator address (host:port)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "poll until the run finishes")
	rootCmd.AddCommand(submitCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show task and slot counts",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	slotsCmd := &cobra.Command{
		Use:   "slots",
		Short: "List allocated application slots",
		RunE:  runSlots,
	}
	slotsCmd.Flags().StringVar(&slotsModel, "model", "", "filter by model")
	rootCmd.AddCommand(slotsCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance sweep and exit",
		RunE:  runSweep,
	}
	rootCmd.AddCommand(sweepCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.New(config.ExpandPath(cfg.General.DatabasePath), config.ExpandPath(cfg.General.LockPath))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := observability.NewLogger("orchestrator")
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	client := workerproto.NewClient(cfg.Pool.ProbeTimeout, cfg.Pool.DispatchTimeout)
	pool := endpointpool.New(endpointpool.Options{
		Strategy:     endpointpool.Strategy(cfg.Pool.Strategy),
		Cooldown:     cfg.Pool.HealthCheckCooldown,
		ProbeTimeout: cfg.Pool.ProbeTimeout,
		Probe:        client.Probe,
		Metrics:      metrics,
	})
	services := append([]domain.ServiceType{domain.ServiceGenerator}, domain.AnalysisServices...)
	for _, svc := range services {
		for _, url := range cfg.Endpoints.URLs(string(svc)) {
			pool.Register(svc, url)
		}
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:      st,
		Pool:       pool,
		Dispatch:   client.Dispatch,
		MaxRetries: cfg.Pipeline.MaxRetries,
		Metrics:    metrics,
	})

	generate := func(ctx context.Context, model, template string) (*domain.ApplicationSlot, error) {
		slot, err := st.AllocateSlot(ctx, model, nil)
		if err != nil {
			return nil, err
		}

		ep := pool.Select(ctx, domain.ServiceGenerator)
		if ep == nil {
			return nil, fmt.Errorf("no healthy generator worker available")
		}
		start := time.Now()
		resp, err := client.Dispatch(ctx, ep.URL, string(domain.ServiceGenerator), &workerproto.Request{
			TargetModel:     model,
			TargetAppNumber: slot.AppNumber,
			Template:        template,
		})
		if err != nil {
			pool.ReportFailure(ep)
			return nil, fmt.Errorf("generation dispatch: %w", err)
		}
		pool.ReportSuccess(ep, time.Since(start))
		if !resp.OK() {
			return nil, fmt.Errorf("generation failed: %s", resp.Error)
		}
		return slot, nil
	}

	analyze := func(ctx context.Context, model string, appNumber int, tools []string) error {
		main, _, err := orch.CreateTask(ctx, model, appNumber, tools)
		if err != nil {
			return err
		}
		doc, err := orch.Execute(ctx, main)
		if err != nil {
			return err
		}
		if doc.Status == results.StatusFailed {
			return fmt.Errorf("analysis of %s app %d produced no results", model, appNumber)
		}
		return nil
	}

	sched := scheduler.New(scheduler.Options{
		Generate:                generate,
		Analyze:                 analyze,
		MaxConcurrentGeneration: cfg.Pipeline.MaxConcurrentGeneration,
		MaxConcurrentAnalysis:   cfg.Pipeline.MaxConcurrentAnalysis,
		PollInterval:            cfg.Pipeline.PollInterval,
		Metrics:                 metrics,
	})
	defer sched.Shutdown()

	sweeper, err := maintenance.New(maintenance.Options{
		Store:          st,
		Schedule:       cfg.Maintenance.Schedule,
		RunningTimeout: cfg.Maintenance.RunningTimeout,
		PendingTimeout: cfg.Maintenance.PendingTimeout,
		GracePeriod:    cfg.Maintenance.GracePeriod,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.General.WatchDir != "" {
		w, err := watcher.New(config.ExpandPath(cfg.General.WatchDir), func(ctx context.Context, pc domain.PipelineConfig) error {
			_, err := sched.Submit(pc)
			return err
		}, nil)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := httpapi.NewServer(st, pool, sched, addr, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	fmt.Printf("Orchestrator listening on http://%s\n", addr)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var pc domain.PipelineConfig
	if err := json.Unmarshal(data, &pc); err != nil {
		return fmt.Errorf("invalid pipeline definition: %w", err)
	}

	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	}

	base := "http://" + addr
	resp, err := http.Post(base+"/api/pipelines", "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("submission rejected: %s", string(body))
	}

	var run domain.PipelineRun
	if err := json.Unmarshal(body, &run); err != nil {
		return err
	}
	fmt.Printf("Submitted pipeline %s (%d generation jobs)\n", run.ID, run.Generation.Total)

	if !submitWait {
		return nil
	}
	for {
		time.Sleep(2 * time.Second)
		r, err := http.Get(base + "/api/pipelines/" + run.ID)
		if err != nil {
			return err
		}
		var current domain.PipelineRun
		err = json.NewDecoder(r.Body).Decode(&current)
		r.Body.Close()
		if err != nil {
			return err
		}
		fmt.Printf("  generation %d/%d  analysis %d/%d  status %s\n",
			current.Generation.Completed, current.Generation.Total,
			current.Analysis.Completed, current.Analysis.Total, current.Status)
		if current.Status.Terminal() {
			return nil
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.CountTasksByStatus(context.Background())
	if err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Tasks: %d total | %d pending | %d running | %d completed | %d partial | %d failed | %d cancelled\n",
		total,
		counts[domain.TaskPending], counts[domain.TaskRunning],
		counts[domain.TaskCompleted], counts[domain.TaskPartialSuccess],
		counts[domain.TaskFailed], counts[domain.TaskCancelled])

	return nil
}

func runSlots(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	slots, err := st.ListSlots(context.Background(), slotsModel)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tAPP\tVERSION\tCREATED")
	for _, s := range slots {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n",
			s.ID, s.Model, s.AppNumber, s.Version, s.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()

	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sweeper, err := maintenance.New(maintenance.Options{
		Store:          st,
		Schedule:       cfg.Maintenance.Schedule,
		RunningTimeout: cfg.Maintenance.RunningTimeout,
		PendingTimeout: cfg.Maintenance.PendingTimeout,
		GracePeriod:    cfg.Maintenance.GracePeriod,
	})
	if err != nil {
		return err
	}

	reclaimed, err := sweeper.Sweep(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Reclaimed %d stuck tasks\n", reclaimed)
	return nil
}
