// Package main implements nvrd, the network video recorder daemon.
//
// nvrd is a single command with no flags (spec.md §6): it reads
// /etc/nvr/nvr.yaml, opens one segment worker per configured camera, and
// runs the storage tier cleaner alongside them until terminated by
// SIGINT/SIGTERM. There is no network-facing control surface.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvr-project/nvr/internal/camera"
	"github.com/nvr-project/nvr/internal/config"
	"github.com/nvr-project/nvr/internal/health"
	"github.com/nvr-project/nvr/internal/obslog"
	"github.com/nvr-project/nvr/internal/segment"
	"github.com/nvr-project/nvr/internal/storagetier"
	"github.com/nvr-project/nvr/internal/supervisor"
	"github.com/nvr-project/nvr/internal/util"
)

func main() {
	writer, err := obslog.NewRotatingWriter("/var/log/nvr/nvr.log")
	var logHandler slog.Handler
	if err != nil {
		logHandler = slog.NewTextHandler(os.Stderr, nil)
	} else {
		defer writer.Close()
		logHandler = slog.NewTextHandler(writer, nil)
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	cfg, kc, err := loadConfiguration(config.ConfigFilePath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	tiers := buildTiers(logger, cfg)
	sup := supervisor.New(supervisor.Config{Logger: logger})

	plan := segment.Plan{
		Naming:    cfg.Time.Naming,
		Segment:   cfg.Time.Segment,
		StopDelay: cfg.Time.StopDelay,
		Suffix:    cfg.Suffix,
	}
	hotRoot := cfg.Storages[0].Name

	for _, camCfg := range cfg.Cameras {
		cam := camera.Camera{Name: camCfg.Name, URL: camCfg.URL}
		sup.Add(&cameraService{cam: cam, root: hotRoot, plan: plan})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go runCleanerLoop(ctx, tiers)
	go runHealthLoop(ctx, logger, sup, tiers)
	if kc != nil {
		go runConfigWatchLoop(ctx, logger, kc)
	}

	logger.Info("nvrd starting", "cameras", len(cfg.Cameras), "tiers", len(tiers))
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("supervisor exited with error", "error", err)
	}
	logger.Info("nvrd stopped")
}

// loadConfiguration reads nvr.yaml, applying NVR_-prefixed environment
// overrides. When path does not exist, the built-in defaults are used and no
// watcher is returned (there is no file to watch). Otherwise the returned
// *config.KoanfConfig also backs runConfigWatchLoop's hot-reload path.
func loadConfiguration(path string) (*config.Config, *config.KoanfConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil, nil
	}

	kc, err := config.NewKoanfConfig(config.WithYAMLFile(path), config.WithEnvPrefix("NVR"))
	if err != nil {
		return nil, nil, err
	}
	cfg, err := kc.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, kc, nil
}

// runConfigWatchLoop hot-reloads nvr.yaml on change (spec.md's ambient
// configuration stack, see DESIGN.md) and logs the values an operator edit is
// most likely to have touched. It does not re-register cameras or tiers with
// the running supervisor: picking up a changed camera list requires a
// restart, matching the teacher's own config-reload scope.
func runConfigWatchLoop(ctx context.Context, logger *slog.Logger, kc *config.KoanfConfig) {
	err := kc.Watch(ctx, func(event string, err error) {
		if err != nil {
			logger.Warn("config watch event failed", "event", event, "error", err)
			return
		}
		logger.Info("configuration reloaded",
			"event", event,
			"suffix", kc.GetString("suffix"),
			"segment", kc.GetInt("time.segment"),
			"cameras_present", kc.Exists("cameras"),
		)
		logger.Debug("configuration reloaded, full values", "values", kc.All())
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("config watch stopped", "error", err)
	}
}

func buildTiers(logger *slog.Logger, cfg *config.Config) []*storagetier.Tier {
	tracker := util.NewResourceTracker()
	tiers := make([]*storagetier.Tier, 0, len(cfg.Storages))
	for _, s := range cfg.Storages {
		begin, err := s.Thresholds.Begin.Parse()
		if err != nil {
			logger.Error("invalid begin threshold, skipping tier", "tier", s.Name, "error", err)
			continue
		}
		end, err := s.Thresholds.End.Parse()
		if err != nil {
			logger.Error("invalid end threshold, skipping tier", "tier", s.Name, "error", err)
			continue
		}
		tiers = append(tiers, &storagetier.Tier{
			Root:       s.Name,
			Begin:      begin,
			End:        end,
			HalfDuplex: s.HalfDuplex(),
			Tracker:    tracker,
		})
	}
	return storagetier.NewChain(logger, tiers)
}

func runCleanerLoop(ctx context.Context, tiers []*storagetier.Tier) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, t := range tiers {
				t.Shutdown(context.Background())
			}
			return
		case <-ticker.C:
			storagetier.Tick(tiers)
		}
	}
}

// runHealthLoop periodically logs an in-process health snapshot (no
// network surface, per spec.md's non-goals) built from the supervisor's
// per-camera status and the tier chain's disk usage.
func runHealthLoop(ctx context.Context, logger *slog.Logger, sup *supervisor.Supervisor, tiers []*storagetier.Tier) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := health.Collect(supervisorStatusProvider{sup}, tierProvider{tiers})
			logger.Info("health snapshot", "summary", snap.String())
		}
	}
}

// cameraService adapts a camera and its timing plan into a supervisor.Service.
type cameraService struct {
	cam  camera.Camera
	root string
	plan segment.Plan
}

func (c *cameraService) Name() string { return c.cam.Name }

func (c *cameraService) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	util.SafeGoWithRecover(c.cam.Name, os.Stderr, func() error {
		return segment.Worker(c.root, c.cam, c.plan, time.Now)
	}, errCh, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// supervisorStatusProvider adapts supervisor.Supervisor.Status into
// health.CameraStatusProvider.
type supervisorStatusProvider struct {
	sup *supervisor.Supervisor
}

func (s supervisorStatusProvider) Cameras() []health.CameraInfo {
	statuses := s.sup.Status()
	infos := make([]health.CameraInfo, 0, len(statuses))
	for _, st := range statuses {
		info := health.CameraInfo{
			Name:     st.Name,
			State:    st.State.String(),
			Restarts: st.Restarts,
			Healthy:  st.State == supervisor.ServiceStateRunning,
		}
		if !st.StartTime.IsZero() {
			info.Uptime = time.Since(st.StartTime)
		}
		if st.LastError != nil {
			info.Error = st.LastError.Error()
		}
		infos = append(infos, info)
	}
	return infos
}

type tierProvider struct {
	tiers []*storagetier.Tier
}

func (t tierProvider) Tiers() []health.TierInfo {
	infos := make([]health.TierInfo, 0, len(t.tiers))
	for _, tier := range t.tiers {
		stat, cleaning := tier.Status()
		infos = append(infos, health.TierInfo{
			Name:           tier.Root,
			FreeBytes:      stat.FreeBytes,
			TotalBytes:     stat.TotalBytes,
			CleaningActive: cleaning,
		})
	}
	return infos
}
