// cmd/worker.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/execenv"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/pool"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/provenance"
)

var (
	workerConfigPath string
	workerPythonBin  string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker daemon with health and metrics endpoints",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := engine.ConfigFromEnv()
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		if workerConfigPath != "" {
			cfg, err = engine.LoadConfigOverlay(cfg, workerConfigPath)
			if err != nil {
				logrus.Fatalf("Invalid configuration overlay: %v", err)
			}
		}

		env, err := buildEnvironment(cfg)
		if err != nil {
			logrus.Fatalf("Building execution environment: %v", err)
		}

		router := chi.NewRouter()
		router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(env.HealthCheck())
		})
		router.Handle("/metrics", promhttp.Handler())

		server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
		go func() {
			logrus.Infof("worker listening on %s (executor=%s)", cfg.ListenAddr, cfg.ExecutorType)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Fatalf("HTTP server: %v", err)
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		logrus.Info("shutting down worker")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		env.Shutdown()
	},
}

// buildEnvironment wires the configured executor flavour.
func buildEnvironment(cfg engine.RuntimeConfig) (execenv.Environment, error) {
	if cfg.BundleSource != "file" {
		return nil, fmt.Errorf("bundle source %q requires a registry adapter; only the file repository ships in this build", cfg.BundleSource)
	}
	repo, err := bundle.NewFileRepository(cfg.BundlesDir, cfg.BundlesCacheDir)
	if err != nil {
		return nil, err
	}
	store, err := provenance.NewStore(cfg.ProvRoot, provenance.TokenSchema, cfg.InlineArtifactMaxSize)
	if err != nil {
		return nil, err
	}
	if cfg.MirrorRoot != "" {
		backend, err := provenance.NewDirBackend(cfg.MirrorRoot)
		if err != nil {
			return nil, fmt.Errorf("opening mirror target: %w", err)
		}
		store.SetMirror(provenance.NewMirror(cfg.ProvRoot, backend))
		logrus.Infof("mirroring provenance to %s", cfg.MirrorRoot)
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.MaxProcesses = cfg.MaxWarmProcesses
	poolCfg.VenvsDir = cfg.VenvsDir
	poolCfg.ForceFreshVenv = cfg.ForceFreshVenv
	if workerPythonBin != "" {
		poolCfg.PythonBin = workerPythonBin
	}

	if cfg.ExecutorType == "cold" {
		return execenv.NewColdEnv(repo, store, poolCfg, cfg.InlineArtifactMaxSize, 0), nil
	}
	return execenv.NewWarmEnv(repo, store, pool.New(poolCfg), cfg.InlineArtifactMaxSize), nil
}

func init() {
	workerCmd.Flags().StringVar(&workerConfigPath, "config", "", "Optional YAML overlay for the env-based configuration")
	workerCmd.Flags().StringVar(&workerPythonBin, "python", "", "Python interpreter used to bootstrap venvs (default python3)")

	rootCmd.AddCommand(workerCmd)
}
