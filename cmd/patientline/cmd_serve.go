package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/patientline/internal/agents"
	"github.com/user/patientline/internal/archive"
	"github.com/user/patientline/internal/config"
	"github.com/user/patientline/internal/credential"
	"github.com/user/patientline/internal/delivery"
	"github.com/user/patientline/internal/gateway"
	"github.com/user/patientline/internal/guardrail"
	"github.com/user/patientline/internal/realtime"
	"github.com/user/patientline/internal/records"
	"github.com/user/patientline/internal/retry"
	"github.com/user/patientline/internal/scheduler"
	"github.com/user/patientline/internal/server"
	"github.com/user/patientline/internal/session"
	"github.com/user/patientline/internal/state"
	"github.com/user/patientline/internal/telegram"
	"github.com/user/patientline/internal/tools"
	"github.com/user/patientline/internal/types"
	"github.com/user/patientline/internal/validation"
	"github.com/user/patientline/pkg/llm"
	"github.com/user/patientline/pkg/llm/openai"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the patientline daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func newValidator(cfg *config.Config) (*validation.Validator, error) {
	return validation.New(validation.Options{
		ZipPattern:   cfg.Validation.ZipPattern,
		StatePattern: cfg.Validation.StatePattern,
	})
}

func recordsPolicy(cfg *config.Config) *retry.Policy {
	p := retry.Default()
	if cfg.Records.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Records.MaxAttempts
	}
	if cfg.Records.InitialDelayMS > 0 {
		p.InitialDelay = time.Duration(cfg.Records.InitialDelayMS) * time.Millisecond
	}
	if cfg.Records.AttemptTimeoutMS > 0 {
		p.AttemptTimeout = time.Duration(cfg.Records.AttemptTimeoutMS) * time.Millisecond
	}
	return p
}

// loadCatalogue reads the configured agent catalogue, or the built-in one,
// and resolves tool names against registry.
func loadCatalogue(cfg *config.Config, registry *tools.Registry) (*agents.Catalogue, error) {
	cat := agents.Builtin()
	if cfg.Agents.CataloguePath != "" {
		var err error
		if cat, err = agents.LoadFile(cfg.Agents.CataloguePath); err != nil {
			return nil, err
		}
	}
	if _, ok := cat.Sets[cfg.Agents.DefaultSet]; ok {
		cat.Default = cfg.Agents.DefaultSet
	} else if cfg.Agents.DefaultSet != "" {
		slog.Warn("configured default agent set not in catalogue", "set", cfg.Agents.DefaultSet, "using", cat.Default)
	}
	if err := cat.Resolve(registry); err != nil {
		return nil, fmt.Errorf("resolve agent catalogue: %w", err)
	}
	return cat, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	events := state.NewEventLog(cfg.DataDir)
	prefs := state.NewPreferenceStore(cfg.DataDir)
	store, err := archive.Open(cfg.ArchivePath())
	if err != nil {
		return err
	}
	defer store.Close()

	validator, err := newValidator(cfg)
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	// OpenAI client: guardrail completions and ephemeral session minting.
	provider := openai.New(&llm.Config{
		BaseURL: cfg.OpenAI.BaseURL,
		APIKey:  cfg.OpenAI.APIKey,
		Model:   cfg.OpenAI.GuardrailModel,
	})
	mint := server.MinterFunc(func(ctx context.Context) (json.RawMessage, error) {
		return provider.CreateRealtimeSession(ctx, openai.RealtimeSessionRequest{
			Model: cfg.OpenAI.Model,
			Voice: cfg.OpenAI.Voice,
		})
	})

	var creds types.CredentialSource
	if cfg.Credential.URL != "" {
		creds = credential.NewClient(cfg.Credential.URL)
	} else {
		creds = credential.Func(func(ctx context.Context) (string, error) {
			body, err := mint(ctx)
			if err != nil {
				return "", fmt.Errorf("mint realtime session: %w", err)
			}
			return credential.Parse(body)
		})
	}

	var guardrails []types.OutputGuardrail
	if cfg.OpenAI.APIKey != "" {
		mod, err := guardrail.NewModeration(provider, cfg.OpenAI.GuardrailModel, cfg.CompanyName, cfg.OpenAI.GuardrailMaxTokens)
		if err != nil {
			return fmt.Errorf("create guardrail: %w", err)
		}
		guardrails = append(guardrails, mod)
	} else {
		slog.Warn("output guardrail disabled (no OpenAI key)")
	}

	// Staff follow-ups
	deliveryReg := delivery.NewRegistry()
	targets := cfg.Telegram.FollowUpTargets
	if len(targets) == 0 {
		targets = []string{"log:staff"}
	}
	notifier := delivery.NewNotifier(deliveryReg, targets...)

	// Tool registry and agents
	registry := tools.NewRegistry()
	registry.Register(tools.NewSavePatientDetails(validator, records.NewClient(cfg.Records.Endpoint, recordsPolicy(cfg)), notifier))
	catalogue, err := loadCatalogue(cfg, registry)
	if err != nil {
		return err
	}

	transports := realtime.NewFactory(realtime.WSConfig{
		URL:                cfg.OpenAI.RealtimeURL,
		Model:              cfg.OpenAI.Model,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
	})

	newSession := func(p server.LiveParams, sink types.AudioSink) (*session.Controller, error) {
		return session.New(session.Config{
			ClientID:    p.ClientID,
			Catalogue:   catalogue,
			AgentSet:    p.AgentSet,
			Agent:       p.Agent,
			Codec:       p.Codec,
			Credentials: creds,
			Transports:  transports,
			Tools:       registry,
			Guardrails:  guardrails,
			Sink:        sink,
			Events:      events,
			Preferences: prefs,
			Archive:     store,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(int64(cfg.MaxSessions))
	gw.Start(ctx)
	defer gw.Stop()

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, gw)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveryReg.Register("telegram:", adapter.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Scheduler
	sched := scheduler.New()
	if cfg.Retention() > 0 {
		if err := sched.Add(scheduler.RetentionJob(cfg.Archive.PruneSchedule, store, cfg.Retention(), nil)); err != nil {
			return fmt.Errorf("schedule archive retention: %w", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	httpServer := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: server.New(server.Deps{
			Validator: validator,
			Minter:    mint,
			Archive:   store,
			Events:    events,
			Gateway:   gw,
			Sessions:  newSession,
		}),
	}

	slog.Info("patientline started",
		"data_dir", cfg.DataDir,
		"listen", cfg.HTTP.Listen,
		"max_sessions", cfg.MaxSessions,
		"agent_sets", catalogue.Keys(),
		"realtime_model", cfg.OpenAI.Model,
		"records_endpoint", cfg.Records.Endpoint,
		"pid_file", pidPath,
	)

	restart := false
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			restart = sig == syscall.SIGHUP
			slog.Info("shutting down", "signal", sig, "restart", restart)
		case <-gctx.Done():
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		// Live sockets are hijacked, so Shutdown does not wait for them;
		// the gateway stop below disconnects their sessions.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		cancel()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if restart {
		gw.Stop()
		sched.Stop()
		store.Close()
		os.Remove(pidPath)
		execPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("get executable path: %w", err)
		}
		if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
			return fmt.Errorf("re-exec: %w", err)
		}
	}
	return nil
}
