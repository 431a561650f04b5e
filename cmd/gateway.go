package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/approval"
	"github.com/nextlevelbuilder/goclaw/internal/brain"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/goclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/goclaw/internal/channels/web"
	"github.com/nextlevelbuilder/goclaw/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/identity"
	"github.com/nextlevelbuilder/goclaw/internal/router"
)

// runGateway loads config, wires the channel fabric (C1-C8), and blocks
// until an interrupt or terminate signal triggers graceful shutdown.
func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	identityStore, err := identity.NewRedisStore(identity.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		DedupTTL: time.Duration(cfg.Redis.DedupTTLSec) * time.Second,
	})
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()
	brainClient := brain.New(cfg.Brain.BaseURL, cfg.Brain.AuthToken)

	manager := channels.NewManager(msgBus, identityStore, brainClient, cfg.Gateway.WorkspaceID)

	approvalBroker := approval.New(manager)
	approvalBroker.RegisterCallbacks(
		func(ctx context.Context, approvalID, userID string, approved bool) (approval.Result, error) {
			res, err := brainClient.ApproveAction(ctx, approvalID, userID, approved)
			return approval.Result{Success: res.Success, Error: res.Error}, err
		},
		func(ctx context.Context, userID, workspaceID string) ([]string, error) {
			pending, err := brainClient.ListPendingApprovals(ctx, userID, workspaceID)
			if err != nil {
				return nil, err
			}
			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ApprovalID
			}
			return ids, nil
		},
	)

	prefTTL := time.Duration(cfg.Gateway.PreferenceTTLMin) * time.Minute
	outboundRouter := router.New(manager, defaultPreferenceLoader(cfg), prefTTL)
	manager.SetOutboundRouter(outboundRouter)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registerAdapters(ctx, manager, cfg, msgBus, identityStore, approvalBroker)

	go manager.Run(ctx)
	slog.Info("goclaw gateway running", "workspace", cfg.Gateway.WorkspaceID)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)
}

// registerAdapters constructs and registers every enabled channel adapter.
func registerAdapters(ctx context.Context, manager *channels.Manager, cfg *config.Config, msgBus *bus.Bus, identityStore identity.Store, approvalBroker *approval.Broker) {
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus, identityStore, approvalBroker)
		if err != nil {
			slog.Error("telegram adapter init failed", "error", err)
		} else if err := manager.RegisterChannel(ctx, channels.ChannelTelegram, tg); err != nil {
			slog.Error("telegram adapter connect failed", "error", err)
		}
	}

	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, msgBus, identityStore, approvalBroker)
		if err != nil {
			slog.Error("discord adapter init failed", "error", err)
		} else if err := manager.RegisterChannel(ctx, channels.ChannelDiscord, dc); err != nil {
			slog.Error("discord adapter connect failed", "error", err)
		}
	}

	if cfg.Channels.WhatsApp.Enabled {
		wa, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, identityStore)
		if err != nil {
			slog.Error("whatsapp adapter init failed", "error", err)
		} else if err := manager.RegisterChannel(ctx, channels.ChannelWhatsApp, wa); err != nil {
			slog.Error("whatsapp adapter connect failed", "error", err)
		} else {
			mountWhatsAppWebhook(wa, cfg)
		}
	}

	if cfg.Channels.Web.Enabled {
		w := web.New(cfg.Channels.Web, msgBus)
		if err := manager.RegisterChannel(ctx, channels.ChannelWeb, w); err != nil {
			slog.Error("web adapter connect failed", "error", err)
		}
	}
}

// mountWhatsAppWebhook starts a small HTTP server hosting wa's inbound
// Twilio webhook handler, separate from the Web adapter's WebSocket
// listener.
func mountWhatsAppWebhook(wa *whatsapp.Channel, cfg *config.Config) {
	path := cfg.Channels.WhatsApp.WebhookPath
	if path == "" {
		path = "/webhooks/whatsapp"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, wa.ServeHTTP(cfg.Channels.WhatsApp.WebhookPublicURL))

	addr := cfg.Channels.WhatsApp.WebhookListenAddr
	if addr == "" {
		addr = ":8781"
	}

	go func() {
		slog.Info("whatsapp webhook listening", "addr", addr, "path", path)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("whatsapp webhook server exited", "error", err)
		}
	}()
}

// defaultPreferenceLoader returns a PreferenceLoader that always yields the
// gateway's configured default strategy. No per-user preference store is
// part of this fabric (Brain owns user-facing settings); the loader exists
// purely to satisfy router.New's interface and give every user a consistent
// starting strategy.
func defaultPreferenceLoader(cfg *config.Config) router.PreferenceLoader {
	strategy := router.Strategy(cfg.Gateway.DefaultStrategy)
	if strategy == "" {
		strategy = router.StrategySameChannel
	}
	return func(context.Context, string) (router.Preference, error) {
		return router.Preference{Strategy: strategy}, nil
	}
}
