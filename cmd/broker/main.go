package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/audit"
	"github.com/torvus/raspictl/internal/auth"
	"github.com/torvus/raspictl/internal/config"
	"github.com/torvus/raspictl/internal/ctlerr"
	"github.com/torvus/raspictl/internal/ipc"
	"github.com/torvus/raspictl/internal/metrics"
	"github.com/torvus/raspictl/internal/reqctx"
	"github.com/torvus/raspictl/internal/rpc"
	"github.com/torvus/raspictl/internal/update"
	"github.com/torvus/raspictl/internal/version"
)

var (
	buildVersion = "dev"
	commit       = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var logLevel string
	var agentSocket string

	root := &cobra.Command{
		Use:   "raspictl-broker",
		Short: "raspictl unprivileged broker — JSON-RPC over stdio",
		Long: `The unprivileged Broker speaks line-delimited JSON-RPC 2.0 over stdin
and stdout, authenticating and authorizing every call before dispatching it to
a local handler or forwarding it to the privileged Agent over a Unix domain
socket. It never runs as root and never touches hardware directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(configPath)
			if err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd, map[string]string{
				"log-level":    "log_level",
				"agent-socket": "ipc.socket_path",
			}); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&agentSocket, "agent-socket", "/run/raspictl/ops-agent.sock", "path to the Agent's IPC socket")

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("raspictl-broker %s (commit: %s)\n", buildVersion, commit)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	auditLogger, err := audit.Open(audit.Config{Path: cfg.Audit.LogPath, AlsoLogToStdout: cfg.Audit.AlsoLogToStdout}, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLogger.Close()

	authenticate, err := buildAuthenticator(cfg.Auth, logger, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to build authenticator: %w", err)
	}
	enforcer := auth.NewEnforcer(logger)

	agentClient := ipc.NewClient(ipc.ClientConfig{
		SocketPath: cfg.IPC.SocketPath,
		Reconnect:  true,
	}, logger)
	defer agentClient.Close()

	var metricsStore *metrics.Store
	var sampler *metrics.Sampler
	if cfg.Metrics.Enabled {
		metricsStore, err = metrics.Open(cfg.Metrics.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open metrics store: %w", err)
		}
		defer metricsStore.Close()

		metricTypes := make([]metrics.MetricType, 0, len(cfg.Metrics.Types))
		for _, t := range cfg.Metrics.Types {
			metricTypes = append(metricTypes, metrics.MetricType(t))
		}
		sampler = metrics.NewSampler(metricsStore, metrics.Config{
			Interval:         cfg.Metrics.Interval,
			MetricTypes:      metricTypes,
			DiskPath:         cfg.Metrics.DiskPath,
			RetentionSeconds: cfg.Metrics.RetentionSeconds,
		}, logger)
		if err := sampler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics sampler: %w", err)
		}
		defer sampler.Stop(context.Background())
	}

	versionHistory := version.NewHistory(cfg.Update.StateFile+".version.json", logger)
	updateMachine := update.NewMachine(update.Config{
		ReleasesDir:             cfg.Update.ReleasesDir,
		CurrentSymlink:          cfg.Update.CurrentSymlink,
		StateFile:               cfg.Update.StateFile,
		Versions:                versionHistory,
		HealthChecks:            buildHealthChecks(cfg, agentClient),
		HealthCheckRetries:      cfg.Update.HealthCheckRetries,
		HealthCheckDelaySeconds: cfg.Update.HealthCheckDelaySeconds,
		AutoRollback:            cfg.Update.AutoRollback,
		Logger:                  logger,
	})

	registry := rpc.NewRegistry()
	registerTools(registry, toolDeps{
		agent:        agentClient,
		metricsStore: metricsStore,
		metricTypes:  cfg.Metrics.Types,
		audit:        auditLogger,
		auditLogPath: cfg.Audit.LogPath,
		update:       updateMachine,
		enforcer:     enforcer,
		info:         buildInfo{name: "raspictl-broker", version: buildVersion},
	})

	dispatcher := &rpc.Dispatcher{
		Registry:       registry,
		Authenticate:   authenticate,
		Authorize:      enforcer.CheckPermission,
		Audit:          auditLogger,
		Logger:         logger,
		DefaultTimeout: 30 * time.Second,
	}

	logger.Info("starting raspictl broker",
		zap.String("version", buildVersion),
		zap.Strings("tools", registry.List("")),
	)

	return dispatcher.Serve(ctx, os.Stdin, os.Stdout)
}

// buildAuthenticator selects the JWT (production) or local (dev-mode)
// authentication pipeline per cfg.Auth.Mode, wrapping each into the shape
// rpc.Dispatcher expects.
func buildAuthenticator(cfg config.Auth, logger *zap.Logger, auditLogger *audit.Logger) (rpc.Authenticator, error) {
	if cfg.Mode == "jwt" {
		if cfg.JWKSEndpoint == "" {
			return nil, fmt.Errorf("auth.mode is jwt but auth.jwks_endpoint is not configured")
		}
		groupToRole := make(map[string]reqctx.Role, len(cfg.GroupRoleMap))
		for group, role := range cfg.GroupRoleMap {
			groupToRole[group] = reqctx.Role(role)
		}
		keySet := auth.NewKeySet(&auth.HTTPFetcher{URL: cfg.JWKSEndpoint}, cfg.JWKSCacheTTL)
		validator := &auth.Validator{
			KeySet:      keySet,
			Audience:    cfg.Audience,
			Issuer:      cfg.Issuer,
			GroupToRole: groupToRole,
		}
		return func(ctx context.Context, token string) (reqctx.Caller, error) {
			claims, role, err := validator.Validate(ctx, token)
			if err != nil {
				return reqctx.Caller{}, err
			}
			return reqctx.Caller{UserID: claims.UserID, Role: role, Groups: claims.Groups()}, nil
		}, nil
	}

	local := auth.NewLocalAuthenticator(logger, cfg.LocalShared).WithAudit(auditLogger)
	if local.Permissive {
		logger.Warn("auth.mode is local with no shared token configured: every caller is admitted as admin")
	}
	return func(ctx context.Context, token string) (reqctx.Caller, error) {
		return local.Authenticate(token)
	}, nil
}

// buildHealthChecks assembles the Verify pipeline's probes: the IPC socket
// existing, and an end-to-end round trip against the Agent's reserved
// get_info operation.
func buildHealthChecks(cfg config.Config, agentClient *ipc.Client) []update.HealthCheck {
	checks := []update.HealthCheck{
		update.SocketExistsCheck(cfg.IPC.SocketPath),
		update.E2EToolCallCheck(func(ctx context.Context) error {
			data, err := agentClient.Call(ctx, "get_info", map[string]any{}, 5*time.Second)
			if err != nil {
				return err
			}
			var info map[string]any
			if err := json.Unmarshal(data, &info); err != nil {
				return ctlerr.ProtocolErrorf(nil, "broker: malformed get_info response: %s", err)
			}
			return nil
		}),
	}
	for _, svc := range cfg.Update.HealthCheckServices {
		checks = append(checks, update.ServiceActiveCheck(svc))
	}
	if cfg.Update.HealthCheckURL != "" {
		checks = append(checks, update.HTTPHealthCheck(cfg.Update.HealthCheckURL, 5*time.Second))
	}
	return checks
}

func buildLogger(level string) (*zap.Logger, error) {
	var zcfg zap.Config
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zcfg.Build()
}

// buildInfo identifies this Broker build for system.get_basic_info.
type buildInfo struct {
	name    string
	version string
}

// toolDeps bundles every collaborator a tool handler might need, threaded
// through registerTools at startup.
type toolDeps struct {
	agent        *ipc.Client
	metricsStore *metrics.Store
	metricTypes  []string
	audit        *audit.Logger
	auditLogPath string
	update       *update.Machine
	enforcer     *auth.Enforcer
	info         buildInfo
}

// registerTools wires every tool name named by spec.md's RBAC table into
// registry. metrics.*, update.*, and logs.get_recent_audit_logs run locally
// in the Broker process; gpio.*, system.reboot, system.shutdown, and
// system.get_basic_info forward to the Agent over C1's IPC channel.
func registerTools(registry *rpc.Registry, deps toolDeps) {
	registry.MustRegister("system.ping", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		return map[string]any{"pong": true}, nil
	})

	registry.MustRegister("system.get_basic_info", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		data, err := deps.agent.Call(ctx, "get_info", map[string]any{}, 10*time.Second)
		if err != nil {
			return nil, err
		}
		var info map[string]any
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, ctlerr.ProtocolErrorf(nil, "broker: malformed get_info response: %s", err)
		}
		return info, nil
	})

	registry.MustRegister("gpio.read_pin", forwardToAgent(deps.agent, "gpio.read_pin"))
	registry.MustRegister("gpio.write_pin", forwardToAgent(deps.agent, "gpio.write_pin"))
	registry.MustRegister("system.reboot", forwardToAgent(deps.agent, "system.reboot"))
	registry.MustRegister("system.shutdown", forwardToAgent(deps.agent, "system.shutdown"))

	registry.MustRegister("logs.get_recent_audit_logs", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		var p struct {
			Limit int `json:"limit"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, ctlerr.InvalidArgumentf(nil, "logs.get_recent_audit_logs: invalid params: %s", err)
			}
		}
		entries, err := audit.ReadRecent(deps.auditLogPath, p.Limit)
		if err != nil {
			return nil, ctlerr.Internalf(err, nil, "logs.get_recent_audit_logs: reading audit log")
		}
		return map[string]any{"entries": entries}, nil
	})

	registerMetricsTools(registry, deps)
	registerUpdateTools(registry, deps)
	registerAuthTools(registry, deps)
}

// registerAuthTools exposes the RBAC introspection/override surface
// (internal/auth.Enforcer.AllowedTools/SetPermission) as tools in their own
// right, rather than leaving them reachable only from Go code.
func registerAuthTools(registry *rpc.Registry, deps toolDeps) {
	registry.MustRegister("auth.get_allowed_tools", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		if deps.enforcer == nil {
			return nil, ctlerr.FailedPreconditionf(nil, "auth.get_allowed_tools: RBAC enforcer is not configured")
		}
		role := rc.Caller.Role
		var p struct {
			Role string `json:"role"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, ctlerr.InvalidArgumentf(nil, "auth.get_allowed_tools: invalid params: %s", err)
			}
		}
		if p.Role != "" {
			// Querying a role other than your own requires actually holding
			// admin, since it discloses another role's capability surface.
			if reqctx.Role(p.Role) != rc.Caller.Role && rc.Caller.Role != reqctx.RoleAdmin {
				return nil, ctlerr.PermissionDeniedf(map[string]any{"tool": "auth.get_allowed_tools", "required_role": "admin"}, "auth.get_allowed_tools: querying another role requires admin")
			}
			role = reqctx.Role(p.Role)
		}
		tools := deps.enforcer.AllowedTools(role)
		sort.Strings(tools)
		return map[string]any{"role": string(role), "allowed_tools": tools}, nil
	})

	registry.MustRegister("auth.set_permission", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		if deps.enforcer == nil {
			return nil, ctlerr.FailedPreconditionf(nil, "auth.set_permission: RBAC enforcer is not configured")
		}
		var p struct {
			Tool string `json:"tool"`
			Role string `json:"role"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, ctlerr.InvalidArgumentf(nil, "auth.set_permission: invalid params: %s", err)
			}
		}
		if p.Tool == "" || p.Role == "" {
			return nil, ctlerr.InvalidArgumentf(map[string]any{"parameters": []string{"tool", "role"}}, "auth.set_permission: tool and role are required")
		}
		role := reqctx.Role(p.Role)
		switch role {
		case reqctx.RoleViewer, reqctx.RoleOperator, reqctx.RoleAdmin:
		default:
			return nil, ctlerr.InvalidArgumentf(map[string]any{"role": p.Role}, "auth.set_permission: unknown role %q", p.Role)
		}
		deps.enforcer.SetPermission(p.Tool, role)
		if deps.audit != nil {
			deps.audit.LogSecurityEvent("rbac_permission_overridden",
				fmt.Sprintf("tool %q required role changed to %q", p.Tool, role),
				"warning", &rc, map[string]any{"tool": p.Tool, "role": string(role)})
		}
		return map[string]any{"tool": p.Tool, "required_role": string(role)}, nil
	})
}

// forwardToAgent builds a Handler that forwards params verbatim to the
// Agent's operation of the same name over C1.
func forwardToAgent(client *ipc.Client, operation string) rpc.Handler {
	return func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		var raw map[string]any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &raw); err != nil {
				return nil, ctlerr.InvalidArgumentf(nil, "%s: invalid params: %s", operation, err)
			}
		}
		data, err := client.Call(ctx, operation, raw, 15*time.Second)
		if err != nil {
			return nil, err
		}
		var result any
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, ctlerr.ProtocolErrorf(nil, "%s: malformed agent response: %s", operation, err)
		}
		return result, nil
	}
}

func registerMetricsTools(registry *rpc.Registry, deps toolDeps) {
	registry.MustRegister("metrics.query", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		if deps.metricsStore == nil {
			return nil, ctlerr.FailedPreconditionf(nil, "metrics.query: metrics collection is disabled")
		}
		var p struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			MetricType string  `json:"metric_type"`
			Offset     int     `json:"offset"`
			Limit      int     `json:"limit"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, ctlerr.InvalidArgumentf(nil, "metrics.query: invalid params: %s", err)
			}
		}
		samples, err := deps.metricsStore.Query(ctx, metrics.QueryOptions{
			Start: p.Start, End: p.End, MetricType: p.MetricType, Offset: p.Offset, Limit: p.Limit,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"samples": samples}, nil
	})

	registry.MustRegister("metrics.get_latest", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		if deps.metricsStore == nil {
			return nil, ctlerr.FailedPreconditionf(nil, "metrics.get_latest: metrics collection is disabled")
		}
		now := float64(time.Now().Unix())
		window := now - 3600

		latest := map[string]any{}
		for _, mt := range deps.metricTypes {
			samples, err := deps.metricsStore.Query(ctx, metrics.QueryOptions{
				Start: window, End: now + 1, MetricType: mt, Limit: 1000,
			})
			if err != nil {
				return nil, err
			}
			if len(samples) == 0 {
				continue
			}
			latest[mt] = samples[len(samples)-1]
		}
		return map[string]any{"latest": latest}, nil
	})
}

func registerUpdateTools(registry *rpc.Registry, deps toolDeps) {
	registry.MustRegister("update.check", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		var p struct {
			Channel string `json:"channel"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, ctlerr.InvalidArgumentf(nil, "update.check: invalid params: %s", err)
			}
		}
		if p.Channel == "" {
			p.Channel = "stable"
		}
		latest, hasUpdate, err := deps.update.CheckForUpdates(ctx, p.Channel)
		if err != nil {
			return nil, err
		}
		return map[string]any{"latest_version": latest, "update_available": hasUpdate}, nil
	})

	registry.MustRegister("update.apply", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		var p struct {
			TargetVersion string `json:"target_version"`
			Channel       string `json:"channel"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, ctlerr.InvalidArgumentf(nil, "update.apply: invalid params: %s", err)
			}
		}
		if err := deps.update.RunFullUpdate(ctx, p.Channel, p.TargetVersion); err != nil {
			return nil, err
		}
		return map[string]any{"state": string(deps.update.State())}, nil
	})

	registry.MustRegister("update.rollback", func(ctx context.Context, rc reqctx.Context, params []byte) (any, error) {
		if err := deps.update.TriggerRollback(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"state": string(deps.update.State())}, nil
	})
}
