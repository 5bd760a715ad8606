package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"AgentDesk/internal/config"
	"AgentDesk/internal/session"
	"AgentDesk/internal/storage/mysql"
	"AgentDesk/pkg/logger"
)

var configPath string

// main 是 AgentDesk 守护进程的入口。
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "加载 .env 失败: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentdeskd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentdeskd",
		Short:        "AgentDesk agent orchestration service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径（也可通过 AGENTDESK_CONFIG 指定）")
	root.AddCommand(buildServeCmd(), buildMigrateCmd(), buildSweepCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 API 服务与循环任务处理器",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "执行 MySQL 数据库迁移",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.MySQL.DSN == "" {
				return errors.New("storage.mysql.dsn 未配置")
			}
			db, err := mysql.Open(cmd.Context(), mysqlConfig(cfg))
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := mysql.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
}

func buildSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "清理一次已过期的会话",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			res := &resources{}
			defer res.close()

			repo, err := buildSessionRepository(ctx, cfg, res)
			if err != nil {
				return err
			}
			manager := session.NewManager(repo,
				session.WithIdleTimeout(cfg.Session.IdleTimeout()),
				session.WithConfirmTimeout(cfg.Session.ConfirmTimeout()),
			)
			removed, err := manager.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions\n", removed)
			return nil
		},
	}
}

// loadConfig 按 --config、AGENTDESK_CONFIG、configs/agentdesk.yaml 的顺序查找配置，
// 都不存在时使用全内存的默认配置，并初始化日志。
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("AGENTDESK_CONFIG")
	}
	if path == "" {
		candidate := filepath.Join("configs", "agentdesk.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(path); err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if path != "" {
		logger.L().Info("已加载配置", slog.String("path", path))
	}
	return cfg, nil
}
