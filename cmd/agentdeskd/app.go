package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"AgentDesk/internal/agent"
	"AgentDesk/internal/api"
	"AgentDesk/internal/catalog"
	"AgentDesk/internal/chat"
	"AgentDesk/internal/config"
	"AgentDesk/internal/llm"
	"AgentDesk/internal/llm/openai"
	"AgentDesk/internal/llm/pythonbridge"
	"AgentDesk/internal/observability/alerting"
	"AgentDesk/internal/observability/metrics"
	"AgentDesk/internal/session"
	"AgentDesk/internal/storage/mysql"
	"AgentDesk/internal/storage/redis"
	"AgentDesk/internal/stream"
	"AgentDesk/internal/task"
	"AgentDesk/internal/tool"
	"AgentDesk/pkg/logger"
)

// resources 持有需要在退出时关闭的共享连接，按打开的逆序关闭。
type resources struct {
	db      *sql.DB
	redis   *goredis.Client
	closers []io.Closer
}

func (r *resources) add(c io.Closer) {
	if c != nil {
		r.closers = append(r.closers, c)
	}
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			logger.L().Warn("关闭资源失败", slog.Any("error", err))
		}
	}
	r.closers = nil
}

func (r *resources) mysql(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if r.db != nil {
		return r.db, nil
	}
	db, err := mysql.Open(ctx, mysqlConfig(cfg))
	if err != nil {
		return nil, err
	}
	if _, err := mysql.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	r.db = db
	r.add(db)
	return db, nil
}

func (r *resources) redisClient(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	client, err := redis.NewClient(ctx, redis.Config{
		Address:   cfg.Storage.Redis.Address,
		Password:  cfg.Storage.Redis.Password,
		DB:        cfg.Storage.Redis.DB,
		KeyPrefix: cfg.Storage.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	r.redis = client
	r.add(client)
	return client, nil
}

func mysqlConfig(cfg *config.Config) mysql.Config {
	return mysql.Config{
		DSN:             cfg.Storage.MySQL.DSN,
		MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	res := &resources{}
	defer res.close()

	var collectors *metrics.Metrics
	if cfg.Metrics.Enabled {
		collectors = metrics.New()
	}

	// 会话存储与状态机
	repo, err := buildSessionRepository(ctx, cfg, res)
	if err != nil {
		return err
	}
	sessionOpts := []session.Option{
		session.WithIdleTimeout(cfg.Session.IdleTimeout()),
		session.WithConfirmTimeout(cfg.Session.ConfirmTimeout()),
	}
	if collectors != nil {
		sessionOpts = append(sessionOpts, session.WithTransitionHook(collectors.SessionTransition))
	}
	sessions := session.NewManager(repo, sessionOpts...)

	locker, err := buildLocker(ctx, cfg, res)
	if err != nil {
		return err
	}

	// 事件推送：本地 Hub，多节点部署时经 Redis 中继
	hubOpts := []stream.HubOption{stream.WithBuffer(cfg.Stream.Buffer), stream.WithLifetime(cfg.Stream.Lifetime())}
	if collectors != nil {
		hubOpts = append(hubOpts, stream.WithObserver(collectors))
	}
	hub := stream.NewHub(hubOpts...)
	var publisher stream.Publisher = hub
	var relay *redis.EventRelay
	if cfg.Stream.Relay == "redis" {
		client, err := res.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		if relay, err = redis.NewEventRelay(client, cfg.Storage.Redis.KeyPrefix, hub); err != nil {
			return err
		}
		publisher = relay
	}

	tools, err := buildCatalog(cfg)
	if err != nil {
		return err
	}
	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		return err
	}
	executor, err := tool.NewHTTPExecutor(tool.HTTPConfig{
		BaseURL:      cfg.Executor.BaseURL,
		TenantParam:  cfg.Executor.TenantParam,
		Timeout:      cfg.Executor.Timeout(),
		MaxBodyBytes: cfg.Executor.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	agentOpts := []agent.Option{
		agent.WithMaxLoops(cfg.Agent.MaxLoops),
		agent.WithLLMTimeout(cfg.Agent.LLMTimeout()),
		agent.WithTemperature(cfg.Agent.Temperature),
		agent.WithMaxTokens(cfg.Agent.MaxTokens),
		agent.WithDefaultModel(cfg.LLM.DefaultModel),
	}
	if collectors != nil {
		agentOpts = append(agentOpts, agent.WithMetrics(collectors))
	}
	loop := agent.New(sessions, llmClient, tool.NewGate(tool.NewValidator()), executor, publisher, agentOpts...)

	// 循环任务
	store, err := buildTaskStore(ctx, cfg, res)
	if err != nil {
		return err
	}
	queue, err := buildTaskQueue(ctx, cfg, res)
	if err != nil {
		return err
	}
	tasks := task.NewService(store, queue, cfg.Storage.Task.Retries)
	processor := task.NewProcessor(loop, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithSessionLocker(locker),
		task.WithRecoveryHandler(task.NewSessionRecovery(loop)),
		task.WithAlertDispatcher(buildAlerting(cfg)),
	)

	chatSvc := chat.NewService(sessions, locker, tools, tasks,
		chat.WithToolLimit(cfg.Catalog.Limit),
		chat.WithDefaultModel(cfg.LLM.DefaultModel),
	)

	serverOpts := []api.Option{
		api.WithTasks(tasks),
		api.WithHeartbeat(cfg.Server.Heartbeat()),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	}
	if collectors != nil {
		serverOpts = append(serverOpts, api.WithMetrics(collectors, cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, chatSvc, sessions, hub, serverOpts...)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	sessions.StartSweeper(workerCtx, cfg.Session.SweepInterval())
	if relay != nil {
		go func() {
			if err := relay.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("事件中继异常退出", slog.Any("error", err))
			}
		}()
	}
	go func() {
		if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	logger.L().Info("AgentDesk 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("session_store", cfg.Storage.Session.Driver),
		slog.String("task_store", cfg.Storage.Task.Driver),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("llm", cfg.LLM.Provider),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildSessionRepository(ctx context.Context, cfg *config.Config, res *resources) (session.Repository, error) {
	switch cfg.Storage.Session.Driver {
	case "", "memory":
		return session.NewMemoryRepository(), nil
	case "mysql":
		db, err := res.mysql(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return mysql.NewSessionRepository(db)
	case "redis":
		client, err := res.redisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return redis.NewSessionRepository(client, cfg.Storage.Redis.KeyPrefix)
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.Session.Driver)
	}
}

func buildLocker(ctx context.Context, cfg *config.Config, res *resources) (session.Locker, error) {
	switch cfg.Storage.Session.Locker {
	case "", "local":
		return session.NewLocalLocker(cfg.Session.LockTimeout()), nil
	case "redis":
		client, err := res.redisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		lockCfg := redis.DefaultLockerConfig()
		lockCfg.Prefix = cfg.Storage.Redis.KeyPrefix
		lockCfg.AcquireTimeout = cfg.Session.LockTimeout()
		return redis.NewLocker(client, lockCfg)
	default:
		return nil, fmt.Errorf("未知的会话锁实现: %s", cfg.Storage.Session.Locker)
	}
}

func buildTaskStore(ctx context.Context, cfg *config.Config, res *resources) (task.Store, error) {
	switch cfg.Storage.Task.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		db, err := res.mysql(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return task.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.Task.Driver)
	}
}

func buildTaskQueue(ctx context.Context, cfg *config.Config, res *resources) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		queue := task.NewMemoryQueue(cfg.TaskQueue.Size)
		res.add(queue)
		return queue, nil
	case "redis":
		client, err := res.redisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return task.NewRedisQueue(client, task.RedisQueueConfig{
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		res.add(queue)
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}

func buildCatalog(cfg *config.Config) (catalog.Provider, error) {
	var provider catalog.Provider
	switch cfg.Catalog.Driver {
	case "none":
		return catalog.Empty{}, nil
	case "", "static":
		if cfg.Catalog.File == "" {
			return catalog.Empty{}, nil
		}
		static, err := catalog.LoadStaticProvider(cfg.Catalog.File, cfg.Catalog.Limit)
		if err != nil {
			return nil, err
		}
		provider = static
	case "http":
		remote, err := catalog.NewHTTPProvider(catalog.HTTPConfig{URL: cfg.Catalog.URL, Timeout: cfg.Catalog.Timeout()})
		if err != nil {
			return nil, err
		}
		provider = remote
	default:
		return nil, fmt.Errorf("未知的工具目录驱动: %s", cfg.Catalog.Driver)
	}
	return catalog.NewCachedProvider(provider, cfg.Catalog.CacheSize, cfg.Catalog.CacheTTL()), nil
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "", "openai":
		apiKey := cfg.LLM.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.DefaultModel,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// buildAlerting 始终写日志，配置了 Slack 时同时推送。
func buildAlerting(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if token := cfg.Alerting.Slack.ResolveToken(); token != "" && cfg.Alerting.Slack.Channel != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackSender(token),
			ChannelID: cfg.Alerting.Slack.Channel,
		})
	}
	return alerting.NewFanout(notifiers...)
}
