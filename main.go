package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pulson/pulson-offline/internal/config"
	"github.com/pulson/pulson-offline/internal/logging"
	"github.com/pulson/pulson-offline/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["manifest"] = len(cfg.Worker.Manifest)
		fields["precache"] = cfg.Worker.PrecacheName
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存后端 → 回源客户端 → worker 注册与首次安装 → Fiber server，
	// 保证网关与控制接口共享同一组缓存、客户端与通知实例。
	svc, err := newService(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["active_version"] = svc.registration.ActiveID()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(svc, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pulson-offline", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PULSON_OFFLINE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PULSON_OFFLINE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// serve 监听端口直到收到 SIGINT/SIGTERM，随后在 ShutdownTimeout 内优雅退出，
// 并等待挂起的缓存写入完成。
func serve(svc *service, cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := cfg.Global.ShutdownTimeout.DurationValue()
	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号")
		if err := svc.app.ShutdownWithTimeout(timeout); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("Fiber 关闭超时")
		}
	}()

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := svc.app.Listen(fmt.Sprintf(":%d", port))

	closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("挂起任务未能在超时前完成")
	}
	return listenErr
}
