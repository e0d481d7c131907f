package main

import (
	"adaptive-risk-go/internal/adaptation"
	"adaptive-risk-go/internal/calibration"
	"adaptive-risk-go/internal/config"
	"adaptive-risk-go/internal/drift"
	"adaptive-risk-go/internal/ingest"
	"adaptive-risk-go/internal/logger"
	"adaptive-risk-go/internal/models"
	"adaptive-risk-go/internal/ops"
	"adaptive-risk-go/internal/outcomestore"
	"adaptive-risk-go/internal/penalty"
	"adaptive-risk-go/internal/persistence"
	"adaptive-risk-go/internal/report"
	"adaptive-risk-go/internal/risk"
	"adaptive-risk-go/internal/threshold"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "serve", "running mode: serve, replay or import")
	dataPath := flag.String("data", "", "path to an outcomes CSV file for replay")
	symbol := flag.String("symbol", "", "symbol to import account trades for (e.g., BNBUSDT)")
	startDate := flag.String("start", "", "start date for import (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for import (YYYY-MM-DD)")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 为了在加载.env或配置时就能记录日志，先用默认配置初始化一个临时logger
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Warnf("无法加载配置文件 (%v)，使用默认配置。", err)
		cfg = models.DefaultConfig()
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "serve":
		runServeMode(cfg)
	case "replay":
		if *dataPath == "" {
			logger.S().Fatal("重放模式需要通过 --data 参数指定结果CSV文件")
		}
		runReplayMode(cfg, *dataPath)
	case "import":
		runImportMode(*symbol, *startDate, *endDate)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'serve'、'replay' 或 'import'。", *mode)
	}
}

// buildCore 按配置组装所有组件并注入编排器。
func buildCore(cfg *models.Config) (*adaptation.Core, *outcomestore.Store, persistence.StateRepository, error) {
	store, err := outcomestore.NewStore(cfg.OutcomeDBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化结果日志失败: %w", err)
	}

	var repo persistence.StateRepository
	switch cfg.StateBackend {
	case "badger":
		repo, err = persistence.NewBadgerRepository(cfg.BadgerPath)
	default:
		repo, err = persistence.NewFileRepository(cfg.StateDir)
	}
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("初始化状态仓库失败: %w", err)
	}

	sugar := logger.S()
	core := adaptation.NewCore(
		cfg,
		store,
		penalty.NewTracker(cfg.Penalty, sugar),
		calibration.NewCalibrator(cfg.Calibration, sugar),
		drift.NewDetector(cfg.Drift, sugar),
		threshold.NewController(cfg.Threshold, sugar),
		risk.NewOptimizer(cfg.Risk, sugar),
		repo,
		sugar,
	)
	return core, store, repo, nil
}

// runServeMode 启动控制环和监控服务，等待中断信号退出。
func runServeMode(cfg *models.Config) {
	logger.S().Info("--- 启动自适应控制环 ---")

	core, store, repo, err := buildCore(cfg)
	if err != nil {
		logger.S().Fatal(err)
	}
	defer store.Close()
	defer repo.Close()

	core.Start()

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.NewServer(core, cfg.Ops.ListenAddr, logger.S())
		opsServer.Start()
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if opsServer != nil {
		opsServer.Stop()
	}
	core.Stop()
	logger.S().Info("控制环已停止，状态已保存。")
}

// runReplayMode 从CSV重放历史结果，驱动完整的自适应周期，并打印报告。
func runReplayMode(cfg *models.Config, dataPath string) {
	logger.S().Info("--- 启动重放模式 ---")

	core, store, repo, err := buildCore(cfg)
	if err != nil {
		logger.S().Fatal(err)
	}
	defer store.Close()
	defer repo.Close()

	outcomes, err := ingest.ReadOutcomesCSV(dataPath)
	if err != nil {
		logger.S().Fatalf("无法读取结果文件: %v", err)
	}
	if len(outcomes) == 0 {
		logger.S().Fatal("结果文件为空或只有表头。")
	}

	core.Start()

	logger.S().Infof("开始重放 %d 条结果...", len(outcomes))
	for i := range outcomes {
		core.LogOutcome(&outcomes[i])
	}

	// 给后台适应周期一点时间收尾
	time.Sleep(500 * time.Millisecond)
	core.Stop()

	stats, err := store.Statistics(len(outcomes), models.StatFilter{})
	if err != nil {
		logger.S().Warnf("统计查询失败: %v", err)
	}
	start := outcomes[0].Timestamp
	end := outcomes[len(outcomes)-1].Timestamp
	report.GenerateReplayReport(core.Summary(), stats, dataPath, start, end)
}

// runImportMode 从币安账户成交历史导出结果CSV，供重放模式使用。
func runImportMode(symbol, startDate, endDate string) {
	if symbol == "" || startDate == "" || endDate == "" {
		logger.S().Fatal("导入模式需要 --symbol、--start 和 --end 参数")
	}
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		logger.S().Fatalf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
	}

	importer := ingest.NewTradeImporter(apiKey, secretKey)
	logger.S().Infof("开始导入 %s 从 %s 到 %s 的账户成交...", symbol, startDate, endDate)

	outcomes, err := importer.FetchOutcomes(symbol, startTime, endTime)
	if err != nil {
		logger.S().Fatalf("导入失败: %v", err)
	}

	fileName := fmt.Sprintf("data/%s-%s-%s-outcomes.csv", symbol, startDate, endDate)
	if err := ingest.WriteOutcomesCSV(fileName, outcomes); err != nil {
		logger.S().Fatalf("写入结果文件失败: %v", err)
	}
	logger.S().Infof("成功导出 %d 条结果到 %s", len(outcomes), fileName)
}
