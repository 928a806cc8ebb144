package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matejbures93-hub/Sklad-FIFO/internal/config"
	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory"
	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory/storage"
)

// UserHeader carries the acting user of a request
const UserHeader = "X-User-ID"

// store is the subset of a storage backend the server needs
type store interface {
	inventory.Storage
	inventory.ProductCatalog
}

func main() {
	// .envファイルは任意
	_ = godotenv.Load()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました: ", err)
	}

	// ログ設定
	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました: ", err)
	}
	defer logger.Sync()

	// ストア接続
	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("ストア接続に失敗しました", zap.Error(err))
	}
	defer st.Close()

	var metrics *inventory.Metrics
	if cfg.API.EnableMetrics {
		metrics = inventory.NewMetrics(prometheus.DefaultRegisterer)
	}

	// 台帳マネージャー初期化
	publisher := inventory.NewLogPublisher(logger)
	manager := inventory.NewManager(st, publisher, logger, cfg.LedgerSettings()).
		WithMetrics(metrics).
		WithCatalog(st)
	tracker := inventory.NewTrackingManager(st, publisher, logger)
	valuator := inventory.NewValuationEngine(st, logger)

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, tracker, valuator, st, logger)
	router := setupRouter(handlers, cfg.API, logger)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("バッチ台帳APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage", cfg.Storage.Driver),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// openStore opens the configured storage backend
// 設定に応じてストアを開く
func openStore(cfg *config.Config, logger *zap.Logger) (store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("メモリストアを使用します。再起動でデータは失われます")
		return storage.NewMemoryStorage(logger), nil
	default:
		pg, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, apiCfg config.APIConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if apiCfg.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// バッチ
	api.HandleFunc("/batches", handlers.Restock).Methods("POST")
	api.HandleFunc("/batches", handlers.ListBatches).Methods("GET")
	api.HandleFunc("/batches/expiring", handlers.GetExpiringBatches).Methods("GET")
	api.HandleFunc("/batches/expired", handlers.GetExpiredBatches).Methods("GET")
	api.HandleFunc("/batches/{batchId:[0-9]+}/transfer", handlers.TransferBatch).Methods("POST")

	// 引当・販売
	api.HandleFunc("/allocations/plan", handlers.PlanAllocation).Methods("POST")
	api.HandleFunc("/sales", handlers.CommitSale).Methods("POST")
	api.HandleFunc("/sales", handlers.GetSaleHistory).Methods("GET")

	// 集計
	api.HandleFunc("/summary/products", handlers.SummarizeProducts).Methods("GET")
	api.HandleFunc("/products/{productId:[0-9]+}/warehouses", handlers.SummarizeProductWarehouses).Methods("GET")
	api.HandleFunc("/products/{productId:[0-9]+}/recommended-warehouse", handlers.RecommendWarehouse).Methods("GET")

	// 在庫評価
	api.HandleFunc("/valuation/warehouses/{warehouseId:[0-9]+}", handlers.CalculateTotalValue).Methods("GET")

	if apiCfg.EnableCORS {
		router.Use(corsMiddleware)
	}
	router.Use(userMiddleware)
	router.Use(loggingMiddleware(logger))

	return router
}

// corsMiddleware allows browser clients during development
// CORS設定（開発用）
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// userMiddleware puts the acting user from the request header into the context
// リクエストヘッダーの操作ユーザーをコンテキストに設定
func userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get(UserHeader); user != "" {
			r = r.WithContext(inventory.WithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_id", r.Header.Get(UserHeader)),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
