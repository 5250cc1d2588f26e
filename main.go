package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent_sapo/app/api"
	"agent_sapo/app/integrations"
	"agent_sapo/app/jobs"
	"agent_sapo/app/scheduler"
	"agent_sapo/app/services"
	"agent_sapo/app/session"
	"agent_sapo/app/storage"
	apputility "agent_sapo/app/utility"
	"agent_sapo/config"
	"agent_sapo/global"
	"agent_sapo/utility/httpclient"
	"agent_sapo/utility/logger"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// AppLogger là logger chính của ứng dụng
var AppLogger *logrus.Logger

// registerJob đăng ký job vào scheduler với logging
func registerJob(s *scheduler.Scheduler, job scheduler.Job) error {
	jobName := job.GetName()
	if err := s.AddJobObject(job); err != nil {
		AppLogger.WithFields(logrus.Fields{
			"job_name": jobName,
			"schedule": job.GetSchedule(),
			"error":    err.Error(),
		}).Error("❌ Lỗi khi thêm job")
		return err
	}
	AppLogger.WithFields(logrus.Fields{
		"job_name": jobName,
		"schedule": job.GetSchedule(),
	}).Info("✅ Đã đăng ký job thành công")
	return nil
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		panic(fmt.Sprintf("Không thể đọc cấu hình: %v", err))
	}
	if err := global.SetConfig(cfg); err != nil {
		panic(fmt.Sprintf("Không thể nạp múi giờ: %v", err))
	}
	if err := logger.InitLogger(config.LogConfig()); err != nil {
		panic(fmt.Sprintf("Không thể khởi tạo logger: %v", err))
	}
	AppLogger = logger.GetAppLogger()
	log.SetFlags(0)
	log.SetOutput(logger.NewStdLogBridge())
	AppLogger.Info("Hệ thống logger đã được khởi tạo thành công")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, global.GlobalConfig); err != nil {
		AppLogger.WithError(err).Fatal("❌ Ứng dụng dừng do lỗi")
	}
	AppLogger.Info("👋 Đã dừng ứng dụng")
}

// run dựng toàn bộ thành phần, chạy scheduler và ops API cho tới khi ctx bị hủy
func run(ctx context.Context, cfg *config.Configuration) error {
	// ===== Lưu trữ =====
	db, err := storage.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	AppLogger.WithField("driver", cfg.DBDriver).Info("✅ Database sẵn sàng")

	tokenStore, closeTokens, err := openTokenStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeTokens()

	// ===== Session Sapo =====
	upstreamTimeout := cfg.UpstreamTimeout()
	sessions, err := session.NewManager(session.Options{
		CoreClient:        httpclient.NewHttpClient(cfg.SapoMainURL, upstreamTimeout),
		MarketplaceClient: httpclient.NewHttpClient(cfg.SapoMarketplaceURL, upstreamTimeout),
		Store:             tokenStore,
		Driver:            session.NewHTTPDriver(cfg.LoginDriverURL, 3*time.Minute),
		Lock:              loginLock(cfg),
		Credentials:       session.Credentials{Username: cfg.SapoUsername, Password: cfg.SapoPassword},
		StaffID:           cfg.SapoStaffID,
		TokenLifetime:     cfg.TokenLifetime(),
	})
	if err != nil {
		return err
	}

	// ===== Repository Sapo =====
	core := integrations.NewSapoCore(sessions)
	marketplace := integrations.NewSapoMarketplace(sessions, cfg.SapoAccountID, cfg.SapoConnectionIDs)
	promotions := integrations.NewSapoPromotion(sessions)

	// ===== Services =====
	pacer := apputility.GetSapoRateLimiter()
	cache := storage.NewProductCache(db)
	productSync := services.NewProductSyncService(core, cache, pacer)
	catalog := services.NewCatalog(core, cache, pacer)
	productMeta := services.NewProductMetaService(core)

	notifications := storage.NewNotificationStore(db)
	engine := services.NewNotificationEngine(notifications, storage.NewUserStore(db))

	keys, err := services.LoadPushKeys(services.PushKeySource{
		FCMServerKey:        cfg.FCMServerKey,
		FCMServerKeyFile:    cfg.FCMServerKeyFile,
		VAPIDPublicKeyFile:  cfg.VAPIDPublicKeyFile,
		VAPIDPrivateKeyFile: cfg.VAPIDPrivateKeyFile,
	})
	if err != nil {
		return err
	}
	pusher := services.NewWebPushSender(storage.NewSubscriptionStore(db), services.WebPushConfig{
		Keys:        keys,
		Subscriber:  cfg.VAPIDSubscriber,
		FCMEndpoint: cfg.FCMEndpoint,
	})
	worker := services.NewDeliveryWorker(notifications, map[string]services.ChannelSender{
		storage.ChannelInApp:   services.InAppSender{},
		storage.ChannelWebPush: pusher,
	})

	// ===== Scheduler =====
	s := scheduler.NewScheduler()
	for _, job := range []scheduler.Job{
		jobs.NewSessionCheckJob(cfg.SessionCheckSchedule, sessions),
		jobs.NewProductSyncJob(cfg.ProductSyncSchedule, cfg.ProductSyncStatus, productSync, catalog),
		jobs.NewCatalogReloadJob(cfg.CatalogReloadSchedule, catalog),
		jobs.NewNotificationJob(cfg.NotificationSchedule, worker, cfg.DrainBatchLimit, cfg.DrainTimeout()),
		jobs.NewLogCleanupJob(cfg.LogCleanupSchedule),
	} {
		if err := registerJob(s, job); err != nil {
			return err
		}
	}

	// ===== Ops API =====
	if cfg.APIToken == "" {
		AppLogger.Warn("⚠️ API_TOKEN trống: mọi route trừ /healthz sẽ trả về 401")
	}
	server := &http.Server{
		Addr: cfg.APIListenAddr,
		Handler: api.NewRouter(api.Deps{
			Token:       cfg.APIToken,
			Sessions:    sessions,
			Notifier:    engine,
			Drainer:     worker,
			Catalog:     catalog,
			Jobs:        s,
			ProductMeta: productMeta,
			Promotions:  promotions,
			Marketplace: marketplace,
			System:      services.NewSystemInfoCollector(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(logger.NewStdLogBridge(), "", 0),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Start()
		AppLogger.Info("🚀 Scheduler đã khởi động")
		<-gctx.Done()
		s.Stop()
		return nil
	})
	g.Go(func() error {
		AppLogger.WithField("addr", cfg.APIListenAddr).Info("🚀 Ops API đang lắng nghe")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		AppLogger.Info("🛑 Đang dừng ops API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openTokenStore chọn nơi lưu token theo TOKEN_STORE
func openTokenStore(ctx context.Context, cfg *config.Configuration, db *storage.DB) (session.TokenStore, func(), error) {
	if cfg.TokenStore != "mongo" {
		return storage.NewTokenStore(db), func() {}, nil
	}
	store, err := storage.NewMongoTokenStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, nil, fmt.Errorf("kết nối Mongo token store: %w", err)
	}
	AppLogger.WithField("database", cfg.MongoDatabase).Info("✅ Token store dùng MongoDB")
	return store, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			AppLogger.WithError(err).Warn("⚠️ Không đóng được kết nối Mongo")
		}
	}, nil
}

// loginLock dùng Redis khi nhiều process cùng chia sẻ một tài khoản Sapo
func loginLock(cfg *config.Configuration) session.LoginLock {
	if cfg.RedisURL == "" {
		return session.LocalLock{}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		AppLogger.WithError(err).Warn("⚠️ REDIS_URL không hợp lệ, dùng khóa login trong process")
		return session.LocalLock{}
	}
	AppLogger.WithField("addr", opts.Addr).Info("✅ Khóa login dùng Redis")
	return session.NewRedisLock(redis.NewClient(opts))
}
