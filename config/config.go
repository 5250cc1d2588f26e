package config

import (
	"fmt"
	"log"
	"time"

	"agent_sapo/utility/logger"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

// Configuration chứa thông tin tĩnh cần thiết để chạy ứng dụng
type Configuration struct {
	// Sapo
	SapoMainURL        string `env:"SAPO_MAIN_URL,required"`                                          // Vd: https://sisapsan.mysapogo.com/admin
	SapoMarketplaceURL string `env:"SAPO_MARKETPLACE_URL" envDefault:"https://market-place.sapoapps.vn"` // Marketplace + scopes API
	SapoStaffID        string `env:"SAPO_TMDT_STAFF_ID" envDefault:"319911"`                            // Staff id cho probe scopes
	SapoAccountID      string `env:"SAPO_TMDT_ACCOUNT_ID" envDefault:"319911"`                          // accountId của các API marketplace
	SapoConnectionIDs  string `env:"SAPO_CONNECTION_IDS"`                                               // connectionIds, phân tách bởi dấu phẩy
	SapoUsername       string `env:"SAPO_USERNAME,required"`
	SapoPassword       string `env:"SAPO_PASSWORD,required"`
	LoginDriverURL     string `env:"LOGIN_DRIVER_URL" envDefault:"http://127.0.0.1:9515"` // Sidecar login bằng trình duyệt
	TokenLifetimeHours int    `env:"SAPO_TOKEN_LIFETIME_HOURS" envDefault:"6"`

	// Lưu trữ
	DBDriver      string `env:"DB_DRIVER" envDefault:"sqlite"` // sqlite | postgres
	DBDSN         string `env:"DB_DSN" envDefault:"file:agent_sapo.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"`
	TokenStore    string `env:"TOKEN_STORE" envDefault:"sql"` // sql | mongo
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"agent_sapo"`
	RedisURL      string `env:"REDIS_URL"` // Bỏ trống = khóa login trong process

	// Push
	FCMServerKey        string `env:"FCM_SERVER_KEY"`
	FCMServerKeyFile    string `env:"FCM_SERVER_KEY_FILE" envDefault:"settings/fcm_server_key.txt"`
	FCMEndpoint         string `env:"FCM_ENDPOINT" envDefault:"https://fcm.googleapis.com/fcm/send"`
	VAPIDPublicKeyFile  string `env:"VAPID_PUBLIC_KEY_FILE" envDefault:"settings/vapid_public.txt"`
	VAPIDPrivateKeyFile string `env:"VAPID_PRIVATE_KEY_FILE" envDefault:"settings/vapid_private.txt"`
	VAPIDSubscriber     string `env:"VAPID_SUBSCRIBER" envDefault:"admin@giadungplus.vn"`

	// Ops API
	APIListenAddr string `env:"API_LISTEN_ADDR" envDefault:":8088"`
	APIToken      string `env:"API_TOKEN"`

	// Jobs (cron có giây)
	ProductSyncSchedule    string `env:"JOB_PRODUCT_SYNC_SCHEDULE" envDefault:"0 0 */2 * * *"`
	CatalogReloadSchedule  string `env:"JOB_CATALOG_RELOAD_SCHEDULE" envDefault:"0 30 3 * * *"`
	NotificationSchedule   string `env:"JOB_NOTIFICATION_SCHEDULE" envDefault:"*/15 * * * * *"`
	SessionCheckSchedule   string `env:"JOB_SESSION_CHECK_SCHEDULE" envDefault:"0 */10 * * * *"`
	LogCleanupSchedule     string `env:"JOB_LOG_CLEANUP_SCHEDULE" envDefault:"0 0 4 * * *"`
	DrainTimeoutSeconds    int    `env:"DRAIN_TIMEOUT_SECONDS" envDefault:"30"`
	DrainBatchLimit        int    `env:"DRAIN_BATCH_LIMIT" envDefault:"200"`
	ProductSyncStatus      string `env:"PRODUCT_SYNC_STATUS" envDefault:"active"`
	UpstreamTimeoutSeconds int    `env:"UPSTREAM_TIMEOUT_SECONDS" envDefault:"30"`

	Timezone string `env:"APP_TIMEZONE" envDefault:"Asia/Ho_Chi_Minh"`
}

// TokenLifetime trả về thời hạn lưu token sau khi login
func (c *Configuration) TokenLifetime() time.Duration {
	if c.TokenLifetimeHours <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.TokenLifetimeHours) * time.Hour
}

// DrainTimeout trả về deadline chung của một lượt drain
func (c *Configuration) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// UpstreamTimeout trả về timeout mặc định cho mỗi lần gọi Sapo
func (c *Configuration) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// Validate kiểm tra các giá trị phụ thuộc lẫn nhau
func (c *Configuration) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER không hợp lệ: %q (sqlite | postgres)", c.DBDriver)
	}
	switch c.TokenStore {
	case "sql":
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("TOKEN_STORE=mongo nhưng MONGO_URI trống")
		}
	default:
		return fmt.Errorf("TOKEN_STORE không hợp lệ: %q (sql | mongo)", c.TokenStore)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("APP_TIMEZONE không hợp lệ: %w", err)
	}
	return nil
}

// LogConfig trả về cấu hình logger từ environment variables
func LogConfig() *logger.Config {
	return logger.NewConfig()
}

// NewConfig đọc cấu hình từ environment variables, nếu thiếu thì load thêm file .env
// Ưu tiên: Environment variables (systemd EnvironmentFile) > File .env (development)
func NewConfig(files ...string) (*Configuration, error) {
	cfg := Configuration{}

	err := env.Parse(&cfg)
	if err == nil {
		log.Printf("Đã đọc cấu hình từ environment variables\n")
		return &cfg, cfg.Validate()
	}
	log.Printf("Không thể parse từ environment variables: %v, thử load từ file .env\n", err)

	if len(files) == 0 {
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		log.Printf("Không tìm thấy file %v (sẽ dùng environment variables nếu có)\n", files)
	} else {
		log.Printf("Đã load file %v\n", files)
	}

	cfg = Configuration{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("lỗi khi parse config: %w", err)
	}
	return &cfg, cfg.Validate()
}
