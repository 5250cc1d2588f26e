/*
Package global chứa các biến toàn cục được khởi tạo một lần lúc start:
- GlobalConfig: Cấu hình của ứng dụng
- Location: múi giờ dùng cho mọi phép chia ngày (mặc định Asia/Ho_Chi_Minh)
Các trạng thái có thay đổi lúc chạy (session, catalog) không nằm ở đây mà được truyền tường minh.
*/
package global

import (
	"agent_sapo/config"
	"time"
)

// GlobalConfig chứa cấu hình của ứng dụng (được load từ environment variables hoặc .env file)
var GlobalConfig *config.Configuration

// Location là múi giờ local của cửa hàng
var Location = time.FixedZone("ICT", 7*60*60)

// SetConfig gán cấu hình và nạp múi giờ tương ứng
func SetConfig(cfg *config.Configuration) error {
	GlobalConfig = cfg
	if cfg == nil || cfg.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	Location = loc
	return nil
}
