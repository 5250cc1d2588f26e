package services

import (
	"fmt"
	"os"
	"strings"
)

// ConfigurationError báo thiếu key material khi khởi động; lỗi này làm dừng ứng dụng
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("cấu hình %s không hợp lệ: %s", e.Key, e.Reason)
}

// PushKeys là key material cho FCM và VAPID
type PushKeys struct {
	FCMServerKey    string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

// PushKeySource là nơi đọc key: biến môi trường trước, file một dòng sau
type PushKeySource struct {
	FCMServerKey        string // Giá trị của FCM_SERVER_KEY (ưu tiên)
	FCMServerKeyFile    string
	VAPIDPublicKeyFile  string
	VAPIDPrivateKeyFile string
}

// LoadPushKeys đọc đủ ba key. Thiếu bất kỳ key nào trả về *ConfigurationError.
func LoadPushKeys(src PushKeySource) (PushKeys, error) {
	var keys PushKeys

	keys.FCMServerKey = strings.TrimSpace(src.FCMServerKey)
	if keys.FCMServerKey == "" {
		v, err := readSecretFile("FCM_SERVER_KEY", src.FCMServerKeyFile)
		if err != nil {
			return keys, err
		}
		keys.FCMServerKey = v
	}

	v, err := readSecretFile("VAPID_PUBLIC_KEY_FILE", src.VAPIDPublicKeyFile)
	if err != nil {
		return keys, err
	}
	keys.VAPIDPublicKey = v

	v, err = readSecretFile("VAPID_PRIVATE_KEY_FILE", src.VAPIDPrivateKeyFile)
	if err != nil {
		return keys, err
	}
	keys.VAPIDPrivateKey = v
	return keys, nil
}

// readSecretFile đọc dòng đầu của file secret
func readSecretFile(key, path string) (string, error) {
	if path == "" {
		return "", &ConfigurationError{Key: key, Reason: "chưa cấu hình đường dẫn file"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &ConfigurationError{Key: key, Reason: err.Error()}
	}
	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if line == "" {
		return "", &ConfigurationError{Key: key, Reason: "file " + path + " rỗng"}
	}
	return line, nil
}
