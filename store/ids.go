package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const sessionIDPrefix = "sess_"

// NewSessionID 生成形如 sess_{username}_{8 lower-hex} 的会话 ID。
func NewSessionID(username string) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s%s_%s", sessionIDPrefix, username, hex.EncodeToString(buf))
}

// ParseSessionID 从会话 ID 中提取 owner。
// ID 必须形如 sess_{username}_{8 lower-hex}；username 不含分隔冲突。
func ParseSessionID(id string) (username string, err error) {
	if !strings.HasPrefix(id, sessionIDPrefix) {
		return "", fmt.Errorf("invalid session id: missing prefix")
	}
	rest := id[len(sessionIDPrefix):]
	// 后缀固定 8 hex，按最后一个下划线切分，owner 是中间部分（owner 本身可包含下划线）
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return "", fmt.Errorf("invalid session id: malformed")
	}
	username, suffix := rest[:idx], rest[idx+1:]
	if len(suffix) != 8 || !isLowerHex(suffix) {
		return "", fmt.Errorf("invalid session id: bad suffix")
	}
	if username == "" {
		return "", fmt.Errorf("invalid session id: empty owner")
	}
	return username, nil
}

// ValidateSessionID 校验 ID 形状并核对嵌入的 owner。
func ValidateSessionID(id, owner string) error {
	embedded, err := ParseSessionID(id)
	if err != nil {
		return err
	}
	if embedded != owner {
		return fmt.Errorf("session id owner mismatch")
	}
	return nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
