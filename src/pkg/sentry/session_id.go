package sentry

import (
	"strings"
	"sync"

	uuid "github.com/satori/go.uuid"
)

var (
	sessionID     string
	sessionIDOnce sync.Once
)

// SessionID 进程级匿名标识，不落盘。
// 32 位十六进制字符串（去掉连字符的 UUID）
func SessionID() string {
	sessionIDOnce.Do(func() {
		sessionID = strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")
	})
	return sessionID
}
