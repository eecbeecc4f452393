// Package sentry 提供 Sentry 错误监控的封装，以及观测钩子、后台任务的 panic 隔离
package sentry

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

var (
	initialized bool
	initMu      sync.RWMutex
)

// 敏感 URL 参数，上报前替换
var sensitiveURLPattern = regexp.MustCompile(`(?i)([?&](?:token|key|sig|signature|secret|password|auth|access_token|session|policy|expires)=)[^&\s"]*`)

// Init 初始化 Sentry SDK，dsn 为空时不启用
func Init(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		BeforeSend:       beforeSendHook,
		SampleRate:       1.0,
	})
	if err != nil {
		return err
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: SessionID()})
	})

	initMu.Lock()
	initialized = true
	initMu.Unlock()
	return nil
}

// IsInitialized 返回 Sentry 是否已初始化
func IsInitialized() bool {
	initMu.RLock()
	defer initMu.RUnlock()
	return initialized
}

// Flush 刷新待发送事件（程序退出前调用）
func Flush(timeout time.Duration) {
	if !IsInitialized() {
		return
	}
	sentry.Flush(timeout)
}

// report 记录并上报一次已恢复的 panic
func report(ctx context.Context, where string, rec any) {
	logrus.WithFields(logrus.Fields{
		"where": where,
		"panic": sanitizeString(fmt.Sprint(rec)),
	}).Error("recovered from panic")
	if !IsInitialized() {
		return
	}
	hub := sentry.CurrentHub()
	if ctx != nil {
		if h := sentry.GetHubFromContext(ctx); h != nil {
			hub = h
		}
	}
	if hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("where", where)
			hub.RecoverWithContext(ctx, rec)
		})
	}
}

// RecoverWithContext 用于 goroutine 的 panic 恢复，须 defer 调用。
// 必须先调用 recover()，再检查 Sentry 状态，否则 panic 不会被捕获
func RecoverWithContext(ctx context.Context) {
	if rec := recover(); rec != nil {
		report(ctx, "goroutine", rec)
	}
}

// Recover 无 context 版本
func Recover() {
	if rec := recover(); rec != nil {
		report(context.Background(), "goroutine", rec)
	}
}

// Safe 执行 fn，吞掉其中的 panic 并返回 false。
// 用于观测钩子：钩子出错不能影响被观测的请求本身。
func Safe(where string, fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			ReportPanic(where, rec)
		}
	}()
	fn()
	return true
}

var onPanic func(where string)

// ReportPanic 上报已经 recover 的 panic，例如任务池的 PanicHandler
func ReportPanic(where string, rec any) {
	report(context.Background(), where, rec)
	if onPanic != nil {
		onPanic(where)
	}
}

// OnPanic 注册 panic 回调（例如计数），需在启动时设置
func OnPanic(fn func(where string)) {
	onPanic = fn
}

// CaptureException 捕获异常
func CaptureException(err error) {
	if !IsInitialized() || err == nil {
		return
	}
	sentry.CaptureException(err)
}

// Go 启动一个新的 goroutine 并自动添加 panic 恢复
func Go(f func()) {
	go func() {
		defer Recover()
		f()
	}()
}

// GoWithContext 启动一个新的 goroutine 并自动添加 panic 恢复（带 Context）
func GoWithContext(ctx context.Context, f func(context.Context)) {
	go func() {
		defer RecoverWithContext(ctx)
		f(ctx)
	}()
}

// beforeSendHook 在发送事件前清理 URL 中的签名参数
func beforeSendHook(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	event.Message = sanitizeString(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = sanitizeString(event.Exception[i].Value)
	}
	for k, v := range event.Tags {
		event.Tags[k] = sanitizeString(v)
	}
	if event.Request != nil {
		event.Request.URL = sanitizeString(event.Request.URL)
		event.Request.QueryString = ""
		event.Request.Cookies = ""
		for _, h := range []string{"Authorization", "Cookie", "authorization", "cookie"} {
			if _, ok := event.Request.Headers[h]; ok {
				event.Request.Headers[h] = "[REDACTED]"
			}
		}
	}
	return event
}

func sanitizeString(s string) string {
	if s == "" {
		return s
	}
	return sensitiveURLPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
