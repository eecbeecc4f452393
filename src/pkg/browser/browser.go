// Package browser 通过 DevTools 协议观察 Chrome 页面发出的请求，
// 作为检测引擎的页面来源
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/configs"
	"github.com/astrafetch/astrafetch-go/src/interceptor"
)

type Options struct {
	// ControlURL 已运行 Chrome 的 WebSocket 地址，留空则本地启动
	ControlURL   string
	Headless     bool
	Stealth      bool
	PollInterval time.Duration
	Logger       *logrus.Entry
}

// OptionsFromConfig 从配置生成
func OptionsFromConfig(c configs.Browser) Options {
	return Options{
		ControlURL:   c.ControlURL,
		Headless:     c.Headless,
		Stealth:      c.Stealth,
		PollInterval: time.Duration(c.PollIntervalMs) * time.Millisecond,
	}
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger().WithField("component", "browser")
	}
}

// Connect 连接或启动 Chrome，返回的 close 负责清理
func Connect(opts Options) (*rod.Browser, func(), error) {
	opts.defaults()
	wsURL := opts.ControlURL
	var l *launcher.Launcher
	if wsURL == "" {
		l = launcher.New().Headless(opts.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		opts.Logger.WithField("url", wsURL).Info("launched local chrome")
	} else {
		opts.Logger.WithField("url", wsURL).Info("connecting to remote chrome")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, nil, fmt.Errorf("browser: connect: %w", err)
	}
	closeFn := func() {
		_ = b.Close()
		if l != nil {
			l.Kill()
		}
	}
	return b, closeFn, nil
}

// OpenPage 新建空白标签页，开启 stealth 时隐藏自动化特征
func OpenPage(b *rod.Browser, useStealth bool) (*rod.Page, error) {
	var page *rod.Page
	var err error
	if useStealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	return page, nil
}

// Watch 打开 pageURL 并持续观察，直到 ctx 结束
func Watch(ctx context.Context, opts Options, pageURL string, rec *interceptor.Recorder, sink Sink) error {
	opts.defaults()
	b, closeFn, err := Connect(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	page, err := OpenPage(b, opts.Stealth)
	if err != nil {
		return err
	}
	defer page.Close()

	w := NewWatcher(rec, sink, opts.Logger)
	if err := w.Attach(ctx, page); err != nil {
		return err
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = page.Context(navCtx).Navigate(pageURL)
	cancel()
	if err != nil {
		return fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}

	w.Poll(ctx, page, opts.PollInterval)
	return nil
}
