package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/configs"
	"github.com/astrafetch/astrafetch-go/src/consts"
	"github.com/astrafetch/astrafetch-go/src/hls"
	"github.com/astrafetch/astrafetch-go/src/instance"
	"github.com/astrafetch/astrafetch-go/src/log"
	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	"github.com/astrafetch/astrafetch-go/src/pkg/browser"
	afsentry "github.com/astrafetch/astrafetch-go/src/pkg/sentry"
	"github.com/astrafetch/astrafetch-go/src/servers"
)

var (
	// SentryDSN 编译时注入：-ldflags="-X main.SentryDSN=..."，也可用环境变量 SENTRY_DSN
	SentryDSN = ""
	SentryEnv = "production"
)

var (
	app    = kingpin.New(consts.AppName, "Stream detection and playlist analysis engine.")
	conf   = app.Flag("config", "Config file.").Short('c').String()
	debug  = app.Flag("debug", "Enable debug logging.").Bool()
	bind   = app.Flag("bind", "Override rpc bind address.").String()
	output = app.Flag("output", "Output folder.").Short('o').String()

	serveCmd      = app.Command("serve", "Run the HTTP API.").Default()
	serveWatch    = serveCmd.Flag("watch", "Page to observe with Chrome while serving.").String()
	serveControl  = serveCmd.Flag("control-url", "DevTools websocket of a running Chrome.").String()
	analyzeCmd    = app.Command("analyze", "Analyze an HLS playlist.")
	analyzeURL    = analyzeCmd.Arg("url", "Playlist URL.").Required().String()
	probeCmd      = app.Command("probe", "Probe quality variants of a stream.")
	probeURL      = probeCmd.Arg("url", "Stream URL.").Required().String()
	downloadCmd   = app.Command("download", "Download a playlist or media URL.")
	downloadURL   = downloadCmd.Arg("url", "Playlist or media URL.").Required().String()
	downloadTitle = downloadCmd.Flag("title", "Title used in the output file name.").String()
	downloadTmpl  = downloadCmd.Flag("output-tmpl", "Output file name template.").String()
	downloadWork  = downloadCmd.Flag("workers", "Concurrent segment downloads.").Int()
	watchCmd      = app.Command("watch", "Observe a page with Chrome and print detected streams.")
	watchURL      = watchCmd.Arg("url", "Page URL.").Required().String()
	watchControl  = watchCmd.Flag("control-url", "DevTools websocket of a running Chrome.").String()
)

func getConfig() (*configs.Config, error) {
	config := configs.NewConfig()
	if *conf != "" {
		c, err := configs.NewConfigWithFile(*conf)
		if err != nil {
			return nil, err
		}
		config = c
	}
	if *debug {
		config.Debug = true
	}
	if *bind != "" {
		config.RPC.Bind = *bind
	}
	if *output != "" {
		config.HLS.OutPutPath = *output
	}
	return config, config.Verify()
}

func initSentry(config *configs.Config, logger *logrus.Logger) {
	dsn := SentryDSN
	if dsn == "" {
		dsn = os.Getenv("SENTRY_DSN")
	}
	if dsn == "" {
		dsn = config.Sentry.DSN
	}
	if dsn == "" {
		return
	}
	env := SentryEnv
	if config.Sentry.Environment != "" {
		env = config.Sentry.Environment
	}
	if config.Debug {
		env = "development"
	}
	if err := afsentry.Init(dsn, env, consts.AppVersion); err != nil {
		logger.WithError(err).Warn("sentry init failed")
	}
}

func main() {
	defer afsentry.Flush(2 * time.Second)
	defer afsentry.Recover()

	_ = godotenv.Load()
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	config, err := getConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	configs.SetCurrentConfig(config)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := log.New(ctx, config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	initSentry(config, logger)
	logger.Infof("%s Version: %s Link Start", consts.AppName, consts.AppVersion)
	logger.Debugf("%+v", consts.GetAppInfo())

	inst, err := instance.New(config)
	if err != nil {
		logger.WithError(err).Fatal("failed to init engine")
	}
	defer inst.Close()
	ctx = context.WithValue(ctx, instance.Key, inst)

	switch command {
	case serveCmd.FullCommand():
		err = serve(ctx, inst)
	case analyzeCmd.FullCommand():
		err = analyze(ctx, inst, *analyzeURL)
	case probeCmd.FullCommand():
		err = probe(ctx, inst, *probeURL)
	case downloadCmd.FullCommand():
		err = download(ctx, inst, *downloadURL)
	case watchCmd.FullCommand():
		err = watch(ctx, inst, *watchURL, *watchControl)
	}
	if err != nil {
		logger.WithError(err).Error(command + " failed")
		afsentry.Flush(2 * time.Second)
		os.Exit(1)
	}
	logger.Info("Bye~")
}

func browserOptions(config *configs.Config, controlURL string) browser.Options {
	opts := browser.OptionsFromConfig(config.Browser)
	if controlURL != "" {
		opts.ControlURL = controlURL
	}
	opts.Logger = log.Component("browser")
	return opts
}

func serve(ctx context.Context, inst *instance.Instance) error {
	srv := servers.NewServer(inst)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	afsentry.GoWithContext(ctx, inst.Run)
	if *serveWatch != "" {
		afsentry.GoWithContext(ctx, func(ctx context.Context) {
			opts := browserOptions(inst.Config, *serveControl)
			if err := browser.Watch(ctx, opts, *serveWatch, inst.Recorder, inst); err != nil {
				log.GetLogger().WithError(err).Error("page watch stopped")
			}
		})
	}
	<-ctx.Done()
	log.GetLogger().Info("Received shutdown signal, closing...")
	return srv.Close(context.Background())
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// register 把命令行传入的 URL 当作一次观测登记
func register(inst *instance.Instance, rawURL string) (string, error) {
	e := inst.Recorder.Observe(rawURL, "cli", "GET", "cli")
	if e == nil {
		return "", fmt.Errorf("not a media url: %s", mediaurl.Sanitize(rawURL))
	}
	return e.URL, nil
}

func analyze(ctx context.Context, inst *instance.Instance, rawURL string) error {
	u, err := register(inst, rawURL)
	if err != nil {
		return err
	}
	status, err := inst.AnalyzeHlsSync(ctx, u)
	e, _ := inst.Store.Get(u)
	if perr := printJSON(e); perr != nil {
		return perr
	}
	if err != nil {
		log.GetLogger().WithError(err).Warnf("analysis ended with %s", status)
	}
	return nil
}

func probe(ctx context.Context, inst *instance.Instance, rawURL string) error {
	u, err := register(inst, rawURL)
	if err != nil {
		return err
	}
	if e, _ := inst.Store.Get(u); e != nil && e.Type == mediaurl.Hls {
		// 先分析拿到变体列表
		_, _ = inst.AnalyzeHlsSync(ctx, u)
	}
	probes, err := inst.ProbeVariantsSync(ctx, u)
	if err != nil {
		return err
	}
	return printJSON(probes)
}

func download(ctx context.Context, inst *instance.Instance, rawURL string) error {
	dir := inst.Config.HLS.OutPutPath
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".astrafetch-*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	logger := log.Component("download")
	res, err := inst.Download(ctx, rawURL, tmp, hls.DownloadOptions{
		Workers:  *downloadWork,
		OnStatus: func(s string) { logger.Info(s) },
		Logger:   logger,
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	tmpl := inst.Config.HLS.OutputTmpl
	if *downloadTmpl != "" {
		tmpl = *downloadTmpl
	}
	name, err := hls.OutputName(dir, tmpl, *downloadTitle, res.Ext())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), os.ModePerm); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"file":     name,
		"bytes":    res.Bytes,
		"segments": res.Segments,
	}).Info("download finished")
	return nil
}

func watch(ctx context.Context, inst *instance.Instance, pageURL, controlURL string) error {
	afsentry.GoWithContext(ctx, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-inst.Changes().C():
			}
			for _, e := range inst.Entries() {
				log.GetLogger().WithFields(logrus.Fields{
					"type":   e.Type,
					"status": e.Status,
					"count":  e.Count,
				}).Info(mediaurl.Sanitize(e.URL))
			}
		}
	})
	return browser.Watch(ctx, browserOptions(inst.Config, controlURL), pageURL, inst.Recorder, inst)
}
