// Package proxy 为出站请求应用代理配置
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/astrafetch/astrafetch-go/src/configs"
)

// ResolveURL 获取生效的代理 URL
// 优先级：配置文件 > 环境变量 (ALL_PROXY > HTTPS_PROXY > HTTP_PROXY)
func ResolveURL(cfg configs.Proxy) string {
	if cfg.Enable && cfg.URL != "" {
		return cfg.URL
	}
	for _, envVar := range []string{"ALL_PROXY", "all_proxy", "HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if proxyURL := os.Getenv(envVar); proxyURL != "" {
			return proxyURL
		}
	}
	return ""
}

// IsSocks5 socks5:// 与 socks5h:// 都走 DialContext
func IsSocks5(proxyURL string) bool {
	return strings.HasPrefix(proxyURL, "socks5://") || strings.HasPrefix(proxyURL, "socks5h://")
}

// Socks5DialContext 为 SOCKS5 代理创建 DialContext 函数
func Socks5DialContext(proxyURL string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid socks5 proxy: %w", err)
	}
	var auth *proxy.Auth
	if parsedURL.User != nil {
		auth = &proxy.Auth{User: parsedURL.User.Username()}
		if password, ok := parsedURL.User.Password(); ok {
			auth.Password = password
		}
	}
	dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// ApplyToTransport 将代理设置应用到 http.Transport
func ApplyToTransport(transport *http.Transport, cfg configs.Proxy) error {
	proxyURL := ResolveURL(cfg)
	if proxyURL == "" {
		transport.Proxy = http.ProxyFromEnvironment
		return nil
	}
	if IsSocks5(proxyURL) {
		dial, err := Socks5DialContext(proxyURL)
		if err != nil {
			return err
		}
		transport.Proxy = nil
		transport.DialContext = dial
		return nil
	}
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy url: %w", err)
	}
	transport.Proxy = http.ProxyURL(parsedURL)
	return nil
}
