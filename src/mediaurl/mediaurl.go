// Package mediaurl 负责 URL 规范化与资源分类
package mediaurl

import (
	"net/url"
	"regexp"
	"strings"
)

// MediaType 资源分类，创建 entry 时确定，之后不再改变
type MediaType string

const (
	Hls         MediaType = "hls"
	Blob        MediaType = "blob"
	DirectMedia MediaType = "media"
	Image       MediaType = "image"
	Static      MediaType = "static"
	Api         MediaType = "api"
	Other       MediaType = "other"
)

// AllTypes 按分类优先级排列
var AllTypes = []MediaType{Hls, Blob, DirectMedia, Image, Static, Api, Other}

// ParseMediaType 解析外部传入的分类名，未知名称返回 false
func ParseMediaType(s string) (MediaType, bool) {
	for _, t := range AllTypes {
		if string(t) == strings.ToLower(strings.TrimSpace(s)) {
			return t, true
		}
	}
	return "", false
}

var (
	reDirectMedia = regexp.MustCompile(`\.(mp4|webm|mkv|mp3|ogg|wav)(\?|$)`)
	reImage       = regexp.MustCompile(`\.(png|jpg|jpeg|gif|webp|svg)(\?|$)`)
	reStatic      = regexp.MustCompile(`\.(js|css|woff2?|ttf|otf)(\?|$)`)
)

// Normalize 将 raw 相对 base 解析为绝对 URL。
// 解析失败时原样返回 raw，不会 panic。
func Normalize(raw, base string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	if ref.IsAbs() || base == "" {
		if ref.Scheme == "" {
			return raw
		}
		return ref.String()
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return raw
	}
	return b.ResolveReference(ref).String()
}

// Classify 按顺序匹配，第一个命中的规则生效
func Classify(rawURL, initiator string) MediaType {
	u := strings.ToLower(rawURL)
	switch {
	case strings.HasPrefix(u, "blob:"):
		return Blob
	case strings.Contains(u, ".m3u8"):
		return Hls
	case reDirectMedia.MatchString(u):
		return DirectMedia
	case reImage.MatchString(u):
		return Image
	case reStatic.MatchString(u):
		return Static
	}
	switch strings.ToLower(initiator) {
	case "fetch", "xmlhttprequest":
		return Api
	}
	return Other
}

// Origin 返回 scheme://host[:port]，无法解析时返回空串
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Sanitize 去掉 query 与 fragment，用于日志输出
func Sanitize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Scheme == "blob" {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}

// IsKeyResource 判断是否为 HLS 解密 key 的请求
func IsKeyResource(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".key")
}
