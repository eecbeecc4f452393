package utils

import (
	"regexp"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
)

var filenameUnsafe = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

// FilenameFilter 去掉文件名中不允许出现的字符
func FilenameFilter(s string) string {
	s = filenameUnsafe.ReplaceAllString(s, "_")
	s = strings.TrimSpace(s)
	if s == "" {
		return "untitled"
	}
	return s
}

// GetFuncMap sprig 函数加上 filenameFilter
func GetFuncMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	funcs["filenameFilter"] = FilenameFilter
	return funcs
}
