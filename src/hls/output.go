package hls

import (
	"bytes"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/astrafetch/astrafetch-go/src/pkg/utils"
)

// OutputName 用文件名模板渲染输出文件名，title 为空时使用 download
func OutputName(outputPath, tmpl, title, ext string) (string, error) {
	if title == "" {
		title = "download"
	}
	t, err := template.New("filename").Funcs(utils.GetFuncMap()).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("invalid output template: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := t.Execute(buf, map[string]string{"Title": title, "Ext": ext}); err != nil {
		return "", err
	}
	return filepath.Join(outputPath, buf.String()), nil
}
