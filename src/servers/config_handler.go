package servers

import (
	"errors"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/astrafetch/astrafetch-go/src/configs"
	"github.com/astrafetch/astrafetch-go/src/instance"
)

func currentConfig(r *http.Request) *configs.Config {
	if c := configs.GetCurrentConfig(); c != nil {
		return c
	}
	return instance.GetInstance(r.Context()).Config
}

func getConfig(writer http.ResponseWriter, r *http.Request) {
	c := currentConfig(r)
	writeJSON(writer, commonResp{Data: map[string]interface{}{
		"version": c.Version,
		"config":  c,
	}})
}

// putDebug 带 version 时按版本号做乐观并发更新
func putDebug(writer http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeJsonWithStatusCode(writer, http.StatusBadRequest, commonResp{ErrNo: http.StatusBadRequest, ErrMsg: err.Error()})
		return
	}
	v := gjson.GetBytes(b, "debug")
	if v.Type != gjson.True && v.Type != gjson.False {
		writeJsonWithStatusCode(writer, http.StatusBadRequest, commonResp{ErrNo: http.StatusBadRequest, ErrMsg: "debug must be a bool"})
		return
	}
	debug := v.Bool()

	var c *configs.Config
	if ver := gjson.GetBytes(b, "version"); ver.Exists() {
		c, err = configs.UpdateCAS(ver.Int(), func(c *configs.Config) error {
			c.Debug = debug
			return nil
		}, true)
	} else {
		c, err = configs.SetDebug(debug)
	}
	switch {
	case errors.Is(err, configs.ErrConfigVersionConflict):
		writeJsonWithStatusCode(writer, http.StatusConflict, commonResp{ErrNo: http.StatusConflict, ErrMsg: err.Error()})
		return
	case err != nil:
		writeJsonWithStatusCode(writer, http.StatusInternalServerError, commonResp{ErrNo: http.StatusInternalServerError, ErrMsg: err.Error()})
		return
	}
	writeJSON(writer, commonResp{Data: map[string]interface{}{"version": c.Version, "debug": c.Debug}})
}
