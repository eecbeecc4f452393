package servers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/astrafetch/astrafetch-go/src/consts"
	"github.com/astrafetch/astrafetch-go/src/instance"
	"github.com/astrafetch/astrafetch-go/src/interceptor"
	applog "github.com/astrafetch/astrafetch-go/src/log"
	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	"github.com/astrafetch/astrafetch-go/src/streams"
)

func getEntries(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	entries := inst.Entries()
	if t := r.URL.Query().Get("type"); t != "" {
		typ, ok := mediaurl.ParseMediaType(t)
		if !ok {
			writeJsonWithStatusCode(writer, http.StatusBadRequest, commonResp{
				ErrNo:  http.StatusBadRequest,
				ErrMsg: fmt.Sprintf("unknown type: %s", t),
			})
			return
		}
		filtered := make([]*streams.Entry, 0, len(entries))
		for _, e := range entries {
			if e.Type == typ {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(writer, entries)
}

func entryFromVars(writer http.ResponseWriter, r *http.Request) (*streams.Entry, bool) {
	inst := instance.GetInstance(r.Context())
	id := mux.Vars(r)["id"]
	e, ok := inst.Store.GetByID(id)
	if !ok {
		writeJsonWithStatusCode(writer, http.StatusNotFound, commonResp{
			ErrNo:  http.StatusNotFound,
			ErrMsg: fmt.Sprintf("entry id: %s can not find", id),
		})
		return nil, false
	}
	return e, true
}

func getEntry(writer http.ResponseWriter, r *http.Request) {
	if e, ok := entryFromVars(writer, r); ok {
		writeJSON(writer, e)
	}
}

// addEntries 接受单个对象或数组：{"url": "...", "source": "...", "method": "...", "initiator": "..."}
func addEntries(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeJsonWithStatusCode(writer, http.StatusBadRequest, commonResp{
			ErrNo:  http.StatusBadRequest,
			ErrMsg: err.Error(),
		})
		return
	}
	added := make([]*streams.Entry, 0, 4)
	add := func(value gjson.Result) {
		url := strings.TrimSpace(value.Get("url").String())
		if url == "" {
			return
		}
		source := value.Get("source").String()
		if source == "" {
			source = "api"
		}
		if e := inst.Recorder.Observe(url, source, value.Get("method").String(), value.Get("initiator").String()); e != nil {
			added = append(added, e)
		}
	}
	res := gjson.ParseBytes(b)
	if res.IsArray() {
		res.ForEach(func(_, value gjson.Result) bool {
			add(value)
			return true
		})
	} else {
		add(res)
	}
	if len(added) == 0 {
		writeJsonWithStatusCode(writer, http.StatusBadRequest, commonResp{
			ErrNo:  http.StatusBadRequest,
			ErrMsg: "no entry accepted",
		})
		return
	}
	writeJSON(writer, added)
}

func analyzeEntry(writer http.ResponseWriter, r *http.Request) {
	e, ok := entryFromVars(writer, r)
	if !ok {
		return
	}
	if e.Type != mediaurl.Hls {
		writeJsonWithStatusCode(writer, http.StatusBadRequest, commonResp{
			ErrNo:  http.StatusBadRequest,
			ErrMsg: "entry is not an hls playlist",
		})
		return
	}
	schedule(writer, instance.GetInstance(r.Context()).AnalyzeHls(e.URL))
}

func probeEntry(writer http.ResponseWriter, r *http.Request) {
	e, ok := entryFromVars(writer, r)
	if !ok {
		return
	}
	schedule(writer, instance.GetInstance(r.Context()).ProbeVariants(e.URL))
}

func schedule(writer http.ResponseWriter, err error) {
	if err != nil {
		applog.GetLogger().WithError(err).Warn("failed to schedule task")
		writeJsonWithStatusCode(writer, http.StatusServiceUnavailable, commonResp{
			ErrNo:  http.StatusServiceUnavailable,
			ErrMsg: err.Error(),
		})
		return
	}
	writeJsonWithStatusCode(writer, http.StatusAccepted, commonResp{ErrMsg: "accepted"})
}

func addTimings(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeJsonWithStatusCode(writer, http.StatusBadRequest, commonResp{
			ErrNo:  http.StatusBadRequest,
			ErrMsg: err.Error(),
		})
		return
	}
	timings := interceptor.ParseResourceTimings(b)
	n := inst.Passive().Observe(timings...)
	writeJSON(writer, commonResp{Data: map[string]int{"received": len(timings), "recorded": n}})
}

func reset(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	b, _ := io.ReadAll(r.Body)
	if page := gjson.GetBytes(b, "page_url").String(); page != "" {
		inst.Navigate(page)
	} else {
		inst.Reset()
	}
	writeJSON(writer, commonResp{ErrMsg: "ok"})
}

func getInfo(writer http.ResponseWriter, r *http.Request) {
	writeJSON(writer, consts.GetAppInfo())
}
