// Package servers 提供只读查询与触发分析的本地 HTTP API
package servers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/astrafetch/astrafetch-go/src/instance"
	applog "github.com/astrafetch/astrafetch-go/src/log"
	"github.com/astrafetch/astrafetch-go/src/metrics"
)

type commonResp struct {
	ErrNo  int         `json:"err_no"`
	ErrMsg string      `json:"err_msg"`
	Data   interface{} `json:"data,omitempty"`
}

func writeJSON(writer http.ResponseWriter, obj interface{}) {
	writeJsonWithStatusCode(writer, http.StatusOK, obj)
}

func writeJsonWithStatusCode(writer http.ResponseWriter, statusCode int, obj interface{}) {
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.WriteHeader(statusCode)
	if err := json.NewEncoder(writer).Encode(obj); err != nil {
		applog.GetLogger().WithError(err).Debug("failed to write response")
	}
}

// NewRouter 路由表；handler 通过请求 context 取得 inst
func NewRouter(inst *instance.Instance) *mux.Router {
	m := mux.NewRouter()
	m.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), instance.Key, inst)
			handler.ServeHTTP(w, r.WithContext(ctx))
		})
	}, log)

	api := m.PathPrefix("/api").Subrouter()
	api.HandleFunc("/info", getInfo).Methods("GET")
	api.HandleFunc("/config", getConfig).Methods("GET")
	api.HandleFunc("/config/debug", putDebug).Methods("PUT")
	api.HandleFunc("/entries", getEntries).Methods("GET")
	api.HandleFunc("/entries", addEntries).Methods("POST")
	api.HandleFunc("/entries/{id}", getEntry).Methods("GET")
	api.HandleFunc("/entries/{id}/analyze", analyzeEntry).Methods("POST")
	api.HandleFunc("/entries/{id}/probe", probeEntry).Methods("POST")
	api.HandleFunc("/timings", addTimings).Methods("POST")
	api.HandleFunc("/reset", reset).Methods("POST")
	api.HandleFunc("/events", sseHandler).Methods("GET")

	m.Handle("/metrics", metrics.Handler())
	return m
}

type Server struct {
	server *http.Server
}

func NewServer(inst *instance.Instance) *Server {
	return &Server{
		server: &http.Server{
			Addr:              inst.Config.RPC.Bind,
			Handler:           NewRouter(inst),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start 监听后在后台提供服务
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }
	applog.GetLogger().Infof("Server start at %s", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.GetLogger().WithError(err).Error("server stopped")
		}
	}()
	return nil
}

func (s *Server) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	applog.GetLogger().Info("Server close")
	return nil
}
