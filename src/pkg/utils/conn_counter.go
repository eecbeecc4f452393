package utils

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/configs"
	"github.com/astrafetch/astrafetch-go/src/pkg/proxy"
)

// ByteCounter 单个 host 的 TCP 收发字节数
type ByteCounter struct {
	ReadBytes  atomic.Int64
	WriteBytes atomic.Int64
}

type connCounter struct {
	net.Conn
	bc *ByteCounter
}

func (c *connCounter) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	c.bc.ReadBytes.Add(int64(n))
	return
}

func (c *connCounter) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	c.bc.WriteBytes.Add(int64(n))
	return
}

// ConnCounterManagerType 按 host:port 聚合连接流量
type ConnCounterManagerType struct {
	mapLock sync.Mutex
	bcMap   map[string]*ByteCounter
}

var ConnCounterManager = &ConnCounterManagerType{bcMap: make(map[string]*ByteCounter)}

// GetOrCreateConnCounter 原子地获取或创建计数器
func (m *ConnCounterManagerType) GetOrCreateConnCounter(addr string) *ByteCounter {
	m.mapLock.Lock()
	defer m.mapLock.Unlock()
	bc, ok := m.bcMap[addr]
	if !ok {
		bc = &ByteCounter{}
		m.bcMap[addr] = bc
	}
	return bc
}

// GetConnCounter 不存在时返回 nil
func (m *ConnCounterManagerType) GetConnCounter(addr string) *ByteCounter {
	m.mapLock.Lock()
	defer m.mapLock.Unlock()
	return m.bcMap[addr]
}

// Reset 清空统计
func (m *ConnCounterManagerType) Reset() {
	m.mapLock.Lock()
	defer m.mapLock.Unlock()
	m.bcMap = make(map[string]*ByteCounter)
}

// LogSummary 以 debug 级别输出各 host 的流量
func (m *ConnCounterManagerType) LogSummary(logger *logrus.Entry) {
	m.mapLock.Lock()
	addrs := make([]string, 0, len(m.bcMap))
	for addr := range m.bcMap {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	counters := make([]*ByteCounter, len(addrs))
	for i, addr := range addrs {
		counters[i] = m.bcMap[addr]
	}
	m.mapLock.Unlock()

	for i, addr := range addrs {
		logger.Debugf("host[%s] TCP bytes received: %s, sent: %s", addr,
			FormatBytes(counters[i].ReadBytes.Load()), FormatBytes(counters[i].WriteBytes.Load()))
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func countingDial(dial dialFunc) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &connCounter{Conn: conn, bc: ConnCounterManager.GetOrCreateConnCounter(addr)}, nil
	}
}

func newProductionTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient 按配置创建出站 client：代理、超时、流量统计
func NewHTTPClient(cfg *configs.Config) (*http.Client, error) {
	if cfg == nil {
		cfg = configs.NewConfig()
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := newProductionTransport()
	transport.DialContext = dialer.DialContext
	if err := proxy.ApplyToTransport(transport, cfg.Proxy); err != nil {
		return nil, err
	}
	transport.DialContext = countingDial(transport.DialContext)
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout(),
	}, nil
}
