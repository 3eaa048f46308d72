/*
TCP服务器

监听端口，接受连接
为每个连接启动处理协程
收到停机信号后停止接受新连接，等待所有连接处理完毕再返回
*/
package tcp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lineserver/internal/core/broker"
	"lineserver/internal/core/metrics"
	"lineserver/internal/core/protocol"
	"lineserver/internal/core/shutdown"
	"lineserver/internal/utils/rlog"
)

var (
	ErrServerClosed     = errors.New("server closed")
	ErrServerNotStarted = errors.New("server not started")
)

// accept 临时错误的最大退避时间
const maxAcceptBackoff = time.Second

// Server 表示一个TCP服务器
type Server struct {
	address          string                    // 监听地址，格式为 "host:port"
	listener         net.Listener              // TCP监听器
	connectionMap    map[string]*TCPConnection // 连接映射表，key是连接ID
	connectionMapMux sync.RWMutex              // 连接映射表的读写锁
	dispatcher       *broker.Dispatcher        // 请求分发
	signal           *shutdown.Signal          // 停机信号
	maxConnections   int                       // 最大连接数限制，0 表示不限制
	connOpts         connOptions               // 每个连接的配置
	metrics          *metrics.Metrics          // 可以为 nil
	wg               sync.WaitGroup            // 等待组，确保所有连接协程结束
	serving          chan struct{}             // Serve 开始后关闭
	done             chan struct{}             // Serve 返回前关闭
	startOnce        sync.Once
}

// ServerOption 服务器配置选项
type ServerOption func(*Server)

// WithMaxConnections 设置最大连接数
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// WithIdleTimeout 设置连接空闲超时
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.connOpts.idleTimeout = d
	}
}

// WithWriteTimeout 设置写超时
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.connOpts.writeTimeout = d
	}
}

// WithFrameTimeout 设置帧开始到达后读完整帧的时限
func WithFrameTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.connOpts.frameTimeout = d
	}
}

// WithRateLimit 设置每个连接每秒最多处理的请求数
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.connOpts.rateLimit = rate.Limit(perSecond)
		s.connOpts.rateBurst = burst
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer 创建一个新的TCP服务器实例
func NewServer(address string, dispatcher *broker.Dispatcher, signal *shutdown.Signal, options ...ServerOption) *Server {
	s := &Server{
		address:       address,
		connectionMap: make(map[string]*TCPConnection),
		dispatcher:    dispatcher,
		signal:        signal,
		serving:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Start 创建TCP监听器
func (s *Server) Start() error {
	if s.signal.Raised() {
		return ErrServerClosed
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.listener = listener

	rlog.Info("TCP server listening on %s", listener.Addr())
	return nil
}

// Serve 运行 accept 循环，直到停机信号发出且所有连接都已关闭
func (s *Server) Serve() error {
	if s.listener == nil {
		return ErrServerNotStarted
	}
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("server already serving")
	}
	close(s.serving)
	defer close(s.done)

	// 停机信号发出后关闭监听器，唤醒阻塞中的 Accept
	go func() {
		<-s.signal.Done()
		s.listener.Close()
	}()

	s.acceptLoop()

	rlog.Info("stopped accepting connections (shutdown requested by %s), draining %d connections",
		s.signal.Source(), s.GetConnectionCount())
	s.wg.Wait()
	rlog.Info("TCP server stopped")
	return nil
}

// ListenAndServe Start + Serve
func (s *Server) ListenAndServe() error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Serve()
}

// acceptLoop 持续接受新的连接
func (s *Server) acceptLoop() {
	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// 检查是否由于服务器关闭而停止接受
			if s.signal.Raised() || errors.Is(err, net.ErrClosed) {
				s.signal.Raise("listener closed")
				return
			}
			// 其他错误，退避后重试
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			rlog.Error("Error accepting connection: %v; retrying in %v", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		// 停机信号与 Accept 返回同时发生
		if s.signal.Raised() {
			conn.Close()
			return
		}

		// 检查是否超过最大连接数
		if s.maxConnections > 0 && s.GetConnectionCount() >= s.maxConnections {
			rlog.Warn("Max connections reached, rejecting connection from %s", conn.RemoteAddr())
			s.metrics.ConnectionRejected()
			s.reject(conn)
			continue
		}

		// 处理新连接
		s.handleNewConnection(conn)
	}
}

// reject 告知客户端服务器繁忙后关闭连接
func (s *Server) reject(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	protocol.WriteResponse(conn, protocol.Response{
		Status:  protocol.StatusError,
		Payload: []byte("too many connections"),
	})
	conn.Close()
}

// handleNewConnection 处理新接受的连接
func (s *Server) handleNewConnection(conn net.Conn) {
	tcpConn := NewTCPConnection(conn, s.dispatcher, s.signal, s.connOpts)

	// 设置连接关闭回调
	tcpConn.SetCloseCallback(func(connID string) {
		s.removeConnection(connID)
		s.metrics.ConnectionClosed()
	})

	// 将连接添加到映射表
	s.addConnection(tcpConn)
	s.metrics.ConnectionOpened()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		tcpConn.Serve()
	}()

	rlog.Debug("New connection accepted: %s (ID: %s)", tcpConn.GetRemoteAddr(), tcpConn.ID)
}

// Stop 发出停机信号并等待所有连接结束
func (s *Server) Stop() {
	s.signal.Raise("server stop")
	select {
	case <-s.serving:
		<-s.done
	default:
		// Serve 没有运行
		if s.listener != nil {
			s.listener.Close()
		}
	}
}

// Done Serve 返回前关闭
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GetConnectionCount 获取当前连接数
func (s *Server) GetConnectionCount() int {
	s.connectionMapMux.RLock()
	defer s.connectionMapMux.RUnlock()

	return len(s.connectionMap)
}

// addConnection 将连接添加到映射表
func (s *Server) addConnection(conn *TCPConnection) {
	s.connectionMapMux.Lock()
	defer s.connectionMapMux.Unlock()

	s.connectionMap[conn.ID] = conn
}

// removeConnection 从映射表中移除连接
func (s *Server) removeConnection(connID string) {
	s.connectionMapMux.Lock()
	defer s.connectionMapMux.Unlock()

	delete(s.connectionMap, connID)
	rlog.Debug("Connection removed: %s", connID)
}
