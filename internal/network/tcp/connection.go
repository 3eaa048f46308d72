/*
连接管理

每个连接一个 goroutine，按到达顺序逐帧处理（读帧 -> 分发 -> 写响应）
显式状态机：Active -> Draining -> Closed

停机协作：
等待下一帧第一个字节时，停机信号把读超时设为当前时间来唤醒读取；
帧一旦开始到达就不再被停机打断，剩余字节在 frameTimeout 内读完并得到响应；
写操作不受影响，正在发送的响应一定会写完
*/
package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lineserver/internal/core/broker"
	"lineserver/internal/core/protocol"
	"lineserver/internal/core/shutdown"
	"lineserver/internal/utils/rlog"
)

const (
	// 默认读写缓冲区大小
	DefaultReadBufferSize  = 4 * 1024  // 4KB
	DefaultWriteBufferSize = 64 * 1024 // 64KB

	// 写超时，防止对端不读取时 drain 无限期挂起
	DefaultWriteTimeout = 30 * time.Second

	// 帧开始到达后读完剩余字节的时限
	DefaultFrameTimeout = 10 * time.Second
)

var (
	ErrConnectionClosed = errors.New("connection closed")

	errShuttingDown = errors.New("shutting down")
)

// State 连接状态
type State int32

const (
	StateActive   State = iota // 正常处理请求
	StateDraining              // 收到停机信号，完成当前响应后关闭
	StateClosed                // 已关闭
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connOptions 连接配置，由 Server 传入
type connOptions struct {
	idleTimeout  time.Duration // 0 表示不限制
	writeTimeout time.Duration
	frameTimeout time.Duration
	rateLimit    rate.Limit // 0 表示不限速
	rateBurst    int
}

// TCPConnection 表示一个客户端连接
type TCPConnection struct {
	ID            string        // 连接唯一标识
	conn          net.Conn      // 底层TCP连接
	reader        *bufio.Reader // 带缓冲的读取器
	writer        *bufio.Writer // 带缓冲的写入器
	state         atomic.Int32  // 当前状态
	dispatcher    *broker.Dispatcher
	signal        *shutdown.Signal
	limiter       *rate.Limiter
	opts          connOptions
	logger        *slog.Logger
	closeOnce     sync.Once
	closeCallback func(string) // 连接关闭回调
	requests      uint64       // 已处理的请求数，只在处理协程中访问

	deadlineMu sync.Mutex
	inFrame    bool // 当前帧已开始到达，停机不再打断读取
}

// NewTCPConnection 创建一个新的连接实例
func NewTCPConnection(conn net.Conn, dispatcher *broker.Dispatcher, signal *shutdown.Signal, opts connOptions) *TCPConnection {
	c := &TCPConnection{
		ID:         uuid.New().String(),
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, DefaultReadBufferSize),
		writer:     bufio.NewWriterSize(conn, DefaultWriteBufferSize),
		dispatcher: dispatcher,
		signal:     signal,
		opts:       opts,
	}
	if opts.writeTimeout <= 0 {
		c.opts.writeTimeout = DefaultWriteTimeout
	}
	if opts.frameTimeout <= 0 {
		c.opts.frameTimeout = DefaultFrameTimeout
	}
	if opts.rateLimit > 0 {
		burst := opts.rateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.rateLimit, burst)
	}
	c.logger = rlog.Logger().With("conn_id", c.ID, "remote", c.GetRemoteAddr())
	c.state.Store(int32(StateActive))
	return c
}

// SetCloseCallback 设置连接关闭回调
func (c *TCPConnection) SetCloseCallback(callback func(string)) {
	c.closeCallback = callback
}

// State 当前状态
func (c *TCPConnection) State() State {
	return State(c.state.Load())
}

// transition 状态只能向前推进
func (c *TCPConnection) transition(to State, reason string) {
	for {
		from := c.State()
		if from >= to {
			return
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.logger.Debug("connection state change", "from", from.String(), "to", to.String(), "reason", reason)
			return
		}
	}
}

// Serve 处理循环，返回时连接已关闭
func (c *TCPConnection) Serve() {
	defer c.Close()

	ctx, cancel := c.signal.Context(context.Background())
	defer cancel()

	// 停机时唤醒正在等待新帧的读取
	stop := context.AfterFunc(ctx, func() {
		c.deadlineMu.Lock()
		defer c.deadlineMu.Unlock()
		if !c.inFrame {
			c.conn.SetReadDeadline(time.Now())
		}
	})
	defer stop()

	for c.State() == StateActive {
		if c.limiter != nil {
			// 已缓冲的帧停机后仍要处理，等待不随停机取消
			waitCtx := ctx
			if c.reader.Buffered() > 0 {
				waitCtx = context.Background()
			}
			if err := c.limiter.Wait(waitCtx); err != nil {
				c.transition(StateDraining, "shutdown signal")
				break
			}
		}

		if err := c.awaitFrame(); err != nil {
			c.handleReadError(err)
			break
		}

		req, err := protocol.ReadRequest(c.reader)
		if err != nil {
			c.handleReadError(err)
			break
		}
		c.requests++

		resp, action := c.dispatcher.Handle(req)
		if action == broker.ActionShutdown {
			if c.signal.Raise(c.ID) {
				c.logger.Info("shutdown requested by client")
			}
			c.transition(StateDraining, "SHUTDOWN received")
		}

		if err := c.write(resp); err != nil {
			c.logger.Warn("write response failed", "error", err)
			break
		}

		if action != broker.ActionContinue {
			break
		}
		c.setInFrame(false)
	}

	c.logger.Debug("connection finished", "requests", c.requests)
}

// awaitFrame 等待下一帧的第一个字节
// 已缓冲的字节属于已经到达的帧，停机后也会被处理
func (c *TCPConnection) awaitFrame() error {
	if c.reader.Buffered() == 0 {
		if c.signal.Raised() {
			return errShuttingDown
		}
		c.armReadDeadline()
		// armReadDeadline 可能覆盖了唤醒用的超时，再检查一次
		if c.signal.Raised() {
			return errShuttingDown
		}
		if _, err := c.reader.Peek(1); err != nil {
			return err
		}
	}

	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.inFrame = true
	c.conn.SetReadDeadline(time.Now().Add(c.opts.frameTimeout))
	return nil
}

func (c *TCPConnection) setInFrame(v bool) {
	c.deadlineMu.Lock()
	c.inFrame = v
	c.deadlineMu.Unlock()
}

// framing 是否正在读取或处理一帧
func (c *TCPConnection) framing() bool {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	return c.inFrame
}

// armReadDeadline 设置空闲超时
func (c *TCPConnection) armReadDeadline() {
	if c.opts.idleTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
}

// handleReadError 读取或解码失败后的处理，调用后连接进入关闭流程
func (c *TCPConnection) handleReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, errShuttingDown):
		c.transition(StateDraining, "shutdown signal")
	case errors.Is(err, io.EOF):
		c.logger.Debug("peer closed connection")
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.logger.Debug("peer closed connection mid-frame")
	case errors.As(err, &netErr) && netErr.Timeout():
		switch {
		case c.framing():
			c.logger.Info("closing connection stalled mid-frame", "frame_timeout", c.opts.frameTimeout)
		case c.signal.Raised():
			c.transition(StateDraining, "shutdown signal")
		default:
			c.logger.Info("closing idle connection", "idle_timeout", c.opts.idleTimeout)
		}
	case protocol.IsFrameError(err):
		c.logger.Warn("rejecting frame", "error", err)
		if writeErr := c.write(c.dispatcher.Rejection(err)); writeErr != nil {
			c.logger.Debug("write rejection failed", "error", writeErr)
		}
	case errors.Is(err, net.ErrClosed):
	default:
		c.logger.Warn("read request failed", "error", err)
	}
}

// write 写入一个完整的响应并刷新
func (c *TCPConnection) write(resp protocol.Response) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	if err := protocol.WriteResponse(c.writer, resp); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Close 关闭连接
func (c *TCPConnection) Close() {
	c.closeOnce.Do(func() {
		c.transition(StateClosed, "close")

		// 关闭底层连接
		c.conn.Close()

		// 通知连接已关闭
		if c.closeCallback != nil {
			c.closeCallback(c.ID)
		}
	})
}

// GetRemoteAddr 获取远程地址
func (c *TCPConnection) GetRemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// IsAlive 检查连接是否活跃
func (c *TCPConnection) IsAlive() bool {
	return c.State() != StateClosed
}
