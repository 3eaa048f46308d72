/*
 请求分发

 把解码后的请求映射到行存储，生成响应
 同时告诉连接处理完之后该做什么（继续 / 关闭 / 停机）
*/
package broker

import (
	"errors"
	"time"

	"lineserver/internal/core/metrics"
	"lineserver/internal/core/protocol"
	"lineserver/internal/core/storage"
	"lineserver/internal/utils/rlog"
)

// Action 处理完一个请求之后连接的动作
type Action int

const (
	ActionContinue Action = iota // 继续读取下一帧
	ActionClose                  // 发送响应后关闭连接
	ActionShutdown               // 发出停机信号，发送响应后关闭连接
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionClose:
		return "close"
	case ActionShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Dispatcher 请求分发器，所有连接共享，无状态
type Dispatcher struct {
	store      storage.Store
	metrics    *metrics.Metrics
	maxPayload int // 超过响应上限的行回复 StatusError，连接保持可用
}

// NewDispatcher 创建分发器，m 可以为 nil
func NewDispatcher(store storage.Store, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{store: store, metrics: m, maxPayload: protocol.MaxPayload}
}

// Handle 处理一个请求
func (d *Dispatcher) Handle(req protocol.Request) (protocol.Response, Action) {
	var (
		resp   protocol.Response
		action Action
	)
	switch req.Command {
	case protocol.CommandGet:
		resp, action = d.get(uint64(req.Argument)), ActionContinue
	case protocol.CommandQuit:
		resp, action = protocol.Response{Status: protocol.StatusBye}, ActionClose
	case protocol.CommandShutdown:
		resp, action = protocol.Response{Status: protocol.StatusShuttingDown}, ActionShutdown
	default:
		// 解码阶段已经拒绝未知命令
		resp, action = protocol.Response{Status: protocol.StatusProtocolError, Payload: []byte("unknown command")}, ActionClose
	}
	d.metrics.ObserveRequest(req.Command.String(), resp.Status.String())
	return resp, action
}

func (d *Dispatcher) get(ordinal uint64) protocol.Response {
	start := time.Now()
	line, err := d.store.Line(ordinal)
	d.metrics.ObserveLineRead(time.Since(start))

	switch {
	case err == nil && len(line) > d.maxPayload:
		rlog.Warn("line %d is %d bytes, exceeds response limit %d", ordinal, len(line), d.maxPayload)
		return protocol.Response{Status: protocol.StatusError, Payload: []byte("line too large")}
	case err == nil:
		return protocol.Response{Status: protocol.StatusOK, Payload: line}
	case errors.Is(err, storage.ErrLineNotFound):
		return protocol.Response{Status: protocol.StatusNotFound}
	default:
		rlog.Error("read line %d: %v", ordinal, err)
		return protocol.Response{Status: protocol.StatusError, Payload: []byte("read failed")}
	}
}

// Rejection 请求帧非法时发送给客户端的响应
func (d *Dispatcher) Rejection(err error) protocol.Response {
	reason := "malformed"
	switch {
	case errors.Is(err, protocol.ErrChecksumMismatch):
		reason = "checksum"
	case errors.Is(err, protocol.ErrUnknownArgument):
		reason = "argument"
	}
	d.metrics.FrameRejected(reason)
	return protocol.Response{Status: protocol.StatusProtocolError, Payload: []byte(err.Error())}
}
