/*
client.go：行服务客户端

Get(ordinal) 读取一行
Quit() 结束会话
Shutdown() 请求服务端停机

关键技术：
基于 net.Dial 实现客户端通信
请求和响应严格按顺序，一个 Client 不能被多个协程同时使用
*/
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"lineserver/internal/core/protocol"
)

var (
	ErrNotFound      = errors.New("line not found")
	ErrServerFailure = errors.New("server failed to read line")
	ErrRejected      = errors.New("request rejected by server")
)

// Client 一个到行服务的连接
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// ClientOption 客户端配置选项
type ClientOption func(*Client)

// WithTimeout 每次请求的超时时间，0 表示不限制
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// Dial 连接到 address
func Dial(ctx context.Context, address string, options ...ClientOption) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	c := &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// Get 读取第 ordinal 行（从 1 开始），返回的内容不含换行符
func (c *Client) Get(ordinal uint32) ([]byte, error) {
	resp, err := c.Do(protocol.Request{Command: protocol.CommandGet, Argument: ordinal})
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case protocol.StatusOK:
		return resp.Payload, nil
	case protocol.StatusNotFound:
		return nil, fmt.Errorf("%w: %d", ErrNotFound, ordinal)
	default:
		return nil, statusError(resp)
	}
}

// Quit 结束会话，服务端确认后关闭连接
func (c *Client) Quit() error {
	resp, err := c.Do(protocol.Request{Command: protocol.CommandQuit})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusBye {
		return statusError(resp)
	}
	return c.Close()
}

// Shutdown 请求服务端停机
func (c *Client) Shutdown() error {
	resp, err := c.Do(protocol.Request{Command: protocol.CommandShutdown})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusShuttingDown {
		return statusError(resp)
	}
	return c.Close()
}

// Do 发送一个请求并等待响应
func (c *Client) Do(req protocol.Request) (protocol.Response, error) {
	frame := protocol.EncodeRequest(req)
	return c.SendRaw(frame[:])
}

// SendRaw 发送任意字节后读取一个响应，用于测试非法帧
func (c *Client) SendRaw(frame []byte) (protocol.Response, error) {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	} else {
		c.conn.SetDeadline(time.Time{})
	}
	if _, err := c.conn.Write(frame); err != nil {
		return protocol.Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	return c.ReadResponse()
}

// ReadResponse 读取一个响应
func (c *Client) ReadResponse() (protocol.Response, error) {
	resp, err := protocol.ReadResponse(c.reader)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.conn.Close()
}

// LocalAddr 本地地址
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func statusError(resp protocol.Response) error {
	switch resp.Status {
	case protocol.StatusError:
		return fmt.Errorf("%w: %s", ErrServerFailure, resp.Payload)
	case protocol.StatusProtocolError:
		return fmt.Errorf("%w: %s", ErrRejected, resp.Payload)
	default:
		return fmt.Errorf("unexpected response status %s", resp.Status)
	}
}
