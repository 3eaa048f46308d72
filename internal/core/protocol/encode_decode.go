/*
请求/响应编解码

请求是定长 7 字节帧：命令 + 参数 + 校验和 + 换行符
响应是自定界帧：状态 + 长度 + 内容，客户端可以连续解析多个响应

​已知限制：
校验和为 (command + argument) mod 256，参数只有最低字节参与计算，
参数高三个字节的错误无法检测
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"lineserver/internal/utils/checksum"
)

const (
	RequestSize     = 7
	FrameTerminator = byte('\n')

	ResponseHeaderSize = 5

	// MaxPayload 单个响应内容的上限，客户端据此拒绝异常长度
	MaxPayload = 64 * 1024 * 1024
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownArgument  = errors.New("unexpected argument")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// EncodeRequest 编码请求帧
func EncodeRequest(req Request) [RequestSize]byte {
	var frame [RequestSize]byte
	frame[0] = byte(req.Command)
	binary.LittleEndian.PutUint32(frame[1:5], req.Argument)
	frame[5] = checksum.Sum8(frame[0], req.Argument)
	frame[6] = FrameTerminator
	return frame
}

// DecodeRequest 解码请求帧
// 校验顺序：换行符 -> 校验和 -> 命令 -> 参数
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) != RequestSize {
		return Request{}, fmt.Errorf("%w: frame is %d bytes, want %d", ErrMalformedFrame, len(frame), RequestSize)
	}
	if frame[6] != FrameTerminator {
		return Request{}, fmt.Errorf("%w: terminator 0x%02x", ErrMalformedFrame, frame[6])
	}

	command := frame[0]
	argument := binary.LittleEndian.Uint32(frame[1:5])
	if want := checksum.Sum8(command, argument); frame[5] != want {
		return Request{}, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksumMismatch, frame[5], want)
	}

	req := Request{Command: Command(command), Argument: argument}
	if !req.Command.Valid() {
		return Request{}, fmt.Errorf("%w: unknown command 0x%02x", ErrMalformedFrame, command)
	}
	if req.Command != CommandGet && argument != 0 {
		return Request{}, fmt.Errorf("%w: %s carries argument %d", ErrUnknownArgument, req.Command, argument)
	}
	return req, nil
}

// ReadRequest 从 r 读取一个完整的请求帧并解码
// 连接在帧中途断开时返回 io.ErrUnexpectedEOF，帧开始前断开时返回 io.EOF
func ReadRequest(r io.Reader) (Request, error) {
	var frame [RequestSize]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return Request{}, err
	}
	return DecodeRequest(frame[:])
}

// EncodeResponse 编码响应帧
func EncodeResponse(resp Response) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer bufferPool.Put(buf)
	buf.Reset()

	if err := writeResponse(buf, resp); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// WriteResponse 把响应帧写入 w
func WriteResponse(w io.Writer, resp Response) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer bufferPool.Put(buf)
	buf.Reset()

	if err := writeResponse(buf, resp); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func writeResponse(buf *bytes.Buffer, resp Response) error {
	if len(resp.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(resp.Payload))
	}
	var header [ResponseHeaderSize]byte
	header[0] = byte(resp.Status)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(resp.Payload)))
	buf.Write(header[:])
	buf.Write(resp.Payload)
	return nil
}

// ReadResponse 从 r 读取一个响应帧
func ReadResponse(r io.Reader) (Response, error) {
	var header [ResponseHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Response{}, err
	}
	length := binary.LittleEndian.Uint32(header[1:])
	if length > MaxPayload {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	resp := Response{
		Status:  Status(header[0]),
		Payload: make([]byte, length),
	}
	if _, err := io.ReadFull(r, resp.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Response{}, err
	}
	return resp, nil
}

// IsFrameError 是否为请求帧本身的错误（需要关闭连接）
func IsFrameError(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrUnknownArgument)
}
