package protocol

import "fmt"

// Command 请求命令，线上为原始字节值（不是 ASCII 数字）
type Command byte

const (
	CommandGet      Command = 0x00
	CommandQuit     Command = 0x01
	CommandShutdown Command = 0x02
)

func (c Command) String() string {
	switch c {
	case CommandGet:
		return "GET"
	case CommandQuit:
		return "QUIT"
	case CommandShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(c))
	}
}

// Valid 是否为已知命令
func (c Command) Valid() bool {
	return c <= CommandShutdown
}

// Status 响应状态
type Status byte

const (
	StatusOK            Status = 0x00 // 找到该行，payload 为行内容
	StatusNotFound      Status = 0x01 // 行号越界
	StatusError         Status = 0x02 // 服务端读取失败，payload 为错误描述
	StatusProtocolError Status = 0x03 // 请求帧非法，随后关闭连接
	StatusBye           Status = 0x04 // QUIT 确认
	StatusShuttingDown  Status = 0x05 // SHUTDOWN 确认，只发给发起方
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusError:
		return "ERROR"
	case StatusProtocolError:
		return "PROTOCOL_ERROR"
	case StatusBye:
		return "BYE"
	case StatusShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(s))
	}
}

// Request 请求帧结构
// | command(1) | argument(4, 小端) | checksum(1) | '\n'(1) |
type Request struct {
	Command  Command
	Argument uint32 // GET 的行号，其他命令必须为 0
}

// Response 响应帧结构
// | status(1) | length(4, 小端) | payload(length) |
type Response struct {
	Status  Status
	Payload []byte
}
