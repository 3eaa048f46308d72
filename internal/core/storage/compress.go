package storage

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag 索引文件主体使用的压缩算法，写在文件头里
// 数值是文件格式的一部分，不能修改
type CompressionTag uint8

const (
	CompressionNone   CompressionTag = 0
	CompressionSnappy CompressionTag = 1
	CompressionZstd   CompressionTag = 2
	CompressionLZ4    CompressionTag = 3
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag 从配置字符串解析压缩算法
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "", "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// zstd 编解码器可以并发使用，全局复用
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// compressBody 压缩索引主体，返回实际使用的算法
// lz4 判定数据不可压缩时退回 CompressionNone
func compressBody(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), CompressionSnappy, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), CompressionZstd, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 {
			return data, CompressionNone, nil
		}
		return dst[:written], CompressionLZ4, nil
	default:
		return nil, 0, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decompressBody 解压索引主体，结果长度必须等于 size
func decompressBody(data []byte, tag CompressionTag, size int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch tag {
	case CompressionNone:
		out = data
	case CompressionSnappy:
		n, lenErr := snappy.DecodedLen(data)
		if lenErr != nil {
			return nil, fmt.Errorf("snappy decode: %w", lenErr)
		}
		if n != size {
			return nil, fmt.Errorf("snappy decode: body is %d bytes, want %d", n, size)
		}
		out, err = snappy.Decode(nil, data)
	case CompressionZstd:
		// 空主体编码为零字节，没有帧头
		var h zstd.Header
		if h.Decode(data) == nil && h.HasFCS && h.FrameContentSize != uint64(size) {
			return nil, fmt.Errorf("zstd decode: body is %d bytes, want %d", h.FrameContentSize, size)
		}
		out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	case CompressionLZ4:
		out = make([]byte, size)
		var n int
		n, err = lz4.UncompressBlock(data, out)
		if err == nil {
			out = out[:n]
		}
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", tag, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%s decode: body is %d bytes, want %d", tag, len(out), size)
	}
	return out, nil
}
