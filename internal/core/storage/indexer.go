/*
索引构建

启动时对数据文件做一次顺序扫描，按换行符切分
记录每一行的偏移量和长度，之后每次查询都是 O(1)

​关键技术：
bufio.Reader.ReadSlice 避免为每一行分配内存
支持稀疏索引（每隔 N 行记录一次），默认稠密
*/
package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"lineserver/internal/core/metadata"
)

const (
	scanBufferSize = 1 << 20
	// 每扫描这么多行检查一次 ctx
	cancelCheckEvery = 1 << 16
)

// indexConfig 索引配置
type indexConfig struct {
	interval    uint32
	compression CompressionTag
	persist     bool
}

// IndexOption 索引配置选项
type IndexOption func(*indexConfig)

// WithIndexInterval 设置索引间隔，1 为稠密索引
func WithIndexInterval(interval uint32) IndexOption {
	return func(c *indexConfig) {
		if interval == 0 {
			interval = DefaultIndexInterval
		}
		c.interval = interval
	}
}

// WithCompression 设置索引文件的压缩算法
func WithCompression(tag CompressionTag) IndexOption {
	return func(c *indexConfig) {
		c.compression = tag
	}
}

// WithPersist 是否把索引保存到磁盘
func WithPersist(persist bool) IndexOption {
	return func(c *indexConfig) {
		c.persist = persist
	}
}

func newIndexConfig(options []IndexOption) indexConfig {
	cfg := indexConfig{
		interval:    DefaultIndexInterval,
		compression: CompressionSnappy,
		persist:     true,
	}
	for _, option := range options {
		option(&cfg)
	}
	return cfg
}

// Build 扫描数据文件生成索引表
func Build(ctx context.Context, path string, options ...IndexOption) (*Table, error) {
	cfg := newIndexConfig(options)

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("data file %s is not a regular file", path)
	}

	prov, err := metadata.FingerprintFile(file, fi.Size(), fi.ModTime().UnixNano())
	if err != nil {
		return nil, err
	}

	table, err := scan(ctx, io.NewSectionReader(file, 0, fi.Size()), cfg.interval)
	if err != nil {
		return nil, err
	}
	table.Provenance = prov
	return table, nil
}

// scan 顺序读取 r，按 '\n' 切分
// 结尾的换行符不会产生额外的空行，最后一行没有换行符时仍然计入
func scan(ctx context.Context, r io.Reader, interval uint32) (*Table, error) {
	if interval == 0 {
		interval = DefaultIndexInterval
	}
	reader := bufio.NewReaderSize(r, scanBufferSize)
	table := &Table{Interval: interval}

	var (
		lineStart uint64 // 当前行的起始偏移量
		lineLen   uint64 // 当前行已读取的字节数（含换行符）
		ordinal   uint64
	)

	record := func(length uint64) error {
		if length > math.MaxUint32 {
			return fmt.Errorf("%w: line %d is %d bytes", ErrLineTooLong, ordinal, length)
		}
		if (ordinal-1)%uint64(interval) == 0 {
			table.Entries = append(table.Entries, Entry{
				Ordinal: ordinal,
				Offset:  lineStart,
				Length:  uint32(length),
			})
		}
		return nil
	}

	for {
		chunk, err := reader.ReadSlice('\n')
		lineLen += uint64(len(chunk))

		switch {
		case err == nil:
			ordinal++
			if err := record(lineLen - 1); err != nil {
				return nil, err
			}
			lineStart += lineLen
			lineLen = 0

			if ordinal%cancelCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}

		case errors.Is(err, bufio.ErrBufferFull):
			// 行比缓冲区长，继续读；超长的行也要响应取消
			if err := ctx.Err(); err != nil {
				return nil, err
			}

		case errors.Is(err, io.EOF):
			if lineLen > 0 {
				ordinal++
				if err := record(lineLen); err != nil {
					return nil, err
				}
			}
			table.Count = ordinal
			return table, nil

		default:
			return nil, fmt.Errorf("failed to scan data file: %w", err)
		}
	}
}
