/*
行存储

根据索引表对数据文件做定位读取（pread / mmap）
每次读取都显式指定偏移量，不共享文件游标，多个连接并发读取无竞争
*/
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadBackend 数据文件的读取方式
type ReadBackend string

const (
	BackendPread ReadBackend = "pread"
	BackendMmap  ReadBackend = "mmap"
)

// ParseReadBackend 从配置字符串解析读取方式
func ParseReadBackend(name string) (ReadBackend, error) {
	switch ReadBackend(name) {
	case "", BackendPread:
		return BackendPread, nil
	case BackendMmap:
		return BackendMmap, nil
	default:
		return "", fmt.Errorf("unknown read backend %q", name)
	}
}

// 稀疏索引向前扫描时的读取块大小
const sparseScanChunk = 4 * 1024

// LineStore 基于索引表的只读行存储
type LineStore struct {
	table   *Table
	file    *os.File
	reader  io.ReaderAt
	size    int64
	backend ReadBackend
	release func() error
}

// StoreOption 行存储配置选项
type StoreOption func(*LineStore)

// WithReadBackend 设置读取方式
func WithReadBackend(backend ReadBackend) StoreOption {
	return func(s *LineStore) {
		s.backend = backend
	}
}

// OpenLineStore 只读打开数据文件
// 文件大小与索引记录的不一致时拒绝打开
func OpenLineStore(path string, table *Table, options ...StoreOption) (*LineStore, error) {
	s := &LineStore{
		table:   table,
		backend: BackendPread,
	}
	for _, option := range options {
		option(s)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}
	if fi.Size() != table.Provenance.Size {
		file.Close()
		return nil, fmt.Errorf("%w: data file is %d bytes, index expects %d",
			ErrCorruptIndex, fi.Size(), table.Provenance.Size)
	}
	s.file = file
	s.size = fi.Size()

	switch s.backend {
	case BackendPread:
		s.reader = file
		s.release = func() error { return nil }
	case BackendMmap:
		region, unmap, err := mapFile(file, s.size)
		if err != nil {
			file.Close()
			return nil, err
		}
		s.reader = region
		s.release = unmap
	default:
		file.Close()
		return nil, fmt.Errorf("unknown read backend %q", s.backend)
	}
	return s, nil
}

var _ Store = (*LineStore)(nil)

// Line 按行号读取一行
func (s *LineStore) Line(ordinal uint64) ([]byte, error) {
	entry, skip, err := s.table.Lookup(ordinal)
	if err != nil {
		return nil, err
	}
	if skip == 0 {
		return s.readSpan(entry.Offset, entry.Length)
	}
	// 稀疏索引：从采样行的下一行开始，再跳过 skip-1 行
	return s.scanForward(entry.End()+1, skip-1)
}

// readSpan 定位读取 [offset, offset+length)
func (s *LineStore) readSpan(offset uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	n, err := s.reader.ReadAt(buf, int64(offset))
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("failed to read %d bytes at offset %d: %w", length, offset, err)
}

// scanForward 从 start 开始跳过 skip 行，返回下一行的内容
func (s *LineStore) scanForward(start, skip uint64) ([]byte, error) {
	if start > uint64(s.size) {
		return nil, fmt.Errorf("sparse scan start %d past end of file: %w", start, io.ErrUnexpectedEOF)
	}
	section := io.NewSectionReader(s.reader, int64(start), s.size-int64(start))
	reader := bufio.NewReaderSize(section, sparseScanChunk)

	for ; skip > 0; skip-- {
		if _, err := discardLine(reader); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("sparse scan from offset %d: %w", start, err)
		}
	}

	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		switch {
		case err == nil:
			line = append(line, chunk[:len(chunk)-1]...)
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			line = append(line, chunk...)
		case errors.Is(err, io.EOF):
			// 最后一行没有换行符
			return append(line, chunk...), nil
		default:
			return nil, fmt.Errorf("sparse scan from offset %d: %w", start, err)
		}
	}
}

// discardLine 跳过一行（含换行符）
func discardLine(reader *bufio.Reader) (int, error) {
	total := 0
	for {
		chunk, err := reader.ReadSlice('\n')
		total += len(chunk)
		if err == nil {
			return total, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return total, err
		}
	}
}

// Count 行数
func (s *LineStore) Count() uint64 {
	return s.table.Count
}

// Table 返回共享的索引表
func (s *LineStore) Table() *Table {
	return s.table
}

// Backend 当前读取方式
func (s *LineStore) Backend() ReadBackend {
	return s.backend
}

// Close 关闭数据文件
func (s *LineStore) Close() error {
	if s.file == nil {
		return nil
	}
	releaseErr := s.release()
	closeErr := s.file.Close()
	s.file = nil
	if releaseErr != nil {
		return fmt.Errorf("failed to unmap data file: %w", releaseErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close data file: %w", closeErr)
	}
	return nil
}
