//go:build unix

package storage

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mappedRegion 只读内存映射，实现 io.ReaderAt
type mappedRegion []byte

func (m mappedRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// mapFile 把整个数据文件只读映射进内存
// 空文件无法 mmap，返回空区域
func mapFile(file *os.File, size int64) (io.ReaderAt, func() error, error) {
	if size == 0 {
		return mappedRegion(nil), func() error { return nil }, nil
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mmap data file: %w", err)
	}
	return mappedRegion(data), func() error { return unix.Munmap(data) }, nil
}
