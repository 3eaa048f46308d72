//go:build !unix

package storage

import (
	"errors"
	"io"
	"os"
)

func mapFile(file *os.File, size int64) (io.ReaderAt, func() error, error) {
	return nil, nil, errors.New("mmap read backend is not supported on this platform")
}
