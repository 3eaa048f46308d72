/*
数据文件元信息

记录数据文件的身份（大小、修改时间、首尾采样摘要）
索引文件里保存一份，加载时比对，不一致说明索引已过期

​关键技术：
BLAKE3 只对首尾各 64KB 采样，避免每次启动都全量读取大文件
*/
package metadata

import (
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// SampleSize 首尾采样的字节数
const SampleSize = 64 * 1024

// Provenance 数据文件的身份标识
type Provenance struct {
	Size    int64    `cbor:"size"`
	ModTime int64    `cbor:"mtime_ns"`
	Digest  [32]byte `cbor:"digest"`
}

// Equal 三个字段全部相同才认为是同一份数据文件
func (p Provenance) Equal(other Provenance) bool {
	return p.Size == other.Size && p.ModTime == other.ModTime && p.Digest == other.Digest
}

func (p Provenance) String() string {
	return fmt.Sprintf("size=%d mtime=%d digest=%x", p.Size, p.ModTime, p.Digest[:8])
}

// Fingerprint 计算 path 对应文件的 Provenance
func Fingerprint(path string) (Provenance, error) {
	file, err := os.Open(path)
	if err != nil {
		return Provenance{}, fmt.Errorf("opening %s for fingerprint: %w", path, err)
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return Provenance{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return FingerprintFile(file, fi.Size(), fi.ModTime().UnixNano())
}

// FingerprintFile 对已打开的文件计算 Provenance
// 文件小于两个采样窗口时整份参与摘要
func FingerprintFile(r io.ReaderAt, size, modTime int64) (Provenance, error) {
	hasher := blake3.New()

	if size <= 2*SampleSize {
		if _, err := io.Copy(hasher, io.NewSectionReader(r, 0, size)); err != nil {
			return Provenance{}, fmt.Errorf("hashing data file: %w", err)
		}
	} else {
		if _, err := io.Copy(hasher, io.NewSectionReader(r, 0, SampleSize)); err != nil {
			return Provenance{}, fmt.Errorf("hashing data file head: %w", err)
		}
		if _, err := io.Copy(hasher, io.NewSectionReader(r, size-SampleSize, SampleSize)); err != nil {
			return Provenance{}, fmt.Errorf("hashing data file tail: %w", err)
		}
	}

	prov := Provenance{Size: size, ModTime: modTime}
	copy(prov.Digest[:], hasher.Sum(nil))
	return prov, nil
}
