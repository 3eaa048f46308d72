/*
索引文件持久化

格式（小端序）：
  magic "LIDX" | version(1) | header_len(4) | header(CBOR) |
  body_len(4) | body(压缩后的索引项) | crc32(4)

body 解压后是按行号排列的定长索引项：offset(8) + length(4)
写入时先写临时文件再 rename，崩溃不会留下半个索引文件
*/
package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"lineserver/internal/core/metadata"
	"lineserver/internal/utils/checksum"
	"lineserver/internal/utils/rlog"
)

const (
	sideFileMagic   = "LIDX"
	sideFileVersion = byte(1)

	// magic + version + header_len
	sidePreambleSize = 4 + 1 + 4
	sideTrailerSize  = 4

	// 解压后的索引主体必须能用 int 表示
	maxSideEntries = math.MaxInt / EntrySize
)

// sideHeader 索引文件头
type sideHeader struct {
	Provenance  metadata.Provenance `cbor:"prov"`
	Count       uint64              `cbor:"count"`
	Interval    uint32              `cbor:"interval"`
	Entries     uint64              `cbor:"entries"`
	Compression CompressionTag      `cbor:"compression"`
}

// 同样的头部总是编码成同样的字节
var (
	headerEncMode cbor.EncMode
	headerDecMode cbor.DecMode
)

func init() {
	var err error
	headerEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	headerDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// DefaultIndexPath 数据文件对应的默认索引文件路径
func DefaultIndexPath(dataPath string) string {
	return dataPath + ".index"
}

// Persist 把索引表写入 path
func Persist(table *Table, path string, tag CompressionTag) error {
	raw := make([]byte, len(table.Entries)*EntrySize)
	for i, e := range table.Entries {
		pos := i * EntrySize
		binary.LittleEndian.PutUint64(raw[pos:pos+8], e.Offset)
		binary.LittleEndian.PutUint32(raw[pos+8:pos+EntrySize], e.Length)
	}

	body, tag, err := compressBody(raw, tag)
	if err != nil {
		return fmt.Errorf("failed to compress index: %w", err)
	}

	data, err := encodeSideFile(sideHeader{
		Provenance:  table.Provenance,
		Count:       table.Count,
		Interval:    table.Interval,
		Entries:     uint64(len(table.Entries)),
		Compression: tag,
	}, body)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// encodeSideFile 拼装完整的索引文件内容
func encodeSideFile(h sideHeader, body []byte) ([]byte, error) {
	header, err := headerEncMode.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode index header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(sidePreambleSize + len(header) + 4 + len(body) + sideTrailerSize)
	buf.WriteString(sideFileMagic)
	buf.WriteByte(sideFileVersion)
	binary.Write(&buf, binary.LittleEndian, uint32(len(header)))
	buf.Write(header)
	binary.Write(&buf, binary.LittleEndian, uint32(len(body)))
	buf.Write(body)
	binary.Write(&buf, binary.LittleEndian, uint32(checksum.ChecksumIEEE(buf.Bytes())))
	return buf.Bytes(), nil
}

// writeFileAtomic 写临时文件后 rename 覆盖目标
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // rename 成功后是空操作

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace index file: %w", err)
	}
	return nil
}

// Load 读取索引文件
// 文件损坏或 Provenance 与 want 不一致时返回 ErrCorruptIndex
func Load(path string, want metadata.Provenance) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}

	return decodeSideFile(data, want)
}

// decodeSideFile 解析索引文件
// 头部的 Provenance 先与 want 比较，头部声明的大小只有在确认属于该数据文件后才用于分配内存
func decodeSideFile(data []byte, want metadata.Provenance) (*Table, error) {
	if len(data) < sidePreambleSize+4+sideTrailerSize {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrCorruptIndex, len(data))
	}
	if string(data[:4]) != sideFileMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptIndex, data[:4])
	}
	if data[4] != sideFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, data[4])
	}

	payload, trailer := data[:len(data)-sideTrailerSize], data[len(data)-sideTrailerSize:]
	if got, want := checksum.ChecksumIEEE(payload), checksum.CRC(binary.LittleEndian.Uint32(trailer)); got != want {
		return nil, fmt.Errorf("%w: crc mismatch (computed %08x, stored %08x)", ErrCorruptIndex, got, want)
	}

	pos := 5
	headerLen := int(binary.LittleEndian.Uint32(payload[pos:]))
	pos += 4
	if headerLen > len(payload)-pos-4 {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrCorruptIndex, headerLen)
	}
	var header sideHeader
	if err := headerDecMode.Unmarshal(payload[pos:pos+headerLen], &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptIndex, err)
	}
	if !header.Provenance.Equal(want) {
		return nil, fmt.Errorf("%w: stale index (index %s, data file %s)", ErrCorruptIndex, header.Provenance, want)
	}
	pos += headerLen

	bodyLen := int(binary.LittleEndian.Uint32(payload[pos:]))
	pos += 4
	if bodyLen != len(payload)-pos {
		return nil, fmt.Errorf("%w: body length %d, have %d bytes", ErrCorruptIndex, bodyLen, len(payload)-pos)
	}
	if header.Entries > maxSideEntries {
		return nil, fmt.Errorf("%w: header claims %d entries", ErrCorruptIndex, header.Entries)
	}
	if header.Interval == 0 || header.Entries != expectedEntries(header.Count, header.Interval) {
		return nil, fmt.Errorf("%w: header claims %d entries for %d lines", ErrCorruptIndex, header.Entries, header.Count)
	}
	// 每一行至少占数据文件里的一个字节
	if header.Provenance.Size < 0 || header.Count > uint64(header.Provenance.Size) {
		return nil, fmt.Errorf("%w: %d lines exceed data file size", ErrCorruptIndex, header.Count)
	}

	raw, err := decompressBody(payload[pos:], header.Compression, int(header.Entries)*EntrySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}

	table := &Table{
		Provenance: header.Provenance,
		Interval:   header.Interval,
		Count:      header.Count,
		Entries:    make([]Entry, header.Entries),
	}
	for i := range table.Entries {
		off := i * EntrySize
		table.Entries[i] = Entry{
			Ordinal: uint64(i)*uint64(header.Interval) + 1,
			Offset:  binary.LittleEndian.Uint64(raw[off : off+8]),
			Length:  binary.LittleEndian.Uint32(raw[off+8 : off+EntrySize]),
		}
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Open 加载或重建数据文件的索引
//
// indexPath 对应的索引文件存在且未过期时直接加载；
// 不存在、损坏或过期时重新扫描数据文件并覆盖索引文件。
// 重建后保存失败只记录日志，不影响启动。
func Open(ctx context.Context, dataPath, indexPath string, options ...IndexOption) (*Table, error) {
	cfg := newIndexConfig(options)

	prov, err := metadata.Fingerprint(dataPath)
	if err != nil {
		return nil, err
	}

	if cfg.persist && indexPath != "" {
		table, err := Load(indexPath, prov)
		switch {
		case err == nil && table.Interval == cfg.interval:
			rlog.Info("loaded index %s: %d lines", indexPath, table.Count)
			return table, nil
		case err == nil:
			rlog.Info("index %s has interval %d, want %d; rebuilding", indexPath, table.Interval, cfg.interval)
		case errors.Is(err, fs.ErrNotExist):
			rlog.Info("no saved index at %s; building", indexPath)
		case errors.Is(err, ErrCorruptIndex):
			rlog.Warn("discarding index %s: %v", indexPath, err)
			if rmErr := os.Remove(indexPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				rlog.Warn("failed to remove stale index: %v", rmErr)
			}
		default:
			rlog.Warn("cannot read index %s, rebuilding: %v", indexPath, err)
		}
	}

	rlog.Info("building index for %s", dataPath)
	table, err := Build(ctx, dataPath, options...)
	if err != nil {
		return nil, err
	}
	rlog.Info("indexed %d lines (%d entries)", table.Count, len(table.Entries))

	if cfg.persist && indexPath != "" {
		if err := Persist(table, indexPath, cfg.compression); err != nil {
			rlog.Warn("failed to save index to %s: %v", indexPath, err)
		} else {
			rlog.Info("saved index to %s (%s)", indexPath, cfg.compression)
		}
	}
	return table, nil
}
