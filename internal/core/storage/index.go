package storage

import (
	"errors"
	"fmt"
	"math"

	"lineserver/internal/core/metadata"
)

const (
	// EntrySize 索引文件中每个索引项的大小（8字节偏移量 + 4字节长度）
	EntrySize = 12

	// DefaultIndexInterval 默认稠密索引，每一行都建索引项
	DefaultIndexInterval = 1
)

var (
	ErrCorruptIndex = errors.New("corrupt index")
	ErrLineNotFound = errors.New("line not found")
	ErrLineTooLong  = errors.New("line exceeds 4GiB")
)

// Entry 一行在数据文件中的位置，不包含换行符
type Entry struct {
	Ordinal uint64 // 行号，从1开始
	Offset  uint64 // 字节偏移量
	Length  uint32 // 字节长度
}

// End 返回该行最后一个字节之后的位置
func (e Entry) End() uint64 {
	return e.Offset + uint64(e.Length)
}

// Table 行号到字节区间的映射表
//
// 构建完成后只读，所有连接共享同一个指针，不需要加锁。
// Interval 为 1 时是稠密索引，Entries[ordinal-1] 即为该行；
// 大于 1 时是稀疏索引，只记录第 1, 1+n, 1+2n ... 行。
type Table struct {
	Provenance metadata.Provenance
	Interval   uint32
	Count      uint64
	Entries    []Entry
}

// Dense 是否为稠密索引
func (t *Table) Dense() bool {
	return t.Interval <= 1
}

// Lookup 稠密索引下 O(1) 查找；稀疏索引返回最近的采样项和还需跳过的行数
func (t *Table) Lookup(ordinal uint64) (Entry, uint64, error) {
	if ordinal == 0 || ordinal > t.Count {
		return Entry{}, 0, fmt.Errorf("%w: %d (have %d lines)", ErrLineNotFound, ordinal, t.Count)
	}
	if t.Dense() {
		return t.Entries[ordinal-1], 0, nil
	}
	interval := uint64(t.Interval)
	slot := (ordinal - 1) / interval
	return t.Entries[slot], (ordinal - 1) % interval, nil
}

// expectedEntries 给定行数和间隔时应有的索引项数量
func expectedEntries(count uint64, interval uint32) uint64 {
	if interval <= 1 {
		return count
	}
	n := uint64(interval)
	return (count + n - 1) / n
}

// Validate 检查索引项是否按行号有序、区间互不重叠且不超出数据文件
func (t *Table) Validate() error {
	if t.Interval == 0 {
		return fmt.Errorf("%w: interval is zero", ErrCorruptIndex)
	}
	if want := expectedEntries(t.Count, t.Interval); uint64(len(t.Entries)) != want {
		return fmt.Errorf("%w: %d entries for %d lines at interval %d, want %d",
			ErrCorruptIndex, len(t.Entries), t.Count, t.Interval, want)
	}

	var prevEnd uint64
	for i, e := range t.Entries {
		if want := uint64(i)*uint64(t.Interval) + 1; e.Ordinal != want {
			return fmt.Errorf("%w: entry %d has ordinal %d, want %d", ErrCorruptIndex, i, e.Ordinal, want)
		}
		if i > 0 && e.Offset <= prevEnd {
			// 相邻行之间至少隔一个换行符
			return fmt.Errorf("%w: entry %d at offset %d overlaps previous line ending at %d",
				ErrCorruptIndex, i, e.Offset, prevEnd)
		}
		if e.Offset > math.MaxInt64 || e.End() > uint64(t.Provenance.Size) {
			return fmt.Errorf("%w: entry %d extends past end of data file", ErrCorruptIndex, i)
		}
		prevEnd = e.End()
	}
	return nil
}
