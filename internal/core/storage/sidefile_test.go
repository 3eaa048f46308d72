package storage

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lineserver/internal/core/metadata"
)

func TestPersistLoadRoundTrip(t *testing.T) {
	contents := map[string]string{
		"empty":    "",
		"scenario": "alpha\nbeta\n\n",
		"no final": "a\nbb\nccc",
		"many":     strings.Repeat("some line of text\n\n", 500),
	}
	tags := []CompressionTag{CompressionNone, CompressionSnappy, CompressionZstd, CompressionLZ4}

	for name, content := range contents {
		for _, tag := range tags {
			t.Run(name+"/"+tag.String(), func(t *testing.T) {
				dataPath := writeDataFile(t, content)
				built, err := Build(context.Background(), dataPath)
				require.NoError(t, err)

				indexPath := DefaultIndexPath(dataPath)
				require.NoError(t, Persist(built, indexPath, tag))

				loaded, err := Load(indexPath, built.Provenance)
				require.NoError(t, err)
				assert.Equal(t, built.Count, loaded.Count)
				assert.Equal(t, built.Interval, loaded.Interval)
				assert.Equal(t, len(built.Entries), len(loaded.Entries))
				for i := range built.Entries {
					assert.Equal(t, built.Entries[i], loaded.Entries[i])
				}
			})
		}
	}
}

func TestPersistLoadSparse(t *testing.T) {
	dataPath := writeDataFile(t, "1\n2\n3\n4\n5\n")
	built, err := Build(context.Background(), dataPath, WithIndexInterval(2))
	require.NoError(t, err)

	indexPath := DefaultIndexPath(dataPath)
	require.NoError(t, Persist(built, indexPath, CompressionSnappy))

	loaded, err := Load(indexPath, built.Provenance)
	require.NoError(t, err)
	assert.Equal(t, built.Entries, loaded.Entries)
	assert.Equal(t, uint32(2), loaded.Interval)
}

func TestLoadRejectsStaleIndex(t *testing.T) {
	dataPath := writeDataFile(t, "alpha\nbeta\n")
	built, err := Build(context.Background(), dataPath)
	require.NoError(t, err)
	indexPath := DefaultIndexPath(dataPath)
	require.NoError(t, Persist(built, indexPath, CompressionSnappy))

	// 数据文件变了
	require.NoError(t, os.WriteFile(dataPath, []byte("alpha\nbeta\ngamma\n"), 0o644))
	prov, err := metadata.Fingerprint(dataPath)
	require.NoError(t, err)

	_, err = Load(indexPath, prov)
	require.ErrorIs(t, err, ErrCorruptIndex)
}

func TestLoadRejectsCorruption(t *testing.T) {
	dataPath := writeDataFile(t, "alpha\nbeta\n\n")
	built, err := Build(context.Background(), dataPath)
	require.NoError(t, err)
	indexPath := DefaultIndexPath(dataPath)
	require.NoError(t, Persist(built, indexPath, CompressionNone))

	original, err := os.ReadFile(indexPath)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad version", func(b []byte) []byte { b[4] = 9; return b }},
		{"flipped body byte", func(b []byte) []byte { b[len(b)-6] ^= 0xFF; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-3] }},
		{"too short", func(b []byte) []byte { return b[:6] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), original...))
			require.NoError(t, os.WriteFile(indexPath, mutated, 0o644))

			_, err := Load(indexPath, built.Provenance)
			require.ErrorIs(t, err, ErrCorruptIndex)
		})
	}
}

func TestLoadRejectsForgedHeader(t *testing.T) {
	dataPath := writeDataFile(t, "alpha\nbeta\n\n")
	built, err := Build(context.Background(), dataPath)
	require.NoError(t, err)

	forged := built.Provenance
	forged.Size = math.MaxInt64

	tests := []struct {
		name   string
		header sideHeader
		body   []byte
	}{
		{
			name: "other data file",
			header: sideHeader{
				Provenance: forged,
				Count:      math.MaxUint64,
				Interval:   1,
				Entries:    math.MaxUint64,
			},
		},
		{
			name: "entry count overflows",
			header: sideHeader{
				Provenance: built.Provenance,
				Count:      math.MaxUint64,
				Interval:   1,
				Entries:    math.MaxUint64,
			},
		},
		{
			name: "entry count just past limit",
			header: sideHeader{
				Provenance: built.Provenance,
				Count:      maxSideEntries + 1,
				Interval:   1,
				Entries:    maxSideEntries + 1,
			},
		},
		{
			name: "zstd frame size mismatch",
			header: sideHeader{
				Provenance:  built.Provenance,
				Count:       built.Count,
				Interval:    1,
				Entries:     built.Count,
				Compression: CompressionZstd,
			},
			body: zstdEncoder.EncodeAll([]byte("short"), nil),
		},
	}
	indexPath := DefaultIndexPath(dataPath)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encodeSideFile(tt.header, tt.body)
			require.NoError(t, err)

			require.NotPanics(t, func() {
				_, err = decodeSideFile(data, built.Provenance)
			})
			require.ErrorIs(t, err, ErrCorruptIndex)

			require.NoError(t, os.WriteFile(indexPath, data, 0o644))
			_, err = Load(indexPath, built.Provenance)
			require.ErrorIs(t, err, ErrCorruptIndex)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.index"), metadata.Provenance{})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenBuildsThenReuses(t *testing.T) {
	dataPath := writeDataFile(t, "alpha\nbeta\n\n")
	indexPath := DefaultIndexPath(dataPath)

	first, err := Open(context.Background(), dataPath, indexPath)
	require.NoError(t, err)
	require.FileExists(t, indexPath)

	fi, err := os.Stat(indexPath)
	require.NoError(t, err)

	second, err := Open(context.Background(), dataPath, indexPath)
	require.NoError(t, err)
	assert.Equal(t, first.Entries, second.Entries)

	// 第二次直接加载，没有重写索引文件
	fi2, err := os.Stat(indexPath)
	require.NoError(t, err)
	assert.Equal(t, fi.ModTime(), fi2.ModTime())
}

func TestOpenRebuildsCorruptIndex(t *testing.T) {
	dataPath := writeDataFile(t, "alpha\nbeta\n\n")
	indexPath := DefaultIndexPath(dataPath)
	require.NoError(t, os.WriteFile(indexPath, []byte("garbage garbage garbage"), 0o644))

	table, err := Open(context.Background(), dataPath, indexPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), table.Count)

	// 索引文件已被替换成有效内容
	loaded, err := Load(indexPath, table.Provenance)
	require.NoError(t, err)
	assert.Equal(t, table.Entries, loaded.Entries)
}

func TestOpenRebuildsStaleIndex(t *testing.T) {
	dataPath := writeDataFile(t, "alpha\nbeta\n")
	indexPath := DefaultIndexPath(dataPath)
	_, err := Open(context.Background(), dataPath, indexPath)
	require.NoError(t, err)

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.WriteFile(dataPath, []byte("alpha\nbeta\ngamma\n"), 0o644))
	require.NoError(t, os.Chtimes(dataPath, later, later))

	table, err := Open(context.Background(), dataPath, indexPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), table.Count)
}

func TestOpenWithoutPersist(t *testing.T) {
	dataPath := writeDataFile(t, "x\n")
	indexPath := DefaultIndexPath(dataPath)

	table, err := Open(context.Background(), dataPath, indexPath, WithPersist(false))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), table.Count)
	assert.NoFileExists(t, indexPath)
}

func TestOpenToleratesPersistFailure(t *testing.T) {
	dataPath := writeDataFile(t, "alpha\nbeta\n")
	// 父路径是普通文件，索引文件无法写入
	indexPath := filepath.Join(dataPath, "sub", "data.index")

	table, err := Open(context.Background(), dataPath, indexPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), table.Count)
	assert.NoFileExists(t, indexPath)
}

func TestOpenMissingDataFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(context.Background(), filepath.Join(dir, "missing"), filepath.Join(dir, "missing.index"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseCompressionTag(t *testing.T) {
	for _, tag := range []CompressionTag{CompressionNone, CompressionSnappy, CompressionZstd, CompressionLZ4} {
		parsed, err := ParseCompressionTag(tag.String())
		require.NoError(t, err)
		assert.Equal(t, tag, parsed)
	}
	_, err := ParseCompressionTag("brotli")
	assert.Error(t, err)
}
