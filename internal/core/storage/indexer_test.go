package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// splitLines 按 '\n' 切分，结尾换行不产生空行
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if strings.HasSuffix(content, "\n") {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []Entry
	}{
		{
			name:    "empty file",
			content: "",
			want:    nil,
		},
		{
			name:    "three lines with trailing empty line",
			content: "alpha\nbeta\n\n",
			want: []Entry{
				{Ordinal: 1, Offset: 0, Length: 5},
				{Ordinal: 2, Offset: 6, Length: 4},
				{Ordinal: 3, Offset: 11, Length: 0},
			},
		},
		{
			name:    "final line without terminator",
			content: "one\ntwo",
			want: []Entry{
				{Ordinal: 1, Offset: 0, Length: 3},
				{Ordinal: 2, Offset: 4, Length: 3},
			},
		},
		{
			name:    "only newlines",
			content: "\n\n",
			want: []Entry{
				{Ordinal: 1, Offset: 0, Length: 0},
				{Ordinal: 2, Offset: 1, Length: 0},
			},
		},
		{
			name:    "carriage returns are line content",
			content: "a\r\nb\r\n",
			want: []Entry{
				{Ordinal: 1, Offset: 0, Length: 2},
				{Ordinal: 2, Offset: 3, Length: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDataFile(t, tt.content)
			table, err := Build(context.Background(), path)
			require.NoError(t, err)

			assert.Equal(t, uint64(len(tt.want)), table.Count)
			assert.Equal(t, tt.want, table.Entries)
			assert.Equal(t, int64(len(tt.content)), table.Provenance.Size)
			require.NoError(t, table.Validate())
		})
	}
}

func TestBuildLongLines(t *testing.T) {
	// 超过扫描缓冲区的行
	long := strings.Repeat("x", scanBufferSize*2+17)
	content := "short\n" + long + "\nend"
	table, err := Build(context.Background(), writeDataFile(t, content))
	require.NoError(t, err)

	require.Equal(t, uint64(3), table.Count)
	assert.Equal(t, Entry{Ordinal: 2, Offset: 6, Length: uint32(len(long))}, table.Entries[1])
	assert.Equal(t, Entry{Ordinal: 3, Offset: uint64(6 + len(long) + 1), Length: 3}, table.Entries[2])
}

func TestBuildSparse(t *testing.T) {
	content := "l1\nl2\nl3\nl4\nl5\nl6\nl7"
	table, err := Build(context.Background(), writeDataFile(t, content), WithIndexInterval(3))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), table.Count)
	assert.Equal(t, uint32(3), table.Interval)
	assert.Equal(t, []Entry{
		{Ordinal: 1, Offset: 0, Length: 2},
		{Ordinal: 4, Offset: 9, Length: 2},
		{Ordinal: 7, Offset: 18, Length: 2},
	}, table.Entries)
	require.NoError(t, table.Validate())
}

func TestBuildMissingFile(t *testing.T) {
	_, err := Build(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildCancelled(t *testing.T) {
	content := strings.Repeat("\n", cancelCheckEvery*2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, writeDataFile(t, content))
	require.ErrorIs(t, err, context.Canceled)
}

func TestBuildCancelledInsideLongLine(t *testing.T) {
	// 没有换行符，只会走缓冲区满的分支
	content := strings.Repeat("x", scanBufferSize*3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scan(ctx, strings.NewReader(content), 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLookup(t *testing.T) {
	table, err := Build(context.Background(), writeDataFile(t, "alpha\nbeta\n\n"))
	require.NoError(t, err)

	entry, skip, err := table.Lookup(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), skip)
	assert.Equal(t, Entry{Ordinal: 2, Offset: 6, Length: 4}, entry)

	for _, ordinal := range []uint64{0, 4, 1 << 40} {
		_, _, err := table.Lookup(ordinal)
		assert.ErrorIs(t, err, ErrLineNotFound, "ordinal %d", ordinal)
	}
}

func TestValidateRejectsOverlap(t *testing.T) {
	table := &Table{
		Interval: 1,
		Count:    2,
		Entries: []Entry{
			{Ordinal: 1, Offset: 0, Length: 5},
			{Ordinal: 2, Offset: 3, Length: 2},
		},
	}
	table.Provenance.Size = 10
	require.ErrorIs(t, table.Validate(), ErrCorruptIndex)
}
