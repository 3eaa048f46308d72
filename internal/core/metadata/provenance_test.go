package metadata

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFingerprintStable(t *testing.T) {
	path := writeFile(t, []byte("alpha\nbeta\n"))

	first, err := Fingerprint(path)
	require.NoError(t, err)
	second, err := Fingerprint(path)
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Equal(t, int64(11), first.Size)
}

func TestFingerprintDetectsContentChange(t *testing.T) {
	path := writeFile(t, []byte("alpha\nbeta\n"))
	before, err := Fingerprint(path)
	require.NoError(t, err)

	// 同样大小、同样 mtime，只改内容
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("alpha\nBETA\n"), 0o644))
	require.NoError(t, os.Chtimes(path, fi.ModTime(), fi.ModTime()))

	after, err := Fingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size, after.Size)
	assert.Equal(t, before.ModTime, after.ModTime)
	assert.False(t, before.Equal(after))
}

func TestFingerprintDetectsModTimeChange(t *testing.T) {
	path := writeFile(t, []byte("same\n"))
	before, err := Fingerprint(path)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	after, err := Fingerprint(path)
	require.NoError(t, err)
	assert.False(t, before.Equal(after))
}

func TestFingerprintLargeFileSamplesHeadAndTail(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 3*SampleSize)
	prov, err := FingerprintFile(bytes.NewReader(data), int64(len(data)), 1)
	require.NoError(t, err)

	// 中间部分不在采样窗口内，修改后摘要不变
	middle := bytes.Clone(data)
	middle[SampleSize+10] = 'y'
	same, err := FingerprintFile(bytes.NewReader(middle), int64(len(middle)), 1)
	require.NoError(t, err)
	assert.Equal(t, prov.Digest, same.Digest)

	tail := bytes.Clone(data)
	tail[len(tail)-1] = 'y'
	changed, err := FingerprintFile(bytes.NewReader(tail), int64(len(tail)), 1)
	require.NoError(t, err)
	assert.NotEqual(t, prov.Digest, changed.Digest)
}
