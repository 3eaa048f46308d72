package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lineserver/internal/config"
	"lineserver/pkg/api"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseArgsDefaults(t *testing.T) {
	opts, err := parseArgs([]string{"data.txt"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "data.txt", opts.dataPath)
	assert.Equal(t, config.Default(), opts.cfg)
	assert.Equal(t, "data.txt.index", opts.cfg.IndexPath(opts.dataPath))
}

func TestParseArgsFlagsOverrideConfigFile(t *testing.T) {
	cfgPath := writeFile(t, "lineserver.yaml", `
listen: 127.0.0.1:7000
index:
  compression: zstd
server:
  max_connections: 10
`)
	opts, err := parseArgs([]string{
		"--config", cfgPath,
		"--listen", "127.0.0.1:7001",
		"--no-persist-index",
		"--index-interval", "8",
		"--idle-timeout", "2m",
		"--log-format", "json",
		"data.txt",
	}, &bytes.Buffer{})
	require.NoError(t, err)

	cfg := opts.cfg
	assert.Equal(t, "127.0.0.1:7001", cfg.Listen)
	assert.Equal(t, "zstd", cfg.Index.Compression)
	assert.False(t, cfg.Index.Persist)
	assert.Equal(t, uint32(8), cfg.Index.Interval)
	assert.Equal(t, 10, cfg.Server.MaxConnections)
	assert.Equal(t, 2*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing data file", nil},
		{"extra argument", []string{"a.txt", "b.txt"}},
		{"unknown flag", []string{"--bogus", "a.txt"}},
		{"invalid value", []string{"--index-compression", "brotli", "a.txt"}},
		{"missing config", []string{"--config", "/nonexistent/lineserver.yaml", "a.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseArgs(tt.args, &bytes.Buffer{})
			assert.Error(t, err)
		})
	}
}

func TestRunExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, exitOK, run([]string{"--version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "lineserver "+version)

	assert.Equal(t, exitOK, run([]string{"--help"}, &stdout, &stderr))

	stderr.Reset()
	assert.Equal(t, exitUsage, run(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "missing data file argument")

	stderr.Reset()
	missing := filepath.Join(t.TempDir(), "missing.txt")
	assert.Equal(t, exitFailure, run([]string{"--log-level", "error", missing}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "error:")
}

// freeAddr 返回一个当前空闲的回环地址
func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func TestRunServesUntilShutdown(t *testing.T) {
	data := writeFile(t, "data.txt", "alpha\nbeta\n\n")
	indexPath := filepath.Join(t.TempDir(), "data.index")
	addr := freeAddr(t)

	exit := make(chan int, 1)
	go func() {
		var stdout, stderr bytes.Buffer
		exit <- run([]string{"--listen", addr, "--index", indexPath, "--log-level", "error", data}, &stdout, &stderr)
	}()

	var client *api.Client
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c, err := api.Dial(ctx, addr, api.WithTimeout(5*time.Second))
		if err != nil {
			return false
		}
		client = c
		return true
	}, 10*time.Second, 20*time.Millisecond)
	defer client.Close()

	got, err := client.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "beta", string(got))
	_, err = client.Get(4)
	assert.ErrorIs(t, err, api.ErrNotFound)

	require.NoError(t, client.Shutdown())
	select {
	case code := <-exit:
		assert.Equal(t, exitOK, code)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not exit after SHUTDOWN")
	}

	// 索引文件已保存
	_, err = os.Stat(indexPath)
	assert.NoError(t, err)
}
