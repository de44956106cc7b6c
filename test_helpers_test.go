package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// configFixture 定位 internal/config/testdata 下的配置样例；go test 的工作目录是包目录，即仓库根。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置样例不存在: %v", err)
	}
	return path
}

// useBufferWriters 在测试期间把 CLI 输出重定向到内存，返回 stdout/stderr 缓冲。
func useBufferWriters(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = outBuf, errBuf

	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return outBuf, errBuf
}
