package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// compteursSite 是各测试共用的最小站点定义，额外键值追加在末尾。
const compteursSite = `
[[Site]]
Name = "compteurs"
Domain = "compteurs.local"
Upstream = "https://compteurs.example.com"
Version = "1.0.0"
`

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 将全局段与站点段拼接后写入临时文件。
func writeTempConfig(t *testing.T, parts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	content := strings.Join(parts, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
