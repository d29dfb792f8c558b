package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

const maxNameLength = 200

// invalidChars 当前平台文件名中不允许的字符
func invalidChars() []string {
	switch runtime.GOOS {
	case "darwin", "linux":
		return []string{"/", "\x00"}
	default:
		return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/", "\x00"}
	}
}

// SanitizeName 把 Message-ID 或附件名转换为可用的目录/文件名
func SanitizeName(name string) string {
	name = strings.Trim(name, "<> ")
	name = filepath.Base(name)
	for _, c := range invalidChars() {
		name = strings.ReplaceAll(name, c, "_")
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = limitLength(name, maxNameLength)
	name = strings.Trim(name, " .")
	if name == "" || name == string(filepath.Separator) {
		return "unnamed"
	}
	return name
}

// limitLength 截断过长的名字，保留扩展名
func limitLength(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	ext := filepath.Ext(s)
	avail := maxLen - len(ext)
	if avail <= 0 {
		return s[:maxLen]
	}
	return strings.TrimSuffix(s, ext)[:avail] + ext
}

// validateBase 检查归档根目录
func validateBase(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return nil
}

// normalizePath 转换为干净的绝对路径
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
