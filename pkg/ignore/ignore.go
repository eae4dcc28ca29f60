// Package ignore decides which local files a directory upload skips.
package ignore

import (
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 目录上传时读取的规则文件
const FileName = ".zgignore"

// 强制生效的规则，用户文件中的 ! 也无法放行
var defaultRules = []string{
	// 本地状态目录 (数据库、日志、上传日志)
	".zg",
	FileName,
	".git",

	// 钱包私钥和配置
	"config.yaml",
	".env",
	"*.key",

	".DS_Store",
	"Thumbs.db",
}

// Matcher 判断一个相对路径是否应被跳过
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher rootPath 是待上传目录；extra 为命令行追加的规则 (--exclude)
func NewMatcher(rootPath string, extra ...string) (*Matcher, error) {
	lines := append(append([]string{}, defaultRules...), extra...)

	path := filepath.Join(rootPath, FileName)
	if _, err := os.Stat(path); err != nil {
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(lines...)}, nil
	}

	ignorer, err := gitignore.CompileIgnoreFileAndLines(path, lines...)
	if err != nil {
		return nil, err
	}
	return &Matcher{ignorer: ignorer}, nil
}

// Matches path 为相对上传根目录的路径，分隔符可以是 OS 原生的
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	path = filepath.ToSlash(path)
	path = strings.TrimPrefix(path, "./")
	if path == "" || path == "." {
		return false
	}
	return m.ignorer.MatchesPath(path)
}
