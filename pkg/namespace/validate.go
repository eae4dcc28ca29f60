package namespace

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"zgdrive/pkg/types"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	MaxNameLength      = 255
	DefaultMaxFileSize = int64(5120) << 20 // 5 GiB
	invalidNameChars   = `<>:"/\|?*`
)

// DefaultExtensions 允许上传的扩展名 (文档、图片、视频、音频、压缩包、代码)
var DefaultExtensions = []string{
	// 文档
	"txt", "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "csv", "rtf",
	// 图片
	"jpg", "jpeg", "png", "gif", "bmp", "svg", "webp", "ico", "tiff", "tif",
	// 视频
	"mp4", "avi", "mov", "wmv", "flv", "webm", "mkv", "m4v",
	// 音频
	"mp3", "wav", "flac", "aac", "ogg", "wma", "m4a",
	// 压缩包
	"zip", "rar", "7z", "tar", "gz", "bz2",
	// 代码
	"js", "ts", "jsx", "tsx", "html", "css", "scss", "json", "xml", "yaml", "yml",
	"log", "md", "sql", "sh", "bat", "ps1", "py", "java", "cpp", "c", "h",
	"php", "rb", "go", "rs",
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func validIdentity(id types.Identity) (types.Identity, error) {
	norm, err := types.ParseIdentity(id.String())
	if err != nil {
		return "", invalid("invalid wallet address format")
	}
	return norm, nil
}

// ValidateName 1..255 个字符，不能包含 <>:"/\|?*
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", invalid("name must be at most %d characters", MaxNameLength)
	}
	if strings.ContainsAny(name, invalidNameChars) {
		return "", invalid("name contains invalid characters")
	}
	if name == "." || name == ".." {
		return "", invalid("name %q is reserved", name)
	}
	return name, nil
}

// ExtensionOf 从文件名提取小写扩展名 (不带点)
func ExtensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// ExtensionSet 构造允许的扩展名集合；空列表表示使用默认集合
func ExtensionSet(list []string) map[string]bool {
	if len(list) == 0 {
		list = DefaultExtensions
	}
	set := make(map[string]bool, len(list))
	for _, ext := range list {
		set[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return set
}
