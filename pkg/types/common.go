// pkg/types/common.go
package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidHash     = errors.New("invalid content hash")
	ErrInvalidIdentity = errors.New("invalid wallet address")
	ErrInvalidTier     = errors.New("invalid network tier")
)

// Hash 代表内容根哈希: "0x" + 64 位小写十六进制
// 这是一个"值对象"，应当是不可变的。
type Hash string

const hashHexLen = 64

func (h Hash) String() string { return string(h) }
func (h Hash) IsZero() bool   { return h == "" }

// IsValid 检查 0x 前缀 + 64 位十六进制
func (h Hash) IsValid() bool {
	s := string(h)
	if len(s) != 2+hashHexLen || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

// Hex 返回去掉 0x 前缀的十六进制串 (用于磁盘/对象存储布局)
func (h Hash) Hex() string { return strings.TrimPrefix(string(h), "0x") }

// Bytes 返回 32 字节原始哈希
func (h Hash) Bytes() [32]byte { return common.HexToHash(string(h)) }

// Short 截断显示: 前 10 位 + ... + 后 10 位
func (h Hash) Short() string {
	s := string(h)
	if len(s) <= 20 {
		return s
	}
	return s[:10] + "..." + s[len(s)-10:]
}

// HashFromBytes 把 32 字节摘要格式化为规范 Hash
func HashFromBytes(b [32]byte) Hash {
	return Hash(common.Hash(b).Hex())
}

// ParseHash 解析外部输入的哈希，统一转换为小写
func ParseHash(s string) (Hash, error) {
	h := Hash(strings.ToLower(strings.TrimSpace(s)))
	if !h.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	return h, nil
}

func isHexDigit(c rune) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// Identity 是钱包地址，作为命名空间的所有者标识 (统一小写)
type Identity string

func (i Identity) String() string { return string(i) }
func (i Identity) IsZero() bool   { return i == "" }

// Address 转换为 go-ethereum 地址类型
func (i Identity) Address() common.Address { return common.HexToAddress(string(i)) }

// ParseIdentity 校验 0x + 40 位十六进制，并归一化为小写
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	return Identity(strings.ToLower(s)), nil
}

// NetworkTier 存储网络档位
type NetworkTier string

const (
	TierStandard NetworkTier = "standard"
	TierTurbo    NetworkTier = "turbo"
)

func (t NetworkTier) String() string { return string(t) }
func (t NetworkTier) IsValid() bool  { return t == TierStandard || t == TierTurbo }

// ParseTier 空字符串回落到 standard
func ParseTier(s string) (NetworkTier, error) {
	if s == "" {
		return TierStandard, nil
	}
	t := NetworkTier(strings.ToLower(s))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// EntryType 命名空间条目类型
type EntryType string

const (
	EntryFile   EntryType = "file"
	EntryFolder EntryType = "folder"
)

func (e EntryType) IsValid() bool { return e == EntryFile || e == EntryFolder }

// UploadStatus 文件上传后的确认状态
type UploadStatus string

const (
	StatusConfirmed   UploadStatus = "confirmed"
	StatusExisting    UploadStatus = "existing"
	StatusUnconfirmed UploadStatus = "unconfirmed"
)
