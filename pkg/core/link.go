package core

import (
	"fmt"

	"zgdrive/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// Link 是快照中对内容根哈希的引用
// 在 CBOR 层面，它会被序列化为 Tag 42(0x00 + 32 字节哈希)
type Link struct {
	Hash types.Hash
}

const (
	linkTagNumber = 42
)

func NewLink(hash types.Hash) Link {
	return Link{Hash: hash}
}

// MarshalCBOR 规范：Tag 42, Content = [0x00, byte1, byte2...]
func (l Link) MarshalCBOR() ([]byte, error) {
	// 1. 校验格式
	if !l.Hash.IsValid() {
		return nil, fmt.Errorf("invalid hash format in link: %q", l.Hash)
	}
	raw := l.Hash.Bytes()

	// 2. 添加 0x00 前缀 (raw digest)
	content := append([]byte{0x00}, raw[:]...)

	// 3. 包装为 Tag 42
	return em.Marshal(cbor.Tag{
		Number:  linkTagNumber,
		Content: content,
	})
}

func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := dm.Unmarshal(data, &tag); err != nil {
		return err
	}

	// 1. 校验 Tag Number
	if tag.Number != linkTagNumber {
		return fmt.Errorf("expected tag 42 for Link, got %d", tag.Number)
	}

	// 2. 获取内容字节
	content, ok := tag.Content.([]byte)
	if !ok {
		return fmt.Errorf("link content must be byte string")
	}

	// 3. 严格校验前缀与长度
	if len(content) != 33 {
		return fmt.Errorf("invalid link: expected 33 bytes, got %d", len(content))
	}
	if content[0] != 0x00 {
		return fmt.Errorf("invalid link: missing 0x00 prefix")
	}

	var raw [32]byte
	copy(raw[:], content[1:])
	l.Hash = types.HashFromBytes(raw)
	return nil
}
