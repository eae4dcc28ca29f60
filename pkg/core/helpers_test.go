package core

import (
	"bytes"
	"math/rand"
	"testing"

	"zgdrive/pkg/types"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 辅助工具
// -----------------------------------------------------------------------------

// mockHash 生成一个合法的 0x + 64 位哈希
func mockHash(input string) types.Hash {
	return CalculateBlobHash([]byte(input))
}

// randomBytes 固定种子，保证每次运行数据一致
func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b
}

// mustBuildTree 构造 Merkle 树，如果失败直接终止测试
func mustBuildTree(t *testing.T, data []byte, msgAndArgs ...any) *Tree {
	t.Helper()
	tree, err := BuildTree(bytes.NewReader(data))
	require.NoError(t, err, msgAndArgs...)
	return tree
}

func mustNewSnapshot(t *testing.T, owner types.Identity, parents []types.Hash, entries []SnapshotEntry) *Snapshot {
	t.Helper()
	s, err := NewSnapshot(owner, parents, entries)
	require.NoError(t, err)
	return s
}
