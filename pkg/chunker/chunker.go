package chunker

import (
	"errors"
	"io"
)

// 存储网络的固定切分参数 (单位: 字节)
const (
	ChunkSize     = 256                       // 叶子块
	SegmentChunks = 1024                      // 每个 Segment 包含的块数
	SegmentSize   = ChunkSize * SegmentChunks // 256KB
)

// NumChunks 返回 size 字节需要的块数 (向上取整)
func NumChunks(size int64) int64 {
	return (size + ChunkSize - 1) / ChunkSize
}

// NumSegments 返回 size 字节需要的 Segment 数 (向上取整)
func NumSegments(size int64) int64 {
	return (size + SegmentSize - 1) / SegmentSize
}

// Cut 按固定大小计算切点。
// 返回值:
//
//	[]int: 每一块的结束 offset，最后一块允许不足 size。
func Cut(data []byte, size int) []int {
	if size <= 0 {
		return nil
	}
	var cutPoints []int
	for offset := size; ; offset += size {
		if offset >= len(data) {
			if len(data) > 0 {
				cutPoints = append(cutPoints, len(data))
			}
			return cutPoints
		}
		cutPoints = append(cutPoints, offset)
	}
}

// Chunks 把一个 Segment 切成 256 字节的块，尾块补零
func Chunks(segment []byte) [][]byte {
	cuts := Cut(segment, ChunkSize)
	out := make([][]byte, 0, len(cuts))
	start := 0
	for _, end := range cuts {
		c := segment[start:end]
		if len(c) < ChunkSize {
			padded := make([]byte, ChunkSize)
			copy(padded, c)
			c = padded
		}
		out = append(out, c)
		start = end
	}
	return out
}

// Segmenter 从流中逐个读出 Segment，内存占用恒定为一个 Segment
type Segmenter struct {
	r     io.Reader
	buf   []byte
	index int
	total int64
	done  bool
}

func NewSegmenter(r io.Reader) *Segmenter {
	return &Segmenter{r: r, buf: make([]byte, SegmentSize)}
}

// Next 返回下一个 Segment 的序号和数据。
// 返回的切片在下一次调用前有效；读完后返回 io.EOF。
func (s *Segmenter) Next() (int, []byte, error) {
	if s.done {
		return 0, nil, io.EOF
	}

	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
		return 0, nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// 尾部不足一个 Segment
		s.done = true
	case err != nil:
		return 0, nil, err
	}

	idx := s.index
	s.index++
	s.total += int64(n)
	return idx, s.buf[:n], nil
}

// Total 返回目前为止读取的字节数
func (s *Segmenter) Total() int64 { return s.total }
