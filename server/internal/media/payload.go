package media

import "hash/fnv"

// DefaultPayloadSize 是本地媒体路由生成内容的大小。
const DefaultPayloadSize = 64 << 10

// Payload 为 handle 生成确定性的伪媒体内容，本地开发时由 /media 路由提供。
func Payload(handle string, size int) []byte {
	if size <= 0 {
		size = DefaultPayloadSize
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(handle))
	seed := h.Sum64()

	out := make([]byte, size)
	for i := range out {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		out[i] = byte(seed)
	}
	return out
}
