//go:build biaslock_cachelinesize_128

package opt

// CacheLineSize_ forced to 128 bytes via the biaslock_cachelinesize_128 build tag.
// Use: go build -tags=biaslock_cachelinesize_128
const CacheLineSize_ = 128
