//go:build biaslock_cachelinesize_64

package opt

// CacheLineSize_ forced to 64 bytes via the biaslock_cachelinesize_64 build tag.
// Use: go build -tags=biaslock_cachelinesize_64
const CacheLineSize_ = 64
