package cohort

import "time"

// BucketStart returns the start of the size-wide bucket containing t.
// Buckets are aligned to the Unix epoch in UTC.
func BucketStart(t time.Time, size time.Duration) time.Time {
	n := t.UnixNano()
	s := int64(size)
	r := n % s
	if r < 0 {
		r += s
	}
	return time.Unix(0, n-r).UTC()
}

// IsBucketStart reports whether t lies exactly on a bucket boundary.
func IsBucketStart(t time.Time, size time.Duration) bool {
	return BucketStart(t, size).Equal(t)
}
