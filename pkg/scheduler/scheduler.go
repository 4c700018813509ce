package scheduler

import (
	"crypto/md5"
	"encoding/binary"
)

// Variance returns a deterministic jitter in [0, vrnc) for a device. Devices
// sharing an interval use it to spread their work across the interval.
func Variance(deviceID string, vrnc int64) int64 {
	if vrnc <= 0 {
		return 0
	}
	sum := md5.Sum([]byte(deviceID))
	var folded uint32
	for i := 0; i < len(sum); i += 4 {
		folded ^= binary.BigEndian.Uint32(sum[i : i+4])
	}
	return int64(folded) % vrnc
}

// Interval floors timestamp to the closest interval boundary shifted by
// offset. All values are in milliseconds.
func Interval(timestamp, intrvl, offset int64) int64 {
	if intrvl <= 0 {
		return timestamp
	}
	t := timestamp - offset
	q := t / intrvl
	if t%intrvl < 0 {
		q--
	}
	return q*intrvl + offset
}
