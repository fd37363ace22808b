package reactor

import "runtime"

// goroutineID parses the numeric id out of the current goroutine's stack
// trace header ("goroutine 123 [running]:"). It is used only to capture
// and later assert an EventLoop's owning goroutine; it is not a stable or
// fast API and must never be called on a hot path.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
