//go:build !linux

package fieldlink

func processRSSBytes() (rssBytes uint64, ok bool) {
	return 0, false
}
