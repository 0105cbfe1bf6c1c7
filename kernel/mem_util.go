package kernel

import "unsafe"

// byteView overlays a byte slice on top of size bytes starting at addr.
func byteView(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte loop the implementation makes log2(size) copy calls, doubling the
// initialized prefix each time.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := byteView(addr, size)
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memset64 fills size bytes at addr with repeated copies of the little-endian
// encoding of value. Both addr and size must be 8-byte aligned.
func Memset64(addr uintptr, value uint64, size uintptr) {
	if size == 0 {
		return
	}

	words := unsafe.Slice((*uint64)(unsafe.Pointer(addr)), size>>3)
	words[0] = value
	for index := 1; index < len(words); index *= 2 {
		copy(words[index:], words[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(byteView(dst, size), byteView(src, size))
}
