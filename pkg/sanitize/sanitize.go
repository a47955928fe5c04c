// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sanitize bounds and terminates fixed-capacity text buffers that
// cross a wire or plugin boundary. Every helper saturates instead of failing:
// oversized input is truncated and the result is always NUL-terminated.
package sanitize

// Copy copies min(len(src), len(dst)-1) bytes of src into dst and writes a
// NUL at the end of the copied bytes. The capacity of dst is its length, so
// callers pass a fixed array as arr[:]. It returns the number of bytes copied.
// src does not need to be terminated.
func Copy(dst, src []byte) int {
	if len(dst) == 0 {
		return 0
	}

	n := min(len(src), len(dst)-1)
	copy(dst[:n], src[:n])
	dst[n] = 0

	return n
}

// Terminate forces the last byte of buf to NUL and leaves every other byte
// alone.
func Terminate(buf []byte) {
	if len(buf) == 0 {
		return
	}

	buf[len(buf)-1] = 0
}

// SetString stores s in dst, truncating it to fit and terminating it.
func SetString(dst []byte, s string) int {
	return Copy(dst, []byte(s))
}

// String reads buf as a C string: everything up to the first NUL, or the
// whole buffer when it holds no NUL.
func String(buf []byte) string {
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i])
		}
	}

	return string(buf)
}

// Clear zeroes buf.
func Clear(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
