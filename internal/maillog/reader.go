package maillog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
)

const reverseChunkSize = 64 * 1024

// scanBackward 从文件末尾向前逐行回调 fn，fn 返回 false 时停止。
//
// 空行不会回调。
func scanBackward(ctx context.Context, f *os.File, fn func(line string) bool) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}

	offset := info.Size()
	var carry []byte // 尚未遇到行首的片段

	for offset > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := int64(reverseChunkSize)
		if offset < n {
			n = offset
		}
		offset -= n

		buf := make([]byte, n, int(n)+len(carry))
		if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		buf = append(buf, carry...)

		for {
			i := bytes.LastIndexByte(buf, '\n')
			if i < 0 {
				break
			}
			if line := trimLine(buf[i+1:]); line != "" {
				if !fn(line) {
					return nil
				}
			}
			buf = buf[:i]
		}
		carry = buf
	}

	if line := trimLine(carry); line != "" {
		fn(line)
	}
	return nil
}

// scanForward 从头到尾逐行回调 fn
func scanForward(ctx context.Context, f *os.File, fn func(line string)) error {
	r := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := r.ReadString('\n')
		if raw != "" {
			fn(strings.TrimRight(raw, "\r\n"))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func trimLine(b []byte) string {
	return string(bytes.TrimRight(b, "\r"))
}
