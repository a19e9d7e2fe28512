package common

import "io"

// WriteFull writes all of b to w, retrying on short writes that come without an error
func WriteFull(w io.Writer, b []byte) (written int, err error) {
	for written < len(b) {
		var n int
		n, err = w.Write(b[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// CountingCopy copies src into dst until src is exhausted. count is called with every chunk written.
func CountingCopy(dst io.Writer, src io.Reader, count func(int)) (written int64, err error) {
	buf := make([]byte, 32*1024)
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := WriteFull(dst, buf[:nr])
			written += int64(nw)
			if count != nil {
				count(nw)
			}
			if ew != nil {
				return written, ew
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			return written, err
		}
	}
}
