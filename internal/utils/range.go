package utils

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ErrUnsatisfiableRange is returned for ranges outside the file.
var ErrUnsatisfiableRange = errors.New("range not satisfiable")

const copyChunkSize = 256 * 1024

// ParseRange parses a single "bytes=" range against size. An end past the
// file is clamped and "bytes=-n" selects the last n bytes.
func ParseRange(header string, size int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, fmt.Errorf("invalid range header %q", header)
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multiple ranges are not supported")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format %q", spec)
	}

	if parts[0] == "" {
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, ErrUnsatisfiableRange
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start: %w", err)
	}
	end = size - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range end: %w", err)
		}
		if end >= size {
			end = size - 1
		}
	}
	if start < 0 || start >= size || start > end {
		return 0, 0, ErrUnsatisfiableRange
	}
	return start, end, nil
}

// HandleRangeRequest answers a request carrying a Range header from reader.
func HandleRangeRequest(w http.ResponseWriter, r *http.Request, reader io.ReadSeeker, fileSize int64) error {
	start, end, err := ParseRange(r.Header.Get("Range"), fileSize)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fileSize))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	if _, err := reader.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, fileSize))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}

	if _, err := CopyFlush(w, reader, end-start+1); err != nil {
		return fmt.Errorf("failed to copy range: %w", err)
	}
	return nil
}

// CopyFlush copies n bytes from src, flushing after every chunk so slow
// downloads reach the client as pieces arrive.
func CopyFlush(w http.ResponseWriter, src io.Reader, n int64) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyChunkSize)
	var written int64
	for written < n {
		chunk := buf
		if rem := n - written; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		m, err := src.Read(chunk)
		if m > 0 {
			if _, werr := w.Write(chunk[:m]); werr != nil {
				return written, werr
			}
			written += int64(m)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
