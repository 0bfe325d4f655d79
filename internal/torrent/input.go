package torrent

import "io"

// IsReadable reports whether v can be seeded as a stream of bytes.
func IsReadable(v interface{}) bool {
	_, ok := v.(io.Reader)
	return ok
}

// IsFileList reports whether v is a non-empty list of file paths.
func IsFileList(v interface{}) bool {
	paths, ok := v.([]string)
	return ok && len(paths) > 0
}
