package utils

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

type FileInfo struct {
	MimeType           string
	ContentDisposition string
}

// GetFileInfo derives response headers from a file's display path.
func GetFileInfo(displayPath string) FileInfo {
	fileName := filepath.Base(displayPath)
	fileExt := strings.ToLower(filepath.Ext(fileName))

	return FileInfo{
		MimeType:           getMIMEType(fileExt),
		ContentDisposition: fmt.Sprintf(`inline; filename=%q`, fileName),
	}
}

func getMIMEType(fileExt string) string {
	switch fileExt {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".ogg":
		return "video/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	if t := mime.TypeByExtension(fileExt); t != "" {
		return t
	}
	return "application/octet-stream"
}
