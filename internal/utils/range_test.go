package utils

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		header     string
		start, end int64
		wantErr    bool
	}{
		{header: "bytes=0-99", start: 0, end: 99},
		{header: "bytes=10-", start: 10, end: 999},
		{header: "bytes=-100", start: 900, end: 999},
		{header: "bytes=-5000", start: 0, end: 999},
		{header: "bytes=990-5000", start: 990, end: 999},
		{header: "bytes=1000-", wantErr: true},
		{header: "bytes=50-10", wantErr: true},
		{header: "bytes=0-1,5-6", wantErr: true},
		{header: "items=0-1", wantErr: true},
		{header: "bytes=x-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, err := ParseRange(tt.header, 1000)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.start, start)
			require.Equal(t, tt.end, end)
		})
	}
}

func TestHandleRangeRequest(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=10-19")
	rec := httptest.NewRecorder()
	require.NoError(t, HandleRangeRequest(rec, req, bytes.NewReader(data), int64(len(data))))
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 10-19/1000", rec.Header().Get("Content-Range"))
	require.Equal(t, "0123456789", rec.Body.String())

	req.Header.Set("Range", "bytes=2000-")
	rec = httptest.NewRecorder()
	require.NoError(t, HandleRangeRequest(rec, req, bytes.NewReader(data), int64(len(data))))
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	require.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"))
}

func TestGetFileInfo(t *testing.T) {
	info := GetFileInfo("album/disc1/track.mp3")
	require.Equal(t, "audio/mpeg", info.MimeType)
	require.Equal(t, `inline; filename="track.mp3"`, info.ContentDisposition)
	require.Equal(t, "application/octet-stream", GetFileInfo("blob.unknownext").MimeType)
}
