package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"swarmd/internal/torrent"
	"swarmd/internal/utils"
)

const waitTimeout = 30 * time.Second

// StreamFile serves one file of a torrent with range support. Reads block
// until the pieces they cover are verified and move download priority to
// the read position.
func StreamFile(client *torrent.Client, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := chi.URLParam(r, "infoHash")
		fileID, err := strconv.Atoi(chi.URLParam(r, "fileID"))
		if err != nil {
			renderBadRequest(w, r, "Invalid file ID")
			return
		}

		t, err := client.GetTorrent(infoHash)
		if err != nil {
			renderError(w, r, err)
			return
		}

		select {
		case <-t.GotInfo():
		case <-r.Context().Done():
			return
		case <-time.After(waitTimeout):
			render.Status(r, http.StatusGatewayTimeout)
			render.JSON(w, r, errorResponse{Error: "Timeout waiting for torrent info"})
			return
		}

		file, err := t.GetFileInfo(fileID)
		if err != nil {
			renderError(w, r, err)
			return
		}
		reader, err := t.NewReader(r.Context(), fileID)
		if err != nil {
			renderError(w, r, err)
			return
		}
		defer reader.Close()

		fileInfo := utils.GetFileInfo(file.Name)
		w.Header().Set("Content-Type", fileInfo.MimeType)
		w.Header().Set("Content-Disposition", fileInfo.ContentDisposition)
		w.Header().Set("Accept-Ranges", "bytes")

		if r.Header.Get("Range") != "" {
			if err := utils.HandleRangeRequest(w, r, reader, file.Size); err != nil {
				log.Debug().Err(err).Str("infoHash", infoHash).Int("fileID", fileID).Msg("Range stream ended")
				return
			}
		} else {
			w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				if _, err := utils.CopyFlush(w, reader, file.Size); err != nil {
					log.Debug().Err(err).Str("infoHash", infoHash).Int("fileID", fileID).Msg("Stream ended")
					return
				}
			}
		}

		metrics := reader.GetMetrics()
		log.Info().
			Str("infoHash", infoHash).
			Int("fileID", fileID).
			Int64("bytesRead", metrics.BytesRead).
			Int64("waits", metrics.Waits).
			Int64("prefetchCount", metrics.PrefetchCount).
			Msg("Streaming completed")
	}
}
