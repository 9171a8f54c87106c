package media

import (
	"path/filepath"
	"strconv"
)

const (
	PlaylistName   = "stream.m3u8"
	segmentPattern = "segment_%03d.ts"

	// playlist entries resolve against /stream on the gateway
	segmentBaseURL = "stream/segment/"
)

// LiveArgs builds the ffmpeg arguments for RTSP to rolling HLS.
func LiveArgs(rtspURL, dir string, segmentTime, listSize int) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentTime),
		"-hls_list_size", strconv.Itoa(listSize),
		"-hls_flags", "delete_segments",
		"-hls_base_url", segmentBaseURL,
		"-hls_segment_filename", filepath.Join(dir, segmentPattern),
		filepath.Join(dir, PlaylistName),
	}
}

// ClipArgs builds the ffmpeg arguments for a fixed-length stream copy into out.
func ClipArgs(rtspURL string, seconds int, out string) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-t", strconv.Itoa(seconds),
		"-c", "copy",
		"-y",
		out,
	}
}
