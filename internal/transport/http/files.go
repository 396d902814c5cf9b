package http

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"printhub/internal/api"
	"printhub/internal/auth"
	"printhub/internal/errors"
	"printhub/internal/files"
	"printhub/internal/metrics"
	"printhub/internal/worker"
)

// fileChunkSize is the unit of streamed file reads.
const fileChunkSize = 64 * 1024

// authorizedExts are served on GET without credentials (thumbnails).
var authorizedExts = []string{".png"}

// contentTypeOverrides maps extensions the platform registry gets wrong
// (or does not know) to the types clients expect.
var contentTypeOverrides = map[string]string{
	".log":   "text/plain",
	".gcode": "text/plain",
	".cfg":   "text/plain",
}

// FileServer carries the collaborators shared by every static file
// route. Handler binds one filesystem root to them.
type FileServer struct {
	Files     *files.Manager
	Authz     auth.Capability
	Pool      *worker.Pool
	Collector *metrics.Collector
	Debug     bool
	Logger    *slog.Logger
}

// Handler returns the handler serving files below fsRoot. The route
// pattern's first capture group selects the file relative to the root;
// a file registered with an empty capture serves the root itself.
func (s *FileServer) Handler(fsRoot string) http.Handler {
	abs, err := filepath.Abs(fsRoot)
	if err != nil {
		abs = fsRoot
	}
	return &FileHandler{server: s, root: abs}
}

// FileHandler serves one static root with conditional and byte-range
// GET/HEAD plus managed DELETE.
type FileHandler struct {
	server *FileServer
	root   string
}

func (h *FileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, done := authorize(w, r, h.server.Authz, h.skipAuth(r)); done {
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.serveContent(w, r, true)
	case http.MethodHead:
		h.serveContent(w, r, false)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		errors.WriteError(w, r, errors.NewWithStatus(http.StatusMethodNotAllowed, "Method Not Allowed"), h.server.Debug)
	}
}

// skipAuth exempts thumbnail-style GETs so web frontends can embed
// previews without attaching credentials.
func (h *FileHandler) skipAuth(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	ext := strings.ToLower(filepath.Ext(r.URL.Path))
	for _, allowed := range authorizedExts {
		if ext == allowed {
			return true
		}
	}
	return false
}

// handleDelete strips the "/server/files/" prefix and hands the rooted
// path to the file manager. Conflicts surface as an explicit
// not-permitted fault.
func (h *FileHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	path := parts[len(parts)-1]

	filename, err := h.server.Files.DeleteFile(path)
	if err != nil {
		if errors.IsStatus(err, http.StatusForbidden) {
			err = errors.NewWithStatus(http.StatusForbidden, "File is loaded, DELETE not permitted")
		}
		errors.WriteError(w, r, err, h.server.Debug)
		return
	}
	errors.WriteResult(w, r, filename)
}

func (h *FileHandler) serveContent(w http.ResponseWriter, r *http.Request, includeBody bool) {
	rel := ""
	if caps := api.RouteParamsFrom(r.Context()).Captures; len(caps) > 0 {
		rel = caps[0]
	}
	abs, info, err := h.resolve(rel)
	if err != nil {
		errors.WriteError(w, r, err, h.server.Debug)
		return
	}

	size := info.Size()
	modified := info.ModTime()
	etag := fmt.Sprintf(`W/"%x-%x"`, size, modified.UnixNano())

	header := w.Header()
	header.Set("Content-Type", contentTypeFor(abs))
	header.Set("Accept-Ranges", "bytes")
	header.Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
	header.Set("Etag", etag)
	setContentDisposition(header, filepath.Base(abs))

	if notModified(r, etag, modified) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	status := http.StatusOK
	rng := parseRequestRange(r.Header.Get("Range"))
	if rng != nil {
		if rng.hasStart && rng.start < 0 {
			rng.start += size
			if rng.start < 0 {
				rng.start = 0
			}
		}
		if (rng.hasStart && (rng.start >= size || (rng.hasEnd && rng.start >= rng.end))) ||
			(rng.hasEnd && rng.end == 0) {
			header.Set("Content-Type", "text/plain")
			header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if rng.hasEnd && rng.end > size {
			rng.end = size
		}
		// A range covering the whole resource is served as a plain 200:
		// some clients refuse a 206 answer to "bytes=0-".
		if size != rng.effectiveEnd(size)-rng.effectiveStart() {
			status = http.StatusPartialContent
			header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d",
				rng.effectiveStart(), rng.effectiveEnd(size)-1, size))
		}
	}

	var start, end int64 = 0, size
	if rng != nil {
		start = rng.effectiveStart()
		end = rng.effectiveEnd(size)
	}
	header.Set("Content-Length", strconv.FormatInt(end-start, 10))
	w.WriteHeader(status)

	if !includeBody {
		return
	}
	h.streamFile(w, r, abs, start, end)
}

// resolve validates rel against the handler's root and stats the result.
func (h *FileHandler) resolve(rel string) (string, os.FileInfo, error) {
	abs := filepath.Join(h.root, filepath.FromSlash(rel))
	if abs != h.root && !strings.HasPrefix(abs, h.root+string(os.PathSeparator)) {
		return "", nil, errors.Errorf(http.StatusForbidden, "%s is not in root static directory", rel)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, errors.ErrNotFound
		}
		return "", nil, errors.Errorf(http.StatusInternalServerError, "unable to stat file: %v", err)
	}
	if info.IsDir() {
		return "", nil, errors.Errorf(http.StatusForbidden, "%s is not a file", rel)
	}
	return abs, info, nil
}

// streamFile copies [start, end) to the client in fixed chunks. Reads
// run through the worker pool; a failed write means the peer went away
// and ends the stream silently.
func (h *FileHandler) streamFile(w http.ResponseWriter, r *http.Request, path string, start, end int64) {
	file, err := os.Open(path)
	if err != nil {
		h.server.Logger.Error("unable to open file for streaming",
			slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	defer file.Close()

	if start > 0 {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			return
		}
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, fileChunkSize)
	remaining := end - start
	var sent int64
	for remaining > 0 {
		chunk := int64(fileChunkSize)
		if remaining < chunk {
			chunk = remaining
		}
		var n int
		var readErr error
		err := h.server.Pool.Run(r.Context(), func() error {
			n, readErr = file.Read(buf[:chunk])
			return nil
		})
		if err != nil {
			// Pool slot denied: the client is gone or we are shutting
			// down.
			break
		}
		if n > 0 {
			remaining -= int64(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			sent += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}
	if h.server.Collector != nil && sent > 0 {
		h.server.Collector.RecordDownloadBytes(sent)
	}
}

// requestRange is a parsed Range header value. end is exclusive.
type requestRange struct {
	start, end       int64
	hasStart, hasEnd bool
}

func (r *requestRange) effectiveStart() int64 {
	if r.hasStart {
		return r.start
	}
	return 0
}

func (r *requestRange) effectiveEnd(size int64) int64 {
	if r.hasEnd {
		return r.end
	}
	return size
}

// parseRequestRange parses a single byte-range specification. An
// invalid header returns nil and is treated as if no Range were sent.
// A suffix range "-N" becomes a negative start; a last-byte position is
// converted to an exclusive end.
func parseRequestRange(header string) *requestRange {
	if header == "" {
		return nil
	}
	unit, value, found := strings.Cut(header, "=")
	if !found || strings.TrimSpace(unit) != "bytes" {
		return nil
	}
	startStr, endStr, _ := strings.Cut(strings.TrimSpace(value), "-")

	rng := &requestRange{}
	var err error
	if rng.start, rng.hasStart, err = intOrNone(startStr); err != nil {
		return nil
	}
	if rng.end, rng.hasEnd, err = intOrNone(endStr); err != nil {
		return nil
	}
	if rng.hasEnd {
		if !rng.hasStart {
			if rng.end != 0 {
				// Suffix range: last N bytes.
				rng.start = -rng.end
				rng.hasStart = true
				rng.hasEnd = false
			}
		} else {
			rng.end++
		}
	}
	return rng
}

func intOrNone(s string) (int64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil, err
}

// notModified evaluates the conditional headers against the entity
// validators. The entity tag is checked first, then the modification
// time, per RFC 7232 precedence.
func notModified(r *http.Request, etag string, modified time.Time) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if inm == "*" {
			return true
		}
		for _, candidate := range strings.Split(inm, ",") {
			if etagWeakMatch(strings.TrimSpace(candidate), etag) {
				return true
			}
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			return !modified.Truncate(time.Second).After(t)
		}
	}
	return false
}

func etagWeakMatch(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := contentTypeOverrides[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// setContentDisposition advertises the download filename in both the
// plain-ASCII form and the RFC 5987 UTF-8 form.
func setContentDisposition(header http.Header, basename string) {
	ascii := make([]rune, 0, len(basename))
	for _, r := range basename {
		if r > 127 {
			r = '?'
		}
		ascii = append(ascii, r)
	}
	header.Set("Content-Disposition", fmt.Sprintf(
		"attachment; filename=%s; filename*=UTF-8''%s",
		string(ascii), url.PathEscape(basename)))
}
