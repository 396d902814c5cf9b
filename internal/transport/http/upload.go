package http

import (
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/render"

	"printhub/internal/auth"
	"printhub/internal/errors"
	"printhub/internal/files"
	"printhub/internal/metrics"
	"printhub/internal/worker"
)

// scalarFieldLimit bounds the in-memory size of non-file form fields.
const scalarFieldLimit = 64 * 1024

// UploadHandler ingests multipart uploads. The file part streams to a
// temporary path while a SHA-256 digest accumulates over the same
// bytes; scalar fields are buffered in memory. The temporary artifact
// never survives a failed request.
type UploadHandler struct {
	Files     *files.Manager
	Authz     auth.Capability
	Pool      *worker.Pool
	Collector *metrics.Collector
	MaxSize   int64
	Debug     bool
	Logger    *slog.Logger
}

func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, done := authorize(w, r, h.Authz, false); done {
		return
	}
	if r.Method != http.MethodPost {
		errors.WriteError(w, r, errors.NewWithStatus(http.StatusMethodNotAllowed, "Method Not Allowed"), h.Debug)
		return
	}

	// The size ceiling applies before any parsing starts; MaxBytesReader
	// backstops chunked bodies that do not declare a length.
	if r.ContentLength > h.MaxSize {
		errors.WriteError(w, r, errors.NewWithStatus(http.StatusRequestEntityTooLarge, "Upload exceeds maximum size"), h.Debug)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxSize)

	reader, err := r.MultipartReader()
	if err != nil {
		errors.WriteError(w, r, errors.Errorf(http.StatusBadRequest, "Invalid multipart request: %v", err), h.Debug)
		return
	}

	tempPath := h.Files.GenTempUploadPath()
	tempFile, err := os.Create(tempPath)
	if err != nil {
		errors.WriteError(w, r, errors.Errorf(http.StatusInternalServerError, "Unable to create upload file: %v", err), h.Debug)
		return
	}

	fields := files.UploadFields{TempPath: tempPath}
	var (
		suppliedSum string
		calcSum     string
		haveFile    bool
		fileBytes   int64
	)
	decodeErr := h.Pool.Run(r.Context(), func() error {
		hasher := sha256.New()
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return uploadReadError(err)
			}
			switch part.FormName() {
			case "file":
				fields.Filename = part.FileName()
				n, err := io.Copy(io.MultiWriter(tempFile, hasher), part)
				fileBytes += n
				if err != nil {
					return uploadReadError(err)
				}
				haveFile = true
			case "root":
				fields.Root, err = readScalarField(part)
			case "path":
				fields.Path, err = readScalarField(part)
			case "print":
				fields.Print, err = readScalarField(part)
			case "checksum":
				suppliedSum, err = readScalarField(part)
			default:
				_, err = io.Copy(io.Discard, part)
			}
			if err != nil {
				return uploadReadError(err)
			}
		}
		calcSum = hex.EncodeToString(hasher.Sum(nil))
		return nil
	})
	tempFile.Close()

	fail := func(err error) {
		os.Remove(tempPath)
		errors.WriteError(w, r, err, h.Debug)
	}

	if decodeErr != nil {
		fail(decodeErr)
		return
	}
	if !haveFile {
		fail(errors.New("No file upload in request"))
		return
	}
	if suppliedSum != "" {
		received := strings.ToLower(suppliedSum)
		if received != calcSum {
			fail(errors.Errorf(http.StatusUnprocessableEntity,
				"File checksum mismatch: expected %s, calculated %s", received, calcSum))
			return
		}
	}

	if h.Debug {
		h.Logger.Debug("file upload",
			slog.String("filename", fields.Filename),
			slog.String("root", fields.Root),
			slog.String("path", fields.Path),
			slog.String("checksum", calcSum),
			slog.Int64("size", fileBytes))
	}

	result, err := h.Files.FinalizeUpload(r.Context(), fields)
	if err != nil {
		fail(err)
		return
	}
	if h.Collector != nil {
		h.Collector.RecordUploadBytes(fileBytes)
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

func readScalarField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, scalarFieldLimit))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// uploadReadError maps a body-read failure to its declared fault. An
// exhausted MaxBytesReader surfaces as the size-ceiling fault instead
// of an opaque parse error.
func uploadReadError(err error) error {
	var maxErr *http.MaxBytesError
	if stderrors.As(err, &maxErr) {
		return errors.NewWithStatus(http.StatusRequestEntityTooLarge, "Upload exceeds maximum size")
	}
	return errors.Errorf(http.StatusBadRequest, "Error reading upload: %v", err)
}
