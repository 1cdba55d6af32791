package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gerrors "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/gridfs"
	"github.com/go-chi/chi/v5"
)

// FileHandler serves file content and file records.
type FileHandler struct {
	reg       *Registry
	batchSize int32
	maxUpload int64
}

// NewFileHandler returns a handler over reg. batchSize is the number of
// chunks a download fetches per query; maxUpload caps upload bodies when
// positive.
func NewFileHandler(reg *Registry, batchSize int32, maxUpload int64) *FileHandler {
	return &FileHandler{reg: reg, batchSize: batchSize, maxUpload: maxUpload}
}

// Routes mounts the streaming endpoints. They bypass huma so bodies are
// never buffered.
func (h *FileHandler) Routes(r chi.Router) {
	r.Post("/buckets/{bucket}/files", h.Upload)
	r.Get("/buckets/{bucket}/files/{id}", h.Download)
	r.Head("/buckets/{bucket}/files/{id}", h.Download)
	r.Get("/buckets/{bucket}/by-name/*", h.DownloadByName)
	r.Head("/buckets/{bucket}/by-name/*", h.DownloadByName)
}

// Upload handles POST /buckets/{bucket}/files?filename=&id=&chunkSize=.
// The request body becomes the file content.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.reg.Bucket(chi.URLParam(r, "bucket"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	q := r.URL.Query()
	filename := q.Get("filename")
	if filename == "" {
		WriteError(w, r, gerrors.ErrInvalidArgument.WithMessage("filename is required"))
		return
	}
	opts := &gridfs.UploadOptions{
		ID:       q.Get("id"),
		Metadata: metadataFromHeader(r.Header),
	}
	if s := q.Get("chunkSize"); s != "" {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n <= 0 {
			WriteError(w, r, gerrors.ErrInvalidArgument.WithMessage("chunkSize must be a positive 32-bit integer"))
			return
		}
		opts.ChunkSizeBytes = int32(n)
	}
	if opts.ID != "" {
		if _, err := b.FileByID(ctx, opts.ID, nil); err == nil {
			WriteError(w, r, gerrors.ErrInvalidArgument.WithMessage("file %q already exists", opts.ID))
			return
		} else if !errors.Is(err, gerrors.ErrFileNotFound) {
			WriteError(w, r, err)
			return
		}
	}

	body := io.Reader(r.Body)
	if h.maxUpload > 0 {
		if r.ContentLength > h.maxUpload {
			WriteError(w, r, gerrors.ErrEntityTooLarge)
			return
		}
		body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	id, err := b.UploadFromStream(ctx, filename, body, opts)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = gerrors.ErrEntityTooLarge.WithCause(err)
		}
		WriteError(w, r, err)
		return
	}
	f, err := b.FileByID(ctx, id, nil)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	slog.Debug("File uploaded", "bucket", b.Name(), "files_id", id, "length", f.Length)
	w.Header().Set("Location", "/buckets/"+b.Name()+"/files/"+url.PathEscape(id))
	writeJSON(w, http.StatusCreated, f)
}

// Download handles GET and HEAD /buckets/{bucket}/files/{id}.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	b, err := h.reg.Bucket(chi.URLParam(r, "bucket"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	id, err := pathParam(r, "id")
	if err != nil || id == "" {
		WriteError(w, r, gerrors.ErrInvalidArgument.WithMessage("malformed file id"))
		return
	}
	d, err := b.OpenDownloadStream(r.Context(), id, &gridfs.DownloadOptions{BatchSize: h.batchSize})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.serve(w, r, d)
}

// DownloadByName handles GET and HEAD /buckets/{bucket}/by-name/{filename}
// with an optional revision query parameter. Filenames may contain slashes.
func (h *FileHandler) DownloadByName(w http.ResponseWriter, r *http.Request) {
	b, err := h.reg.Bucket(chi.URLParam(r, "bucket"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	filename, err := pathParam(r, "*")
	if err != nil || filename == "" {
		WriteError(w, r, gerrors.ErrInvalidArgument.WithMessage("malformed filename"))
		return
	}
	opts := &gridfs.DownloadOptions{BatchSize: h.batchSize}
	if s := r.URL.Query().Get("revision"); s != "" {
		rev, err := strconv.Atoi(s)
		if err != nil {
			WriteError(w, r, gerrors.ErrInvalidArgument.WithMessage("revision must be an integer"))
			return
		}
		opts.Revision = gridfs.Revision(rev)
	}
	d, err := b.OpenDownloadStreamByName(r.Context(), filename, opts)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.serve(w, r, d)
}

// pathParam returns the decoded route parameter. chi matches against the
// escaped path only when the request carried one.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, nil
	}
	return url.PathUnescape(v)
}

// serve writes the file headers and, for GET, the content. Once the status
// line is out an integrity failure can only cut the body short; the
// declared Content-Length lets clients detect it.
func (h *FileHandler) serve(w http.ResponseWriter, r *http.Request, d *gridfs.DownloadStream) {
	defer d.Close()
	f := d.File()

	hdr := w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("Content-Length", strconv.FormatInt(f.Length, 10))
	hdr.Set(HeaderFileID, f.ID)
	hdr.Set(HeaderUploadDate, f.UploadDate.UTC().Format(time.RFC3339Nano))
	hdr.Set(HeaderChunkSize, strconv.FormatInt(int64(f.ChunkSize), 10))
	setMetadataHeaders(hdr, f.Metadata)

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, d)
	if err != nil {
		slog.Error("Download interrupted",
			"files_id", f.ID, "sent", n, "length", f.Length,
			"error", err, "request_id", RequestID(r.Context()))
	}
}
