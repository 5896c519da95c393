package s3

import (
	"context"
	"encoding/xml"
	"net/http"
	"strconv"

	"github.com/cuemby/pgbackup/internal/errkind"
	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/cuemby/pgbackup/internal/uri"
)

// uploadWriter buffers writes up to PartSize; if the object stays under
// that threshold it is sent as a single PUT on Close, otherwise it is
// promoted to a multipart upload and the buffered prefix becomes part 1.
type uploadWriter struct {
	ctx  context.Context
	d    *Driver
	path string
	opts storage.WriteOptions

	buf []byte

	uploadID string
	partNum  int
	parts    []completedPart
}

type completedPart struct {
	PartNumber int
	ETag       string
}

func newUploadWriter(ctx context.Context, d *Driver, path string, opts storage.WriteOptions) *uploadWriter {
	return &uploadWriter{ctx: ctx, d: d, path: path, opts: opts}
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if int64(len(w.buf)) < w.d.cfg.PartSize {
		return len(p), nil
	}
	if w.uploadID == "" {
		if err := w.beginMultipart(); err != nil {
			return 0, err
		}
	}
	if err := w.flushPart(w.buf); err != nil {
		return 0, err
	}
	w.buf = w.buf[:0]
	return len(p), nil
}

func (w *uploadWriter) beginMultipart() error {
	q := uri.NewQuery()
	q.Put("uploads", "")
	headers := w.d.writeHeaders(w.opts, nil)
	resp, err := w.d.do(w.ctx, http.MethodPost, w.d.objectPath(w.path), q, nil, headers, false)
	if err != nil {
		return err
	}
	var init struct {
		XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
		UploadID string   `xml:"UploadId"`
	}
	if err := xml.Unmarshal(resp.Body, &init); err != nil {
		return errkind.New(errkind.FormatError, "multipart-init", err)
	}
	w.uploadID = init.UploadID
	return nil
}

func (w *uploadWriter) flushPart(data []byte) error {
	w.partNum++
	q := uri.NewQuery()
	q.Put("partNumber", strconv.Itoa(w.partNum))
	q.Put("uploadId", w.uploadID)

	resp, err := w.d.do(w.ctx, http.MethodPut, w.d.objectPath(w.path), q, append([]byte(nil), data...), nil, false)
	if err != nil {
		return err
	}
	etag := resp.Headers.Get("ETag")
	w.parts = append(w.parts, completedPart{PartNumber: w.partNum, ETag: etag})
	return nil
}

// Close flushes any buffered data. If no multipart upload was started, the
// whole buffer becomes a single PUT; otherwise the final (possibly short)
// part is uploaded and the multipart upload is completed. On any failure
// after a multipart upload was started, the upload is aborted so no
// partial object survives.
func (w *uploadWriter) Close() error {
	if w.uploadID == "" {
		return w.d.putObject(w.ctx, w.path, w.buf, w.opts)
	}

	if len(w.buf) > 0 {
		if err := w.flushPart(w.buf); err != nil {
			w.abort()
			return err
		}
	}
	if err := w.complete(); err != nil {
		w.abort()
		return err
	}
	return nil
}

func (w *uploadWriter) complete() error {
	type part struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
	}
	body := struct {
		XMLName xml.Name `xml:"CompleteMultipartUpload"`
		Parts   []part   `xml:"Part"`
	}{}
	for _, p := range w.parts {
		body.Parts = append(body.Parts, part{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	data, err := xml.Marshal(body)
	if err != nil {
		return err
	}
	data = append([]byte(xml.Header), data...)

	q := uri.NewQuery()
	q.Put("uploadId", w.uploadID)
	_, err = w.d.do(w.ctx, http.MethodPost, w.d.objectPath(w.path), q, data, nil, false)
	return err
}

func (w *uploadWriter) abort() {
	q := uri.NewQuery()
	q.Put("uploadId", w.uploadID)
	// Best-effort: an abort failure must not mask the original error, and
	// the caller has no use for a second error value here.
	_, _ = w.d.do(w.ctx, http.MethodDelete, w.d.objectPath(w.path), q, nil, nil, false)
}
