package server

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/logging/audit"
	"github.com/castella/castella/internal/transfer"
	"github.com/castella/castella/pkg/bytesize"
	"github.com/castella/castella/pkg/proto"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

const cacheControl = "public,max-age=31536000,immutable"

func (s *Server) handleBanner(c *gin.Context) {
	c.String(http.StatusOK, Banner)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, proto.HealthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleUpload(c *gin.Context) {
	ctx := c.Request.Context()
	req := transfer.UploadRequest{
		Body:        c.Request.Body,
		Size:        c.Request.ContentLength,
		ContentType: c.GetHeader("Content-Type"),
	}

	f, err := s.svc.Upload(ctx, req)
	ev := audit.FileEvent{
		Subject:     subject(c),
		Operation:   "upload",
		ContentType: req.ContentType,
		SourceIP:    c.ClientIP(),
	}
	if err != nil {
		ev.Result, ev.Kind, ev.Size = audit.ResultFailed, string(transfer.KindOf(err)), req.Size
		s.audit.LogFile(ev)
		s.fail(c, err)
		return
	}
	ev.Result, ev.FileKey, ev.DriveKey, ev.Size, ev.ContentType = audit.ResultOK, f.Key, f.DriveKey, f.Size, f.ContentType
	s.audit.LogFile(ev)

	key := proto.FormatKey(f.Key)
	c.Header("Location", "/"+key)
	c.JSON(http.StatusCreated, proto.FileResponse{
		Key:         key,
		Size:        f.Size,
		ContentType: f.ContentType,
		CreatedTime: f.CreatedTime,
	})
}

// handleDownload serves GET and HEAD. The record is looked up first so that
// headers, conditional requests and range validation need no backend call.
func (s *Server) handleDownload(c *gin.Context) {
	key, ok := s.fileKey(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	rec, err := s.svc.Stat(ctx, key)
	if err != nil {
		s.fail(c, err)
		return
	}
	etag := entityTag(rec.ID)
	h := c.Writer.Header()
	h.Set("ETag", etag)
	h.Set("Last-Modified", rec.CreatedTime.UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", cacheControl)
	h.Set("Accept-Ranges", "bytes")

	if match := c.GetHeader("If-None-Match"); match != "" && etagMatches(match, etag) {
		c.Status(http.StatusNotModified)
		return
	}

	rng, err := parseRange(c.GetHeader("Range"), rec.Size)
	if err != nil {
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(rec.Size, 10))
		s.jsonError(c, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	status, start, end := http.StatusOK, int64(0), rec.Size
	if rng != nil {
		status, start, end = http.StatusPartialContent, rng.Start, rng.End
		h.Set("Content-Range", contentRange(start, end, rec.Size))
	}
	h.Set("Content-Type", rec.ContentType)
	h.Set("Content-Length", strconv.FormatInt(end-start, 10))

	if c.Request.Method == http.MethodHead {
		c.Status(status)
		return
	}

	d, err := s.svc.Download(ctx, key, rng)
	if err != nil {
		for _, name := range []string{"Content-Length", "Content-Range", "Content-Type", "Cache-Control", "ETag", "Last-Modified"} {
			h.Del(name)
		}
		s.auditDownload(c, key, rec, err)
		s.fail(c, err)
		return
	}
	defer d.Body.Close()

	c.Status(status)
	n, err := io.Copy(c.Writer, d.Body)
	s.auditDownload(c, key, rec, err)
	if err != nil {
		// The status line is out; abort so the client sees a short body.
		s.log.Error().Err(err).
			Str("request_id", c.GetString(requestIDKey)).
			Int64("file", key).
			Int64("sent", n).
			Str("kind", string(transfer.KindOf(err))).
			Msg("download failed mid-stream")
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) auditDownload(c *gin.Context, key int64, rec *catalog.FileRecord, err error) {
	ev := audit.FileEvent{
		Subject:   subject(c),
		Operation: "download",
		FileKey:   key,
		DriveKey:  rec.DriveKey,
		Size:      rec.Size,
		Result:    audit.ResultOK,
		SourceIP:  c.ClientIP(),
	}
	if err != nil {
		ev.Result, ev.Kind = audit.ResultFailed, string(transfer.KindOf(err))
	}
	s.audit.LogFile(ev)
}

func (s *Server) handleDelete(c *gin.Context) {
	key, ok := s.fileKey(c)
	if !ok {
		return
	}
	rec, err := s.svc.Delete(c.Request.Context(), key)
	ev := audit.FileEvent{Subject: subject(c), Operation: "delete", FileKey: key, SourceIP: c.ClientIP()}
	if err != nil {
		ev.Result, ev.Kind = audit.ResultFailed, string(transfer.KindOf(err))
		s.audit.LogFile(ev)
		s.fail(c, err)
		return
	}
	ev.Result, ev.DriveKey, ev.Size = audit.ResultOK, rec.DriveKey, rec.Size
	s.audit.LogFile(ev)
	c.JSON(http.StatusOK, proto.DeleteResponse{Deleted: true})
}

func (s *Server) handleListFiles(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		s.jsonError(c, http.StatusBadRequest, err.Error())
		return
	}
	files, err := s.svc.List(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := proto.FileListResponse{Files: make([]proto.FileInfo, 0, len(files)), Limit: q.Limit, Offset: q.Offset}
	for _, f := range files {
		resp.Files = append(resp.Files, proto.FileInfo{
			Key:          proto.FormatKey(f.Key),
			Drive:        proto.FormatKey(f.DriveKey),
			Size:         f.Size,
			ContentType:  f.ContentType,
			CreatedTime:  f.CreatedTime,
			AccessedTime: f.AccessedTime,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListDrives(c *gin.Context) {
	drives, err := s.svc.Drives(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := proto.DriveListResponse{Drives: make([]proto.DriveInfo, 0, len(drives))}
	for _, d := range drives {
		resp.Drives = append(resp.Drives, proto.DriveInfo{
			Key:         proto.FormatKey(d.Key),
			ID:          d.ID,
			CreatedTime: d.CreatedTime,
			Files:       d.Files,
			Bytes:       d.Bytes,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDecommission(c *gin.Context) {
	key, ok := s.fileKey(c)
	if !ok {
		return
	}
	n, err := s.svc.DecommissionDrive(c.Request.Context(), key, subject(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, proto.DecommissionResponse{Drive: proto.FormatKey(key), Files: n})
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, proto.StatsResponse{
		Drives:       st.Drives,
		Files:        st.Files,
		Bytes:        st.Bytes,
		PendingPurge: s.svc.PendingPurge(),
	})
}

// fileKey parses the :key parameter. A key that cannot exist is answered
// like a missing file.
func (s *Server) fileKey(c *gin.Context) (int64, bool) {
	key, err := proto.ParseKey(c.Param("key"))
	if err != nil {
		s.jsonError(c, http.StatusNotFound, "not found")
		return 0, false
	}
	return key, true
}

func parseQuery(c *gin.Context) (catalog.Query, error) {
	q := catalog.Query{Limit: defaultListLimit, ContentType: c.Query("content_type")}
	var err error

	if v := c.Query("drive"); v != "" {
		if q.DriveKey, err = proto.ParseKey(v); err != nil {
			return q, fmt.Errorf("invalid drive %q", v)
		}
	}
	if v := c.Query("min_size"); v != "" {
		if q.MinSize, err = bytesize.Parse(v); err != nil {
			return q, fmt.Errorf("invalid min_size: %w", err)
		}
	}
	if v := c.Query("max_size"); v != "" {
		if q.MaxSize, err = bytesize.Parse(v); err != nil {
			return q, fmt.Errorf("invalid max_size: %w", err)
		}
	}
	for name, dst := range map[string]*time.Time{
		"created_after":   &q.CreatedAfter,
		"created_before":  &q.CreatedBefore,
		"accessed_before": &q.AccessedBefore,
	} {
		if v := c.Query(name); v != "" {
			if *dst, err = time.Parse(time.RFC3339, v); err != nil {
				return q, fmt.Errorf("invalid %s: want RFC 3339 time", name)
			}
		}
	}
	if v := c.Query("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 1 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
		q.Limit = min(q.Limit, maxListLimit)
	}
	if v := c.Query("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil || q.Offset < 0 {
			return q, fmt.Errorf("invalid offset %q", v)
		}
	}
	return q, nil
}

// entityTag is derived from the backend object id, which never changes for
// the lifetime of a key.
func entityTag(objectID string) string {
	sum := sha256.Sum256([]byte(objectID))
	return `"` + base64.RawURLEncoding.EncodeToString(sum[:]) + `"`
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind transfer.Kind) int {
	switch kind {
	case transfer.KindNotFound:
		return http.StatusNotFound
	case transfer.KindInvalid:
		return http.StatusBadRequest
	case transfer.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case transfer.KindCapacityExhausted:
		return http.StatusInsufficientStorage
	case transfer.KindConflict, transfer.KindRateLimited, transfer.KindUnavailable:
		return http.StatusServiceUnavailable
	case transfer.KindAuth:
		return http.StatusBadGateway
	case transfer.KindCanceled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// fail answers with the status derived from err. The message is the error
// text, which never carries backend detail; the cause goes to the log.
func (s *Server) fail(c *gin.Context, err error) {
	kind := transfer.KindOf(err)
	status := statusFor(kind)

	event := s.log.Debug()
	if status >= http.StatusInternalServerError {
		event = s.log.Error()
	}
	event.Str("request_id", c.GetString(requestIDKey)).
		Str("kind", string(kind)).
		AnErr("cause", errors.Unwrap(err)).
		Msg(err.Error())

	if kind == transfer.KindRateLimited || kind == transfer.KindConflict {
		c.Header("Retry-After", "1")
	}
	s.jsonError(c, status, err.Error())
}

func (s *Server) jsonError(c *gin.Context, code int, message string) {
	c.JSON(code, proto.ErrorResponse{
		Error:   true,
		Status:  code,
		Message: message,
	})
}
