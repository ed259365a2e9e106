package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ironsheep/detection-annotator/internal/imaging"
	"github.com/ironsheep/detection-annotator/internal/pipeline"
	"github.com/ironsheep/detection-annotator/internal/store"
)

// uploadField is the multipart form field holding the image.
const uploadField = "image"

func (s *Server) httpIndex(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, "index.html", nil); err != nil {
		s.log.Errorf("Server: failed to render index: %v", err)
	}
}

func (s *Server) httpHealth(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sendJSON(w, map[string]string{"status": "ok"})
}

// POST /upload: HTML result page.
func (s *Server) httpUpload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.process(w, r, htmlPresenter{log: s.log})
}

// POST /api/v1/detect: JSON result.
func (s *Server) httpDetect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cors(w)
	s.process(w, r, jsonPresenter{})
}

func (s *Server) httpServeUpload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.serveObject(w, r, s.uploads, params.ByName("name"))
}

func (s *Server) httpServeOutput(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.outputs == nil {
		panicNotFound()
	}
	s.serveObject(w, r, s.outputs, params.ByName("name"))
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, st store.Store, name string) {
	f, err := st.ReadFile(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		panicNotFound()
	} else if errors.Is(err, store.ErrInvalidName) {
		panicBadRequestf("invalid name %q", name)
	} else if err != nil {
		panic(err)
	}
	defer f.Reader.Close()

	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if rs, ok := f.Reader.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, f.ModifiedAt, rs)
		return
	}
	if f.Size > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(f.Size))
	}
	io.Copy(w, f.Reader)
}

// process runs one upload through the pipeline and hands the outcome to pr.
func (s *Server) process(w http.ResponseWriter, r *http.Request, pr presenter) {
	ref, data, fail := s.readUpload(w, r)
	if fail != nil {
		s.log.Infof("Server: rejected upload: %v", fail)
		s.metrics.ObserveRun(fail.Kind.String())
		pr.failure(w, fail)
		return
	}
	s.metrics.ObserveUpload(int64(len(data)))

	published, err := imaging.PublishBytes(ref, data)
	if err != nil {
		pr.failure(w, ingestionFailure(errors.Wrap(err, "failed to prepare upload")))
		return
	}
	if err := store.WriteFile(r.Context(), s.uploads, ref.Name, bytes.NewReader(published)); err != nil {
		s.log.Errorf("Server: failed to store upload %v: %v", ref.Name, err)
		pr.failure(w, ingestionFailure(errors.Wrap(err, "failed to store upload")))
		return
	}
	if !s.opts.KeepUploads {
		defer func() {
			if err := s.uploads.DeleteFile(context.Background(), ref.Name); err != nil {
				s.log.Warnf("Server: failed to remove upload %v: %v", ref.Name, err)
			}
		}()
	}

	res, err := s.pipeline.Run(r.Context(), pipeline.Input{Image: ref, URL: s.uploadURL(r, ref.Name)})
	if err != nil {
		f, ok := pipeline.AsFailure(err)
		if !ok {
			panic(err)
		}
		pr.failure(w, f)
		return
	}

	o := &outcome{Image: ref, Result: res}
	if res.Saved != nil {
		o.AnnotatedImageURL = outputURL(res.Saved.Image, res.Saved.ImageURL)
		o.JSONURL = outputURL(res.Saved.JSON, res.Saved.JSONURL)
	}
	pr.success(w, o)
}

// readUpload reads and decodes the multipart image. The returned ImageRef is
// named with a unique prefix so concurrent uploads of the same file do not
// collide.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (imaging.ImageRef, []byte, *pipeline.Failure) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return imaging.ImageRef{}, nil, ingestionFailure(fmt.Errorf("upload exceeds %d bytes", s.opts.MaxUploadSize))
		}
		return imaging.ImageRef{}, nil, ingestionFailure(errors.New("no image file provided"))
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return imaging.ImageRef{}, nil, ingestionFailure(errors.Wrap(err, "failed to read upload"))
	}
	ref, err := imaging.Decode(data, header.Filename, imaging.DecodeOptions{})
	if err != nil {
		return imaging.ImageRef{}, nil, ingestionFailure(err)
	}
	ref.Name = uploadName(header.Filename, ref.Format)
	return ref, data, nil
}

func ingestionFailure(err error) *pipeline.Failure {
	return &pipeline.Failure{State: pipeline.Received, Kind: pipeline.Ingestion, Index: -1, Err: err}
}

// uploadName builds a store-safe name: a short random prefix, then the
// client's file name with unsafe characters replaced. The extension always
// matches the decoded format.
func uploadName(clientName, format string) string {
	base := clientName
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, imaging.Stem(base))
	if clean == "" {
		clean = "image"
	}
	ext := "." + format
	if format == "jpeg" {
		ext = ".jpg"
	}
	return uuid.NewString()[:8] + "_" + clean + ext
}

// uploadURL is where the inference service fetches an upload: the store's
// own public URL when it has one, else PublicURL, else this server's address.
func (s *Server) uploadURL(r *http.Request, name string) string {
	if u, err := s.uploads.URL(name); err == nil {
		return u
	}
	base := strings.TrimSuffix(s.opts.PublicURL, "/")
	if base == "" {
		base = s.requestBase(r)
	}
	return base + "/uploads/" + url.PathEscape(name)
}

// requestBase is this server's base URL for r. Without TrustRequestHost the
// Host and X-Forwarded-Proto headers are ignored and the connection's local
// address is used; Host is only a fallback when that address is unknown.
func (s *Server) requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if !s.opts.TrustRequestHost {
		if addr, ok := r.Context().Value(http.LocalAddrContextKey).(*net.TCPAddr); ok {
			return scheme + "://" + addr.String()
		}
		return scheme + "://" + r.Host
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

// outputURL prefers the store's direct link and falls back to /outputs.
func outputURL(name, direct string) string {
	if direct != "" {
		return direct
	}
	return "/outputs/" + url.PathEscape(name)
}
