package presentation

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"goji.io"
	"goji.io/pat"

	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/pointcloud"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/stereo"
)

const jpegQuality = 85

// Matcher is the live matcher configuration the server reads and updates.
type Matcher interface {
	Config() stereo.Config
	UpdateConfig(patch map[string]interface{}) (stereo.Config, error)
}

// CloudSource provides the latest point cloud.
type CloudSource interface {
	Cloud() *pointcloud.Cloud
}

// Server serves previews of named frame sources, the latest point cloud and the matcher
// configuration over HTTP.
type Server struct {
	logger  logging.Logger
	frames  map[string]rimage.FrameSource
	cloud   CloudSource
	matcher Matcher
	mux     *goji.Mux
}

// NewServer builds the HTTP routes. cloud and matcher may be nil, which disables their routes.
func NewServer(logger logging.Logger, frames map[string]rimage.FrameSource, cloud CloudSource, matcher Matcher) *Server {
	s := &Server{
		logger:  logger,
		frames:  frames,
		cloud:   cloud,
		matcher: matcher,
		mux:     goji.NewMux(),
	}
	s.mux.HandleFunc(pat.Get("/frames"), s.listFrames)
	s.mux.HandleFunc(pat.Get("/frames/:name"), s.serveFrame)
	if cloud != nil {
		s.mux.HandleFunc(pat.Get("/pointcloud.pcd"), s.servePointCloud)
	}
	if matcher != nil {
		s.mux.HandleFunc(pat.Get("/matcher"), s.getMatcher)
		s.mux.HandleFunc(pat.Put("/matcher"), s.putMatcher)
	}
	return s
}

// HandleSnapshot serves POST /snapshot with fn, which returns the paths it writes.
func (s *Server) HandleSnapshot(fn func() ([]string, error)) {
	s.mux.HandleFunc(pat.Post("/snapshot"), func(w http.ResponseWriter, r *http.Request) {
		paths, err := fn()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string][]string{"paths": paths})
	})
}

// Handler returns the routes wrapped with a permissive CORS policy.
func (s *Server) Handler() http.Handler {
	return cors.AllowAll().Handler(s.mux)
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infow("preview server listening", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("cannot write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) listFrames(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.frames))
	for name := range s.frames {
		names = append(names, name)
	}
	s.writeJSON(w, http.StatusOK, names)
}

// serveFrame serves /frames/<source>.jpg or /frames/<source>.png.
func (s *Server) serveFrame(w http.ResponseWriter, r *http.Request) {
	file := pat.Param(r, "name")
	ext := strings.ToLower(path.Ext(file))
	src, ok := s.frames[strings.TrimSuffix(file, path.Ext(file))]
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.Errorf("no frame source %q", file))
		return
	}
	f := src.GetFrame()
	if f == nil || f.Empty() {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("no frame produced yet"))
		return
	}

	var (
		data        []byte
		err         error
		contentType string
	)
	switch ext {
	case ".jpg", ".jpeg", "":
		contentType = "image/jpeg"
		data, err = rimage.EncodeJPEG(f, jpegQuality)
	case ".png":
		contentType = "image/png"
		data, err = rimage.EncodePNG(f)
	default:
		s.writeError(w, http.StatusBadRequest, errors.Errorf("unsupported image type %q", ext))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(data); err != nil {
		s.logger.Debugw("cannot write frame", "error", err)
	}
}

func (s *Server) servePointCloud(w http.ResponseWriter, r *http.Request) {
	cloud := s.cloud.Cloud()
	if cloud == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("no point cloud produced yet"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	bw := bufio.NewWriter(w)
	if err := pointcloud.ToPCD(cloud, bw, pointcloud.PCDBinary); err != nil {
		s.logger.Debugw("cannot write point cloud", "error", err)
		return
	}
	if err := bw.Flush(); err != nil {
		s.logger.Debugw("cannot write point cloud", "error", err)
	}
}

func (s *Server) getMatcher(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.matcher.Config())
}

// putMatcher applies a partial update such as {"num_disparities": 64}.
func (s *Server) putMatcher(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding matcher update"))
		return
	}
	cfg, err := s.matcher.UpdateConfig(patch)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Infow("matcher configuration updated", "update", patch)
	s.writeJSON(w, http.StatusOK, cfg)
}
