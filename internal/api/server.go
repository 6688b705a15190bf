// Package api serves an export directory over HTTP so a board-side fetcher
// or a browser can pull the manifest, the blobs and the generated sources.
package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qforge/internal/codegen"
	"github.com/samcharles93/qforge/internal/export"
	"github.com/samcharles93/qforge/internal/version"
	"github.com/samcharles93/qforge/pkg/quant"
)

const mimeOctetStream = "application/octet-stream"

var sourceTypes = map[string]string{
	codegen.HeaderFile: "text/x-c; charset=utf-8",
	codegen.LoaderFile: "text/x-c++; charset=utf-8",
}

type Server struct {
	dir string

	mu       sync.RWMutex
	manifest *export.Manifest
}

// NewServer loads the manifest of the export rooted at dir.
func NewServer(dir string) (*Server, error) {
	s := &Server{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the manifest, picking up a fresh export into the same dir.
func (s *Server) Reload() error {
	m, err := export.ReadManifestJSON(s.dir)
	if err != nil {
		return fmt.Errorf("load manifest from %s: %w", s.dir, err)
	}
	s.mu.Lock()
	s.manifest = m
	s.mu.Unlock()
	return nil
}

func (s *Server) current() *export.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/reload", s.handleReload)

	e.GET("/v1/manifest", s.handleManifest)
	e.GET("/v1/layers", s.handleListLayers)
	e.GET("/v1/layers/:index", s.handleGetLayer)
	e.GET("/v1/layers/:index/kernel", s.handleKernel)
	e.GET("/v1/layers/:index/bias", s.handleBias)
	e.GET("/v1/sources/:name", s.handleSource)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthView{Status: "ok", Version: version.String(), Dir: s.dir, Layers: s.current().Len()})
}

func (s *Server) handleReload(c *echo.Context) error {
	if err := s.Reload(); err != nil {
		return writeServerError(c, err)
	}
	return s.handleHealth(c)
}

func (s *Server) handleManifest(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.current())
}

func (s *Server) handleListLayers(c *echo.Context) error {
	recs := s.current().Records()
	out := make([]LayerView, len(recs))
	for i, r := range recs {
		out[i] = layerView(r)
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": out})
}

func (s *Server) handleGetLayer(c *echo.Context) error {
	rec, err := s.lookup(c.Param("index"))
	if err != nil {
		return writeLookupError(c, err)
	}
	return c.JSON(http.StatusOK, layerView(rec))
}

// handleKernel returns the raw blob, or a JSON view with ?format=json.
// ?dequantize=true adds the reconstructed real values to the JSON view.
func (s *Server) handleKernel(c *echo.Context) error {
	rec, err := s.lookup(c.Param("index"))
	if err != nil {
		return writeLookupError(c, err)
	}
	path := filepath.Join(s.dir, export.WeightsDirName, codegen.KernelFile(rec.Index))
	codes, err := export.ReadKernel(path, rec.KernelSize())
	if err != nil {
		return writeServerError(c, err)
	}
	if c.QueryParam("format") != "json" {
		raw := make([]byte, len(codes))
		for i, q := range codes {
			raw[i] = byte(q)
		}
		return writeBlob(c, mimeOctetStream, codegen.KernelFile(rec.Index), raw)
	}

	view := KernelView{
		Index:     rec.Index,
		Shape:     rec.KernelShape,
		Scale:     rec.Kernel.Scale,
		ZeroPoint: rec.Kernel.ZeroPoint,
		Codes:     codes,
	}
	if boolQuery(c, "dequantize") {
		view.Values = make([]float64, len(codes))
		for i, q := range codes {
			view.Values[i] = quant.Dequantize(q, rec.Kernel)
		}
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleBias(c *echo.Context) error {
	rec, err := s.lookup(c.Param("index"))
	if err != nil {
		return writeLookupError(c, err)
	}
	path := filepath.Join(s.dir, export.WeightsDirName, codegen.BiasFile(rec.Index))
	if c.QueryParam("format") != "json" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return writeServerError(c, err)
		}
		return writeBlob(c, mimeOctetStream, codegen.BiasFile(rec.Index), raw)
	}

	codes, err := export.ReadBias(path, rec.BiasSize())
	if err != nil {
		return writeServerError(c, err)
	}
	view := BiasView{Index: rec.Index, Shape: rec.BiasShape, Scale: rec.BiasScale, Codes: codes}
	if boolQuery(c, "dequantize") {
		view.Values = make([]float64, len(codes))
		for i, q := range codes {
			view.Values[i] = quant.DequantizeBias(q, rec.BiasScale)
		}
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleSource(c *echo.Context) error {
	name := c.Param("name")
	contentType, ok := sourceTypes[name]
	if !ok {
		return writeNotFound(c, fmt.Sprintf("unknown source %q", name))
	}
	data, err := os.ReadFile(filepath.Join(s.dir, export.ConfigsDirName, name))
	if err != nil {
		if os.IsNotExist(err) {
			return writeNotFound(c, fmt.Sprintf("source %q has not been generated", name))
		}
		return writeServerError(c, err)
	}
	return writeBlob(c, contentType, name, data)
}

// lookup resolves a path segment that is either a layer index or a layer name.
func (s *Server) lookup(raw string) (export.LayerRecord, error) {
	m := s.current()
	if !isNumeric(raw) {
		rec, ok := m.Lookup(raw)
		if !ok {
			return export.LayerRecord{}, fmt.Errorf("layer %q: %w", raw, ErrNotFound)
		}
		return rec, nil
	}
	idx, err := parseIndex(raw)
	if err != nil {
		return export.LayerRecord{}, err
	}
	rec, ok := m.At(idx)
	if !ok {
		return export.LayerRecord{}, fmt.Errorf("layer %d: %w", idx, ErrNotFound)
	}
	return rec, nil
}

func layerView(r export.LayerRecord) LayerView {
	return LayerView{
		Index:           r.Index,
		Name:            r.Name,
		Kind:            r.Kind.String(),
		KernelScale:     r.Kernel.Scale,
		KernelZeroPoint: r.Kernel.ZeroPoint,
		BiasScale:       r.BiasScale,
		KernelShape:     r.KernelShape,
		BiasShape:       r.BiasShape,
		KernelSize:      r.KernelSize(),
		BiasSize:        r.BiasSize(),
		KernelURL:       fmt.Sprintf("/v1/layers/%d/kernel", r.Index),
		BiasURL:         fmt.Sprintf("/v1/layers/%d/bias", r.Index),
	}
}

func writeBlob(c *echo.Context, contentType, filename string, data []byte) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, contentType)
	res.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	res.WriteHeader(http.StatusOK)
	_, err := res.Write(data)
	return err
}
