package http

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tileview/internal/config"
	"tileview/internal/imaging"
	"tileview/internal/provider"
	"tileview/internal/render"
	"tileview/internal/viewport"
)

type Handlers struct {
	config *config.Config
	logger *zap.Logger
	driver *render.Driver
}

func New(config *config.Config, logger *zap.Logger, driver *render.Driver) *Handlers {
	return &Handlers{
		config: config,
		logger: logger,
		driver: driver,
	}
}

// Routes registers every endpoint and wraps them in the CORS and logging
// middleware.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/frame", h.HandleFrame)
	mux.HandleFunc("/api/viewport", h.HandleViewport)
	mux.HandleFunc("/api/images/", h.HandleImage)
	mux.HandleFunc("/api/info", h.HandleInfo)
	mux.HandleFunc("/api/legend", h.HandleLegend)
	mux.HandleFunc("/api/provider", h.HandleProvider)
	mux.HandleFunc("/healthz", h.HandleHealthz)

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Debug("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleFrame returns the most recent frame.
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	frame := h.driver.Frame()
	if frame == nil {
		http.Error(w, "No frame rendered yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

type viewportRequest struct {
	Action string  `json:"action"`
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	Factor float64 `json:"factor"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type viewportResponse struct {
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Width    float64   `json:"width"`
	Height   float64   `json:"height"`
	Scale    float64   `json:"scale"`
	Zoom     int       `json:"zoom"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	LastMove time.Time `json:"last_move"`
}

// HandleViewport reports the view on GET and applies a pan, zoom, center
// or resize on POST.
func (h *Handlers) HandleViewport(w http.ResponseWriter, r *http.Request) {
	plane := h.driver.Plane()

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req viewportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		switch req.Action {
		case "pan":
			plane.Pan(req.DX, req.DY)
		case "zoom":
			if req.Factor <= 0 {
				http.Error(w, "Zoom factor must be positive", http.StatusBadRequest)
				return
			}
			plane.ZoomAt(req.Factor, req.X, req.Y)
		case "center":
			if req.Lat < -90 || req.Lat > 90 {
				http.Error(w, "Latitude out of range", http.StatusBadRequest)
				return
			}
			h.driver.CenterOn(req.Lat, req.Lon)
		case "resize":
			if req.Width <= 0 || req.Height <= 0 {
				http.Error(w, "Size must be positive", http.StatusBadRequest)
				return
			}
			plane.Resize(req.Width, req.Height)
		default:
			http.Error(w, fmt.Sprintf("Unknown action %q", req.Action), http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.viewportState(plane.State()))
}

func (h *Handlers) viewportState(st viewport.State) viewportResponse {
	center := h.driver.LatLonAt(st.Width/2, st.Height/2)
	return viewportResponse{
		X:        st.X,
		Y:        st.Y,
		Width:    st.Width,
		Height:   st.Height,
		Scale:    st.Scale,
		Zoom:     render.Zoom(st.Scale, h.config.Quality),
		Lat:      center.Lat,
		Lon:      center.Lon,
		LastMove: st.LastMove,
	}
}

// HandleImage serves the encoded bytes of a tile or overlay image by ID.
func (h *Handlers) HandleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/images/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	img, ok := h.driver.Image(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeImage(w, r, img)
}

type infoResponse struct {
	Lat     float64              `json:"lat"`
	Lon     float64              `json:"lon"`
	Results []render.OverlayInfo `json:"results"`
}

// HandleInfo queries the overlays at screen point ?x=&y=.
func (h *Handlers) HandleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	x, errX := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
	y, errY := strconv.ParseFloat(r.URL.Query().Get("y"), 64)
	if errX != nil || errY != nil {
		http.Error(w, "Invalid screen coordinates", http.StatusBadRequest)
		return
	}

	pos, results := h.driver.Info(r.Context(), x, y)
	if results == nil {
		results = []render.OverlayInfo{}
	}
	writeJSON(w, http.StatusOK, infoResponse{Lat: pos.Lat, Lon: pos.Lon, Results: results})
}

// HandleLegend serves the legend graphic of ?overlay=. It answers 202 while
// the graphic is still being fetched.
func (h *Handlers) HandleLegend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	img, err := h.driver.Legend(r.URL.Query().Get("overlay"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if img == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeImage(w, r, img)
}

type providerRequest struct {
	Provider string `json:"provider"`
	MapType  string `json:"map_type"`
}

type providerResponse struct {
	Provider  string   `json:"provider"`
	MapType   string   `json:"map_type"`
	Providers []string `json:"providers"`
}

// HandleProvider reports the base layer on GET and switches it on POST.
func (h *Handlers) HandleProvider(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req providerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := h.driver.SwitchProvider(req.Provider, req.MapType); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, provider.ErrUnknownProvider) || errors.Is(err, provider.ErrUnknownMapType) {
				status = http.StatusBadRequest
			}
			h.logger.Warn("Failed to switch provider", zap.String("provider", req.Provider), zap.Error(err))
			http.Error(w, err.Error(), status)
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name, mapType := h.driver.Provider()
	writeJSON(w, http.StatusOK, providerResponse{Provider: name, MapType: mapType, Providers: provider.Names()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeImage(w http.ResponseWriter, r *http.Request, img *imaging.Image) {
	sum := sha256.Sum256(img.Data)
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=60")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(img.Data)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
