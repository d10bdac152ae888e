package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beam/server/internal/core"
	"beam/server/internal/relay"
	"beam/server/internal/ws"
)

// maxUploadBody caps the relay upload route, multipart framing included.
const maxUploadBody = "5G"

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	registry *core.Registry
	relay    *relay.Store
	version  string
}

// New constructs an Echo app with the signaling + relay routes.
func New(registry *core.Registry, relayStore *relay.Store, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{echo: e, registry: registry, relay: relayStore, version: version}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleHealth)
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/api/rooms", s.handleCreateRoom)
	s.echo.GET("/api/rooms/:code", s.handleGetRoom)

	s.echo.POST("/api/relay/upload", s.handleRelayUpload, middleware.BodyLimit(maxUploadBody))
	s.echo.GET("/api/relay/download/:id", s.handleRelayDownload)
	s.echo.GET("/api/relay/info/:id", s.handleRelayInfo)
	s.echo.DELETE("/api/relay/:id", s.handleRelayDelete)

	ws.NewHandler(s.registry).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Server  string `json:"server"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Server:  "beam",
		Version: s.version,
	})
}

type statsResponse struct {
	ActiveRooms       int     `json:"activeRooms"`
	TotalConnections  int64   `json:"totalConnections"`
	TotalMessages     int64   `json:"totalMessages"`
	TotalBytesRelayed int64   `json:"totalBytesRelayed"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
}

func (s *Server) handleStats(c echo.Context) error {
	snap := s.registry.Snapshot()
	return c.JSON(http.StatusOK, statsResponse{
		ActiveRooms:       snap.ActiveRooms,
		TotalConnections:  snap.TotalConnections,
		TotalMessages:     snap.TotalMessages,
		TotalBytesRelayed: s.relay.TotalBytesRelayed(),
		UptimeSeconds:     snap.UptimeSeconds,
		AvgLatencyMs:      snap.AvgLatencyMs,
	})
}

type createRoomResponse struct {
	RoomCode string `json:"roomCode"`
	Created  bool   `json:"created"`
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	code, err := s.registry.Create()
	if err != nil {
		if errors.Is(err, core.ErrCapacity) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "server at capacity")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("create room: %v", err))
	}
	return c.JSON(http.StatusOK, createRoomResponse{RoomCode: code, Created: true})
}

type roomResponse struct {
	Code      string  `json:"code"`
	CreatedAt float64 `json:"createdAt"`
	PeerCount int     `json:"peerCount"`
	HasHost   bool    `json:"hasHost"`
}

func (s *Server) handleGetRoom(c echo.Context) error {
	info, ok := s.registry.Lookup(c.Param("code"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	return c.JSON(http.StatusOK, roomResponse{
		Code:      info.Code,
		CreatedAt: float64(info.CreatedAt.UnixMilli()) / 1000,
		PeerCount: info.PeerCount,
		HasHost:   info.HasHost,
	})
}

type relayUploadResponse struct {
	FileID         string `json:"fileId"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	Compressed     bool   `json:"compressed"`
	CompressedSize *int64 `json:"compressedSize"`
	Checksum       string `json:"checksum"`
	ExpiresAt      string `json:"expiresAt"`
	DownloadURL    string `json:"downloadUrl"`
}

func (s *Server) handleRelayUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}
	if fileHeader.Size > relay.MaxFileSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	compress := !strings.EqualFold(c.QueryParam("compress"), "false")

	meta, err := s.relay.Put(c.Request().Context(), relay.PutInput{
		Name:         fileHeader.Filename,
		MimeType:     strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType)),
		RoomCode:     core.CanonicalCode(c.QueryParam("roomCode")),
		DeclaredSize: fileHeader.Size,
		Compress:     compress,
		Reader:       src,
	})
	if err != nil {
		if errors.Is(err, relay.ErrTooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist relay file: %v", err))
	}

	resp := relayUploadResponse{
		FileID:      meta.ID,
		Name:        meta.Name,
		Size:        meta.OriginalSize,
		Compressed:  meta.Compressed,
		Checksum:    meta.Checksum,
		ExpiresAt:   meta.ExpiresAt.Format(time.RFC3339Nano),
		DownloadURL: "/api/relay/download/" + meta.ID,
	}
	if meta.Compressed {
		stored := meta.StoredSize
		resp.CompressedSize = &stored
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRelayDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	decompress := !strings.EqualFold(c.QueryParam("decompress"), "false")

	result, err := s.relay.Open(c.Request().Context(), id, decompress)
	if err != nil {
		if errors.Is(err, relay.ErrFileNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open relay file: %v", err))
	}
	defer result.Stream.Close()

	meta := result.Metadata
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, meta.MimeType)
	header.Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, safeFilename(meta.Name)),
	)
	header.Set("X-Original-Size", strconv.FormatInt(meta.OriginalSize, 10))
	header.Set("X-Checksum", meta.Checksum)
	header.Set("X-Compressed", strconv.FormatBool(meta.Compressed))
	if !meta.Compressed || !decompress {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(meta.StoredSize, 10))
	}

	c.Response().WriteHeader(http.StatusOK)
	buf := make([]byte, relay.ChunkSize)
	_, copyErr := io.CopyBuffer(c.Response().Writer, result.Stream, buf)
	return copyErr
}

func (s *Server) handleRelayInfo(c echo.Context) error {
	meta, ok := s.relay.Info(strings.TrimSpace(c.Param("id")))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	return c.JSON(http.StatusOK, meta)
}

type relayDeleteResponse struct {
	Deleted bool `json:"deleted"`
}

func (s *Server) handleRelayDelete(c echo.Context) error {
	s.relay.Delete(strings.TrimSpace(c.Param("id")))
	return c.JSON(http.StatusOK, relayDeleteResponse{Deleted: true})
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
