package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/primal-host/plc-mirror/internal/mirror/store"
	"github.com/primal-host/plc-mirror/internal/plcdata"
)

// Server is the mirror's registry-compatible HTTP API, built on Echo v4.
type Server struct {
	echo *echo.Echo
	addr string
	s    *store.Store
}

// NewServer creates a configured Echo server serving s at addr.
func NewServer(addr string, s *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	srv := &Server{echo: e, addr: addr, s: s}
	srv.registerRoutes()
	return srv
}

// Start begins listening for HTTP requests. It blocks until ctx is
// cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (srv *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.echo.Start(srv.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return srv.echo.Shutdown(context.Background())
	}
}

func (srv *Server) registerRoutes() {
	srv.echo.GET("/:did", srv.handleResolveDID)
	srv.echo.GET("/:did/log", srv.handleLog)
	srv.echo.GET("/:did/log/audit", srv.handleAuditLog)
	srv.echo.GET("/:did/log/last", srv.handleLastOp)
	srv.echo.GET("/:did/data", srv.handleData)
	srv.echo.GET("/export", srv.handleExport)
}

func errMessage(err error) map[string]string {
	return map[string]string{"message": err.Error()}
}

func (srv *Server) handleResolveDID(c echo.Context) error {
	did := c.Param("did")

	data, found, tombstoned, err := srv.s.Data(c.Request().Context(), did)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errMessage(err))
	}
	if !found {
		return c.JSON(http.StatusNotFound, errMessage(errors.New("did not registered: "+did)))
	}
	if tombstoned {
		return c.JSON(http.StatusGone, errMessage(errors.New("did not available: "+did)))
	}

	doc, err := buildDIDDocument(did, data)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errMessage(err))
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errMessage(err))
	}
	return c.Blob(http.StatusOK, "application/did+ld+json", body)
}

func (srv *Server) handleLog(c echo.Context) error {
	did := c.Param("did")

	entries, err := srv.s.AuditLog(c.Request().Context(), did)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errMessage(err))
	}
	if len(entries) == 0 {
		return c.JSON(http.StatusNotFound, errMessage(errors.New("did not registered: "+did)))
	}

	ops := make([]plcdata.SignedOperation, len(entries))
	for i, e := range entries {
		ops[i] = e.Operation
	}
	return c.JSON(http.StatusOK, ops)
}

func (srv *Server) handleAuditLog(c echo.Context) error {
	did := c.Param("did")

	entries, err := srv.s.AuditLog(c.Request().Context(), did)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errMessage(err))
	}
	if len(entries) == 0 {
		return c.JSON(http.StatusNotFound, errMessage(errors.New("did not registered: "+did)))
	}
	return c.JSON(http.StatusOK, entries)
}

func (srv *Server) handleLastOp(c echo.Context) error {
	did := c.Param("did")

	entry, ok, err := srv.s.LastActiveEntry(c.Request().Context(), did)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errMessage(err))
	}
	if !ok {
		return c.JSON(http.StatusNotFound, errMessage(errors.New("did not registered: "+did)))
	}
	return c.JSON(http.StatusOK, entry.Operation)
}

// wireState is the registry's /{did}/data response shape: the DID
// alongside the flattened PlcData fields.
type wireState struct {
	DID                 string                     `json:"did"`
	RotationKeys        []string                   `json:"rotationKeys"`
	VerificationMethods map[string]string          `json:"verificationMethods"`
	AlsoKnownAs         []string                   `json:"alsoKnownAs"`
	Services            map[string]plcdata.Service `json:"services"`
}

func (srv *Server) handleData(c echo.Context) error {
	did := c.Param("did")

	data, found, tombstoned, err := srv.s.Data(c.Request().Context(), did)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errMessage(err))
	}
	if !found {
		return c.JSON(http.StatusNotFound, errMessage(errors.New("did not registered: "+did)))
	}
	if tombstoned {
		return c.JSON(http.StatusGone, errMessage(errors.New("did not available: "+did)))
	}

	return c.JSON(http.StatusOK, wireState{
		DID:                 did,
		RotationKeys:        data.RotationKeys,
		VerificationMethods: data.VerificationMethods,
		AlsoKnownAs:         data.AlsoKnownAs,
		Services:            data.Services,
	})
}

func (srv *Server) handleExport(c echo.Context) error {
	count := 10
	if raw := c.QueryParam("count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}

	var after time.Time
	if raw := c.QueryParam("after"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errMessage(err))
		}
		after = t
	}

	entries, err := srv.s.Export(c.Request().Context(), after, count)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errMessage(err))
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/jsonlines")
	c.Response().WriteHeader(http.StatusOK)
	enc := json.NewEncoder(c.Response())
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
