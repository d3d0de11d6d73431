// Package net exposes the HTTP surface around the synchronization core:
// the editor and observer pages, static asset mounts, the websocket
// endpoint, and operational endpoints (health, diagnostics, QR join code).
package net

import (
	"encoding/json"
	nethttp "net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/julienschmidt/httprouter"
	qrcode "github.com/skip2/go-qrcode"

	server "battlemap/server"
	"battlemap/server/internal/net/ws"
	"battlemap/server/logging"
)

type HTTPHandlerConfig struct {
	// AssetsDir holds index.html, obs.html, and the js/ and css/ trees.
	AssetsDir string
	// DataDir is mounted read-only at /data so clients can fetch the
	// persisted snapshot documents.
	DataDir string
	// MapsDir holds the extracted map image, mounted at /maps.
	MapsDir string
	// PortraitsDir is the resolved portrait tree, mounted at /portraits.
	PortraitsDir string
	// ObserverURL is the LAN-reachable observer address encoded by /qr.
	ObserverURL string
	Publisher   logging.Publisher
	Telemetry   *server.TelemetryCounters
}

// NewHTTPHandler wires every route onto an httprouter instance.
func NewHTTPHandler(hub *server.Hub, engine *server.Engine, cfg HTTPHandlerConfig) nethttp.Handler {
	pub := cfg.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}

	router := httprouter.New()

	router.GET("/", servePage(filepath.Join(cfg.AssetsDir, "index.html")))
	router.GET("/obs", servePage(filepath.Join(cfg.AssetsDir, "obs.html")))

	router.ServeFiles("/js/*filepath", nethttp.Dir(filepath.Join(cfg.AssetsDir, "js")))
	router.ServeFiles("/css/*filepath", nethttp.Dir(filepath.Join(cfg.AssetsDir, "css")))
	router.ServeFiles("/maps/*filepath", nethttp.Dir(cfg.MapsDir))
	router.ServeFiles("/data/*filepath", nethttp.Dir(cfg.DataDir))
	router.ServeFiles("/portraits/*filepath", nethttp.Dir(cfg.PortraitsDir))

	router.GET("/health", func(w nethttp.ResponseWriter, r *nethttp.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	router.GET("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request, _ httprouter.Params) {
		payload := struct {
			Status     string                    `json:"status"`
			ServerTime int64                     `json:"serverTime"`
			Sessions   int                       `json:"sessions"`
			Tokens     int                       `json:"tokens"`
			Telemetry  *server.TelemetrySnapshot `json:"telemetry,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Sessions:   hub.SessionCount(),
			Tokens:     engine.TokenCount(),
		}
		if cfg.Telemetry != nil {
			snapshot := cfg.Telemetry.Snapshot()
			payload.Telemetry = &snapshot
		}

		data, err := json.Marshal(payload)
		if err != nil {
			nethttp.Error(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	router.GET("/qr", qrHandler(cfg.ObserverURL))

	wsHandler := ws.NewHandler(hub, engine, pub)
	router.GET("/ws", func(w nethttp.ResponseWriter, r *nethttp.Request, _ httprouter.Params) {
		wsHandler.Handle(w, r)
	})

	return router
}

// servePage serves one HTML file, answering 404 when it is absent and 500
// on any other read failure.
func servePage(path string) httprouter.Handle {
	return func(w nethttp.ResponseWriter, r *nethttp.Request, _ httprouter.Params) {
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				nethttp.Error(w, "page not found", nethttp.StatusNotFound)
				return
			}
			nethttp.Error(w, "server error: "+err.Error(), nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(content)
	}
}

// qrHandler renders a PNG QR code of the observer URL so tablets on the
// same network can join by scanning.
func qrHandler(observerURL string) httprouter.Handle {
	const qrSize = 320
	return func(w nethttp.ResponseWriter, r *nethttp.Request, _ httprouter.Params) {
		if observerURL == "" {
			nethttp.Error(w, "observer url not configured", nethttp.StatusNotFound)
			return
		}
		png, err := qrcode.Encode(observerURL, qrcode.Medium, qrSize)
		if err != nil {
			nethttp.Error(w, "qr generation failed", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}
}
