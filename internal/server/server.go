// Package server exposes a read-only HTTP view of the namespace index.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentic-research/reseller/internal/graph"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DataKeyView is one data key as served: the current value plus history
// depth.
type DataKeyView struct {
	Kind     string        `json:"kind"`
	Current  hexutil.Bytes `json:"current"`
	Versions int           `json:"versions"`
}

// NodeResponse describes one node.
type NodeResponse struct {
	Namehash   string                 `json:"namehash"`
	FullName   string                 `json:"full_name"`
	Name       string                 `json:"name"`
	ParentPath string                 `json:"parent_path"`
	ChildNames []string               `json:"child_names"`
	DataKeys   map[string]DataKeyView `json:"data_keys"`
}

// HoldersResponse lists the nodes carrying a data key label.
type HoldersResponse struct {
	Label   string   `json:"label"`
	Holders []string `json:"holders"`
}

// Handlers serves requests against an index. The index may be mutated
// concurrently by the ingest engine.
type Handlers struct {
	index *graph.Index
}

func NewHandlers(idx *graph.Index) *Handlers {
	return &Handlers{index: idx}
}

// RegisterRoutes mounts the API under r.
func RegisterRoutes(r gin.IRouter, h *Handlers) {
	api := r.Group("/api")
	api.GET("/node/:name", h.HandleNodeByName)
	api.GET("/hash/:namehash", h.HandleNodeByHash)
	api.GET("/render", h.HandleRender)
	api.GET("/holders/:label", h.HandleHolders)
}

// NewRouter builds the full router: API, health and prometheus metrics.
func NewRouter(idx *graph.Index) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	RegisterRoutes(router, NewHandlers(idx))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "nodes": idx.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// lookupName resolves a fully-qualified name; "." and "" name the root.
func (h *Handlers) lookupName(name string) (common.Hash, bool) {
	if name == "." {
		name = ""
	}
	return h.index.Lookup(name)
}

func (h *Handlers) HandleNodeByName(c *gin.Context) {
	name := c.Param("name")
	hash, ok := h.lookupName(name)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no such name: " + name})
		return
	}
	h.writeNode(c, hash)
}

func (h *Handlers) HandleNodeByHash(c *gin.Context) {
	raw, err := hexutil.Decode(c.Param("namehash"))
	if err != nil || len(raw) != common.HashLength {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "namehash must be 0x-prefixed 32-byte hex"})
		return
	}
	h.writeNode(c, common.BytesToHash(raw))
}

func (h *Handlers) writeNode(c *gin.Context, hash common.Hash) {
	n, ok := h.index.Node(hash)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no such namehash: " + hash.Hex()})
		return
	}
	resp := NodeResponse{
		Namehash:   hash.Hex(),
		FullName:   n.FullName(),
		Name:       n.Name,
		ParentPath: n.ParentPath,
		ChildNames: n.ChildNames,
		DataKeys:   make(map[string]DataKeyView, len(n.DataKeys)),
	}
	if resp.ChildNames == nil {
		resp.ChildNames = []string{}
	}
	for label, k := range n.DataKeys {
		resp.DataKeys[label] = DataKeyView{
			Kind:     k.Kind.String(),
			Current:  k.Current(),
			Versions: len(k.Values),
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) HandleRender(c *gin.Context) {
	hash, ok := h.lookupName(c.Query("root"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no such name: " + c.Query("root")})
		return
	}
	c.String(http.StatusOK, h.index.Render(hash, 0))
}

// HandleHolders lists holders in the order Index.Holders returns them,
// sorted by full name.
func (h *Handlers) HandleHolders(c *gin.Context) {
	label := c.Param("label")
	hashes := h.index.Holders(label)
	names := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		if n, ok := h.index.Node(hash); ok {
			names = append(names, n.FullName())
		}
	}
	c.JSON(http.StatusOK, HoldersResponse{Label: label, Holders: names})
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("query api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
