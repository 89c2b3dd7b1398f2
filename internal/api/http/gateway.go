package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/ingest"
	"github.com/cohortflow/cohortflow/internal/metrics"
	"github.com/cohortflow/cohortflow/internal/pipeline"
	"github.com/cohortflow/cohortflow/internal/storage"
)

// Gateway is the front-tier upload surface. It streams uploads straight to
// the processing tier's store and registers them there; nothing touches the
// front host's disk.
type Gateway struct {
	store     storage.FileStore
	registrar Registrar
	chunkSize int
	maxBytes  int64
	metrics   *metrics.Metrics
}

// NewGateway creates a gateway writing to store (normally a RemoteStore)
// and registering with registrar.
func NewGateway(store storage.FileStore, registrar Registrar, chunkSize int, maxBytes int64, m *metrics.Metrics) *Gateway {
	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}
	return &Gateway{store: store, registrar: registrar, chunkSize: chunkSize, maxBytes: maxBytes, metrics: m}
}

// Handler returns the gateway router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(AccessLogMiddleware)
	if g.metrics != nil {
		r.Use(g.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "role": "front"})
	})
	r.Post("/v1/submissions", g.handleUpload)
	return r
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := pipeline.RegisterRequest{
		CohortID:  q.Get("cohort"),
		Wave:      q.Get("wave"),
		TableType: q.Get("table_type"),
		Actor:     q.Get("actor"),
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get("X-Actor")
	}
	if req.CohortID == "" || req.TableType == "" || req.Actor == "" {
		badRequest(w, r, "cohort, table_type and actor are required")
		return
	}

	if g.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, g.maxBytes)
	}
	body, err := uploadBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		writeError(w, r, cferrors.NewInternalError("failed to generate submission id", err))
		return
	}
	req.SubmissionID = id.String()
	req.SourcePath = ingest.SourcePath(req.CohortID, req.SubmissionID)

	sink, err := storage.PutCompressed(r.Context(), g.store, req.SourcePath, g.chunkSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := storage.CopyChunked(sink, body, g.chunkSize); err != nil {
		sink.Abort()
		writeError(w, r, err)
		return
	}
	if err := sink.Commit(); err != nil {
		writeError(w, r, err)
		return
	}
	req.SizeBytes = sink.RawBytes()
	log.Printf("gateway: streamed %s for %s/%s (%s)",
		req.SourcePath, req.CohortID, req.TableType, humanize.Bytes(uint64(req.SizeBytes)))

	receipt, err := g.registrar.Register(r.Context(), req)
	if err != nil {
		// the processing tier owns the upload now; a failed registration
		// leaves it untracked for reconciliation to report
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// RegisterClient registers uploads with a processing tier over HTTP.
type RegisterClient struct {
	baseURL string
	client  *http.Client
}

// NewRegisterClient creates a client for the processing API at baseURL.
// transport may be nil.
func NewRegisterClient(baseURL string, transport http.RoundTripper) *RegisterClient {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &RegisterClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// Register posts req to the processing tier and maps its error response
// back onto the error taxonomy.
func (c *RegisterClient) Register(ctx context.Context, req pipeline.RegisterRequest) (*pipeline.Receipt, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, cferrors.NewInternalError("failed to encode registration", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/submissions/register", bytes.NewReader(payload))
	if err != nil {
		return nil, cferrors.NewInternalError("failed to build registration request", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if id := GetRequestID(ctx); id != "" {
		hreq.Header.Set("X-Request-ID", id)
	}

	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, cferrors.NewStorageError(cferrors.CodeTransientNetwork, "processing tier unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		var receipt pipeline.Receipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return nil, cferrors.NewInternalError("invalid registration receipt", err)
		}
		return &receipt, nil
	}

	var e ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &e)
	msg := fmt.Sprintf("registration rejected with %d: %s", resp.StatusCode, e.Error)
	switch cferrors.Class(e.Class) {
	case cferrors.ClassInput:
		code := e.Code
		if code == "" {
			code = cferrors.CodeInvalidRequest
		}
		return nil, cferrors.NewInputError(code, e.Error)
	case cferrors.ClassTransient:
		return nil, cferrors.NewStorageError(cferrors.CodeTransientNetwork, msg, nil)
	case cferrors.ClassIntegrity:
		return nil, cferrors.NewIntegrityError(cferrors.CodeHashMismatch, msg)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, cferrors.NewStorageError(cferrors.CodeTransientNetwork, msg, nil)
	}
	return nil, cferrors.NewInternalError(msg, nil)
}
