package api

import (
	"net/http"
	"time"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/daemon"
	"github.com/evoprompt/evoprompt/internal/genome"
	"github.com/evoprompt/evoprompt/internal/retrieval"
)

type optimizeRequest struct {
	NumGenerations int  `json:"num_generations"`
	UseMipro       bool `json:"use_mipro"`
}

type optimizeResponse struct {
	RunID      string                    `json:"run_id"`
	BestGenome genome.Wire               `json:"best_genome"`
	BestScore  float64                   `json:"best_score"`
	History    []genome.GenerationRecord `json:"history"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	// A run takes longer than the server's write timeout; lift the
	// deadline for this response only. Not every ResponseWriter
	// supports deadlines, so the error is ignored.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	var req optimizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	result, err := s.daemon.Optimize(r.Context(), req.NumGenerations, req.UseMipro)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, optimizeResponse{
		RunID:      s.daemon.Status().RunID,
		BestGenome: result.Best.ToWire(),
		BestScore:  result.BestScore,
		History:    result.History,
	})
}

func (s *Server) handleOptimizeReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.daemon.Reset(); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Status())
}

type generateRequest struct {
	Intent string   `json:"intent"`
	Prompt string   `json:"prompt"`
	Tools  []string `json:"tools,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req generateRequest
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	resp, err := s.router.Serve(r.Context(), genome.PromptSpec{
		Intent: genome.Intent(req.Intent),
		Prompt: req.Prompt,
		Tools:  req.Tools,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ragQueryRequest struct {
	Query  string `json:"query"`
	K      int    `json:"k"`
	Method string `json:"method,omitempty"`
}

func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req ragQueryRequest
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	method, err := retrieval.ParseMethod(req.Method)
	if err != nil {
		writeAppError(w, apperr.Wrap(apperr.KindInvalidInput, "invalid retrieval method", err))
		return
	}

	result, err := s.rag.Query(r.Context(), req.Query, req.K, method)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRAGMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.rag.Metrics(r.Context()))
}

func (s *Server) handleBanditStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.bandit.Stats())
}

// handleBanditRegister adopts a genome for serving: it enters the
// router's table and gets a fresh prior arm.
func (s *Server) handleBanditRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var wire genome.Wire
	if err := decodeBody(r, &wire); err != nil {
		writeAppError(w, err)
		return
	}
	if err := wire.Genome.Validate(); err != nil {
		writeAppError(w, apperr.Wrap(apperr.KindInvalidInput, "invalid genome", err))
		return
	}

	s.router.Adopt(wire.Genome)
	writeJSON(w, http.StatusOK, wire.Genome.ToWire())
}

type healthResponse struct {
	Status     string        `json:"status"`
	Components healthFlags   `json:"components"`
	Run        daemon.Status `json:"run"`
}

type healthFlags struct {
	RAG    bool `json:"rag"`
	Bandit bool `json:"bandit"`
	Daemon bool `json:"daemon"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	run := s.daemon.Status()
	flags := healthFlags{
		RAG:    s.rag.Ready(r.Context()),
		Bandit: s.bandit != nil,
		Daemon: run.State != daemon.StateError,
	}
	status := "ok"
	code := http.StatusOK
	if !flags.RAG || !flags.Bandit || !flags.Daemon {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Components: flags, Run: run})
}
