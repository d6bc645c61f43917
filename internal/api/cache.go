package api

import (
	"net/http"
)

type StatsResponse struct {
	FirstTierHits  int64   `json:"tier1_hits"`
	SecondTierHits int64   `json:"tier2_hits"`
	Misses         int64   `json:"misses"`
	Total          int64   `json:"total"`
	HitRate        float64 `json:"hit_rate"`
	MemoryEntries  int     `json:"memory_entries"`
	DurableEnabled bool    `json:"durable_enabled"`
	DurableEntries *int64  `json:"durable_entries,omitempty"`
}

func handleCacheStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Answers == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ANSWERS_NOT_CONFIGURED", "answer service is not configured", false, nil)
		return
	}
	snapshot := deps.Answers.Metrics()
	response := StatsResponse{
		FirstTierHits:  snapshot.FirstTierHits,
		SecondTierHits: snapshot.SecondTierHits,
		Misses:         snapshot.Misses,
		Total:          snapshot.Total(),
		HitRate:        snapshot.HitRate(),
		MemoryEntries:  deps.Answers.MemoryEntries(),
		DurableEnabled: deps.Answers.DurableEnabled(),
	}
	if response.DurableEnabled {
		count, err := deps.Answers.DurableEntries(r.Context())
		if err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "DURABLE_TIER_UNAVAILABLE", "failed to count durable cache entries", true, map[string]any{"details": err.Error()})
			return
		}
		response.DurableEntries = &count
	}
	writeJSON(w, http.StatusOK, response)
}

func handleResetStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Answers == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ANSWERS_NOT_CONFIGURED", "answer service is not configured", false, nil)
		return
	}
	deps.Answers.ResetMetrics()
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "metrics": deps.Answers.Metrics()})
}

func handleFlush(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Answers == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ANSWERS_NOT_CONFIGURED", "answer service is not configured", false, nil)
		return
	}
	flushed := deps.Answers.MemoryEntries()
	deps.Answers.FlushMemory()
	writeJSON(w, http.StatusOK, map[string]any{"status": "flushed", "flushed_entries": flushed})
}
