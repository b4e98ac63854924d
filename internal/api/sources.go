package api

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/tvarr-hlsingest/internal/ingest"
)

// sourcesHandler serves the controller's per-source state and the
// manual reload trigger.
type sourcesHandler struct {
	controller *ingest.Controller
	reload     func() error
}

func registerSourcesHandler(api huma.API, controller *ingest.Controller, reload func() error) {
	h := &sourcesHandler{controller: controller, reload: reload}

	huma.Register(api, huma.Operation{
		OperationID: "listSources",
		Method:      "GET",
		Path:        "/v1/sources",
		Summary:     "List configured ingest sources",
		Tags:        []string{"Sources"},
	}, h.list)

	huma.Register(api, huma.Operation{
		OperationID: "getSourceStats",
		Method:      "GET",
		Path:        "/v1/sources/{index}/stats",
		Summary:     "Report one source's cache and ring watermark",
		Tags:        []string{"Sources"},
	}, h.stats)

	huma.Register(api, huma.Operation{
		OperationID: "reloadSources",
		Method:      "POST",
		Path:        "/v1/sources/reload",
		Summary:     "Re-read the sources file and reset every ring",
		Tags:        []string{"Sources"},
	}, h.reloadNow)
}

// SourceSummary is one entry of the sources listing.
type SourceSummary struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	State string `json:"state"`
}

type listSourcesOutput struct {
	Body struct {
		SourcesHash uint32          `json:"sources_hash"`
		Sources     []SourceSummary `json:"sources"`
	}
}

func (h *sourcesHandler) list(_ context.Context, _ *struct{}) (*listSourcesOutput, error) {
	out := &listSourcesOutput{}
	out.Body.SourcesHash = h.controller.SourcesHash()

	count := h.controller.SourceCount()
	out.Body.Sources = make([]SourceSummary, 0, count)
	for i := 0; i < count; i++ {
		url, state, ok := h.controller.SourceSnapshot(i)
		if !ok {
			continue
		}
		out.Body.Sources = append(out.Body.Sources, SourceSummary{Index: i, URL: url, State: state.String()})
	}
	return out, nil
}

type sourceStatsInput struct {
	Index int `path:"index"`
}

type sourceStatsOutput struct {
	Body ingest.SourceStats
}

func (h *sourcesHandler) stats(_ context.Context, in *sourceStatsInput) (*sourceStatsOutput, error) {
	snap := h.controller.Stats()
	for _, s := range snap.Sources {
		if s.Index == in.Index {
			return &sourceStatsOutput{Body: s}, nil
		}
	}
	return nil, huma.Error404NotFound(fmt.Sprintf("source index %d not found", in.Index))
}

type reloadOutput struct {
	Body struct {
		Reloaded bool `json:"reloaded"`
	}
}

func (h *sourcesHandler) reloadNow(_ context.Context, _ *struct{}) (*reloadOutput, error) {
	if err := h.reload(); err != nil {
		return nil, huma.Error500InternalServerError("reloading sources", err)
	}
	out := &reloadOutput{}
	out.Body.Reloaded = true
	return out, nil
}
