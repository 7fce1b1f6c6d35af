package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/journal"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
	"github.com/shinji-kodama/swarm-secrets/internal/rollout"
)

// objectHandlers serves the CRUD routes of one kind.
type objectHandlers struct {
	s    *Server
	kind model.Kind
}

// objectDetail is an inspected object plus the services using it.
type objectDetail struct {
	model.Object
	Services []model.ServiceRef `json:"services"`
}

// updateResponse is the body of a PUT. Rollout is set whenever a rollout
// started, including failed ones.
type updateResponse struct {
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Rollout *rollout.Result `json:"rollout,omitempty"`
}

func (h objectHandlers) title() string {
	k := string(h.kind)
	return strings.ToUpper(k[:1]) + k[1:]
}

// list handles GET /api/{kind}s. Query parameters: label (repeatable,
// "key" or "key=value"), managed=true, all=true to include temporary
// rollout copies.
func (h objectHandlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	managed, err := boolQuery(r, "managed")
	if err != nil {
		writeError(w, err)
		return
	}
	all, err := boolQuery(r, "all")
	if err != nil {
		writeError(w, err)
		return
	}

	objs, err := docker.ListObjects(r.Context(), h.s.cli, h.kind, docker.ListOptions{
		Labels:           q["label"],
		ManagedOnly:      managed,
		IncludeTemporary: all,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if objs == nil {
		objs = []model.Object{}
	}
	writeJSON(w, http.StatusOK, objs)
}

func (h objectHandlers) create(w http.ResponseWriter, r *http.Request) {
	var body objectBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	data, err := body.payload()
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := h.s.updater.Create(r.Context(), h.kind, body.Name, data, body.Labels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageBody{ID: id, Message: h.title() + " created successfully"})
}

func (h objectHandlers) inspect(w http.ResponseWriter, r *http.Request) {
	obj, err := docker.InspectObject(r.Context(), h.s.cli, h.kind, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	refs, err := docker.FindReferencingServices(r.Context(), h.s.cli, h.kind, obj)
	if err != nil {
		writeError(w, err)
		return
	}
	if refs == nil {
		refs = []model.ServiceRef{}
	}
	writeJSON(w, http.StatusOK, objectDetail{Object: *obj, Services: refs})
}

// update handles PUT. A body name different from the object's name
// renames it. With dryRun=true the planned rollout is returned instead.
func (h objectHandlers) update(w http.ResponseWriter, r *http.Request) {
	var body objectBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	data, err := body.payload()
	if err != nil {
		writeError(w, err)
		return
	}
	dryRun, err := boolQuery(r, "dryRun")
	if err != nil {
		writeError(w, err)
		return
	}

	req := rollout.Request{
		Kind:    h.kind,
		Ref:     mux.Vars(r)["id"],
		NewName: body.Name,
		Data:    data,
		Labels:  body.Labels,
	}

	if dryRun {
		plan, err := h.s.updater.Preview(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}

	res, err := h.s.updater.Update(r.Context(), req)
	if err != nil {
		if res == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, statusFor(model.CodeOf(err)), updateResponse{Error: err.Error(), Rollout: res})
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Message: h.title() + " updated successfully", Rollout: res})
}

func (h objectHandlers) remove(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["id"]
	obj, err := docker.InspectObject(r.Context(), h.s.cli, h.kind, ref)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := docker.RemoveObject(r.Context(), h.s.cli, h.kind, obj.ID); err != nil {
		writeError(w, err)
		return
	}
	h.s.log.Info("removed", zap.String("kind", string(h.kind)), zap.String("name", obj.Name))
	writeJSON(w, http.StatusOK, messageBody{ID: obj.ID, Message: h.title() + " deleted successfully"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.cli.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) swarmInfo(w http.ResponseWriter, r *http.Request) {
	info, err := docker.SwarmInfo(r.Context(), s.cli, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) swarmNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := docker.ListNodes(r.Context(), s.cli)
	if err != nil {
		writeError(w, err)
		return
	}
	if nodes == nil {
		nodes = []model.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// listRollouts handles GET /api/rollouts?limit=N&incomplete=true.
func (s *Server) listRollouts(w http.ResponseWriter, r *http.Request) {
	incomplete, err := boolQuery(r, "incomplete")
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, model.NewCLIError(model.ExitInvalidInput, "limit must be a non-negative integer"))
			return
		}
	}

	j := s.updater.Journal()
	var list []model.Rollout
	if incomplete {
		list, err = j.Incomplete(r.Context())
	} else {
		list, err = j.List(r.Context(), limit)
	}
	if err != nil {
		writeError(w, model.WrapCLIError(model.ExitGeneralError, "failed to read rollout journal", err))
		return
	}
	if list == nil {
		list = []model.Rollout{}
	}
	writeJSON(w, http.StatusOK, list)
}

type rolloutDetail struct {
	Rollout *model.Rollout      `json:"rollout"`
	Steps   []model.RolloutStep `json:"steps"`
}

func (s *Server) getRollout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ro, steps, err := s.updater.Journal().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			writeError(w, model.NewCLIError(model.ExitNotFound, fmt.Sprintf("rollout %s not found", id)))
			return
		}
		writeError(w, model.WrapCLIError(model.ExitGeneralError, "failed to read rollout journal", err))
		return
	}
	if steps == nil {
		steps = []model.RolloutStep{}
	}
	writeJSON(w, http.StatusOK, rolloutDetail{Rollout: ro, Steps: steps})
}

// resumeRollout handles POST /api/rollouts/{id}/resume. The optional body
// carries the payload ({data, encoding}); secrets need it unless their
// final object already exists.
func (s *Server) resumeRollout(w http.ResponseWriter, r *http.Request) {
	var body objectBody
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	var data []byte
	if body.Data != "" {
		var err error
		if data, err = body.payload(); err != nil {
			writeError(w, err)
			return
		}
	}

	res, err := s.updater.Resume(r.Context(), mux.Vars(r)["id"], data)
	if err != nil {
		if res == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, statusFor(model.CodeOf(err)), updateResponse{Error: err.Error(), Rollout: res})
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Message: "Rollout resumed successfully", Rollout: res})
}

// cleanupRollouts handles POST /api/rollouts/cleanup?dryRun=true.
func (s *Server) cleanupRollouts(w http.ResponseWriter, r *http.Request) {
	dryRun, err := boolQuery(r, "dryRun")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.updater.CleanupOrphans(r.Context(), dryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
