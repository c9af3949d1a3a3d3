// Package router implements the Message Router: the table from envelope
// type to handler, struct-tag and domain validation that each handler runs
// on its own payload, and a panic-recovery wrapper around every handler so a single malformed
// request can never take down a connection's reader goroutine. Dispatch is
// keyed on a single `type` field rather than HTTP verb+path, since the
// transport here is one long-lived WebSocket, not discrete HTTP requests.
package router

import (
	"encoding/json"
	"sync/atomic"

	apperrors "github.com/streamroom/streamroom/internal/errors"
	"github.com/streamroom/streamroom/internal/execution"
	"github.com/streamroom/streamroom/internal/hub"
	"github.com/streamroom/streamroom/internal/logger"
	"github.com/streamroom/streamroom/internal/model"
	"github.com/streamroom/streamroom/internal/msglog"
	"github.com/streamroom/streamroom/internal/project"
	"github.com/streamroom/streamroom/internal/subscription"
	"github.com/streamroom/streamroom/internal/validation"
)

// handlerFunc is the shape of one envelope-type handler.
type handlerFunc func(conn *hub.Connection, env model.Envelope)

// Router is the Message Router. It implements hub.Dispatcher.
type Router struct {
	projects *project.Manager
	fabric   *subscription.Fabric
	engine   *execution.Engine
	logs     *msglog.Store

	maxMessagesLimit int
	table            map[string]handlerFunc

	errorsTotal atomic.Int64
}

// New constructs a Router wired to the other core components. The Router
// itself is the hub.Dispatcher installed into the Hub.
func New(projects *project.Manager, fabric *subscription.Fabric, engine *execution.Engine, logs *msglog.Store, maxMessagesLimit int) *Router {
	r := &Router{
		projects:         projects,
		fabric:           fabric,
		engine:           engine,
		logs:             logs,
		maxMessagesLimit: maxMessagesLimit,
	}
	r.table = map[string]handlerFunc{
		model.TypeProjectCreate:   r.handleProjectCreate,
		model.TypeProjectList:     r.handleProjectList,
		model.TypeProjectDelete:   r.handleProjectDelete,
		model.TypeProjectJoin:     r.handleProjectJoin,
		model.TypeProjectLeave:    r.handleProjectLeave,
		model.TypeExecute:         r.handleExecute,
		model.TypeAgentKill:       r.handleAgentKill,
		model.TypeAgentNewSession: r.handleAgentNewSession,
		model.TypeGetMessages:     r.handleGetMessages,
	}
	return r
}

// Dispatch looks up the handler for env.Type and invokes it under a
// recovery wrapper. An unknown type returns a typed error frame; each
// handler decodes and validates env.Data itself and replies with a typed
// error frame when that fails.
func (r *Router) Dispatch(conn *hub.Connection, env model.Envelope) {
	h, ok := r.table[env.Type]
	if !ok {
		conn.SendError(apperrors.InvalidMessage("unrecognized envelope type: " + env.Type))
		return
	}
	r.recovered(conn, env, h)
}

// recovered runs h and converts any panic into an INTERNAL_ERROR frame,
// never letting it escape to the connection's reader goroutine.
func (r *Router) recovered(conn *hub.Connection, env model.Envelope, h handlerFunc) {
	defer func() {
		if rec := recover(); rec != nil {
			r.errorsTotal.Add(1)
			logger.Router().Error().
				Interface("panic", rec).
				Str("type", env.Type).
				Str("project_id", env.ProjectID).
				Msg("recovered from panic in message handler")
			conn.SendError(apperrors.Internal("internal error handling request"))
		}
	}()
	h(conn, env)
}

// HandleClose tears down every subscription binding a closing connection
// held, across every project it had joined. Called once by the Hub when a
// connection's reader exits.
func (r *Router) HandleClose(conn *hub.Connection) {
	r.fabric.LeaveAll(conn.ID)
}

// ErrorsTotal returns the cumulative count of handler panics recovered.
func (r *Router) ErrorsTotal() int64 {
	return r.errorsTotal.Load()
}

func decode(data json.RawMessage, v interface{}) *apperrors.AppError {
	if len(data) == 0 {
		return apperrors.InvalidMessage("missing data payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.InvalidMessage("malformed data payload: " + err.Error())
	}
	if err := validation.ValidateStruct(v); err != nil {
		return apperrors.InvalidMessage(err.Error())
	}
	return nil
}

func requireProjectID(env model.Envelope) (string, *apperrors.AppError) {
	if env.ProjectID == "" {
		return "", apperrors.InvalidMessage("missing project_id")
	}
	if !validation.ValidIdentifier(env.ProjectID) {
		return "", apperrors.InvalidMessage("malformed project_id")
	}
	return env.ProjectID, nil
}

func sendSnapshot(conn *hub.Connection, snap model.Snapshot) {
	conn.Send(model.TypeProjectState, snap)
}

func (r *Router) handleProjectCreate(conn *hub.Connection, env model.Envelope) {
	var data model.ProjectCreateData
	if aerr := decode(env.Data, &data); aerr != nil {
		conn.SendError(aerr)
		return
	}
	p, aerr := r.projects.Create(data.Path)
	if aerr != nil {
		conn.SendError(aerr)
		return
	}
	r.fabric.Join(p.ID, conn)
	conn.Subscribe(p.ID)
	sendSnapshot(conn, p.Snapshot())
}

func (r *Router) handleProjectList(conn *hub.Connection, env model.Envelope) {
	conn.Send(model.TypeProjectListResponse, struct {
		Projects []model.Snapshot `json:"projects"`
	}{Projects: r.projects.List()})
}

func (r *Router) handleProjectDelete(conn *hub.Connection, env model.Envelope) {
	id, aerr := requireProjectID(env)
	if aerr != nil {
		conn.SendError(aerr)
		return
	}
	if aerr := r.projects.Delete(id); aerr != nil {
		conn.SendError(aerr)
		return
	}
	frame := deletedFrame(id)
	r.fabric.Broadcast(id, frame)
	r.fabric.LeaveAllFromProject(id)
	r.logs.Drop(id)
	conn.Send(model.TypeProjectDeleted, struct {
		ProjectID string `json:"project_id"`
	}{ProjectID: id})
}

func (r *Router) handleProjectJoin(conn *hub.Connection, env model.Envelope) {
	var data model.ProjectJoinData
	if aerr := decode(env.Data, &data); aerr != nil {
		conn.SendError(aerr)
		return
	}
	if !validation.ValidIdentifier(data.ProjectID) {
		conn.SendError(apperrors.InvalidMessage("malformed project_id"))
		return
	}
	p, aerr := r.projects.Get(data.ProjectID)
	if aerr != nil {
		conn.SendError(aerr)
		return
	}

	r.fabric.Join(data.ProjectID, conn)
	conn.Subscribe(data.ProjectID)

	conn.Send(model.TypeProjectJoined, struct {
		ProjectID string `json:"project_id"`
	}{ProjectID: data.ProjectID})
	sendSnapshot(conn, p.Snapshot())
}

func (r *Router) handleProjectLeave(conn *hub.Connection, env model.Envelope) {
	id, aerr := requireProjectID(env)
	if aerr != nil {
		conn.SendError(aerr)
		return
	}
	r.fabric.Leave(id, conn.ID)
	conn.Unsubscribe(id)
	conn.Send(model.TypeProjectLeft, struct {
		ProjectID string `json:"project_id"`
	}{ProjectID: id})
}

func (r *Router) handleExecute(conn *hub.Connection, env model.Envelope) {
	id, aerr := requireProjectID(env)
	if aerr != nil {
		conn.SendError(aerr)
		return
	}
	var data model.ExecuteData
	if aerr := decode(env.Data, &data); aerr != nil {
		conn.SendError(aerr)
		return
	}
	if aerr := r.engine.Execute(id, data.Prompt, data.Options); aerr != nil {
		conn.SendError(aerr)
	}
}

func (r *Router) handleAgentKill(conn *hub.Connection, env model.Envelope) {
	id, aerr := requireProjectID(env)
	if aerr != nil {
		conn.SendError(aerr)
		return
	}
	if aerr := r.engine.Kill(id); aerr != nil {
		conn.SendError(aerr)
	}
}

func (r *Router) handleAgentNewSession(conn *hub.Connection, env model.Envelope) {
	id, aerr := requireProjectID(env)
	if aerr != nil {
		conn.SendError(aerr)
		return
	}
	p, aerr := r.projects.Get(id)
	if aerr != nil {
		conn.SendError(aerr)
		return
	}
	p.ClearSession()
	if err := r.projects.Persist(p); err != nil {
		conn.SendError(apperrors.InternalWrap(err))
		return
	}
	conn.Send(model.TypeSessionReset, struct {
		ProjectID string `json:"project_id"`
	}{ProjectID: id})
}

func (r *Router) handleGetMessages(conn *hub.Connection, env model.Envelope) {
	id, aerr := requireProjectID(env)
	if aerr != nil {
		conn.SendError(aerr)
		return
	}
	var data model.GetMessagesData
	if len(env.Data) > 0 {
		if aerr := decode(env.Data, &data); aerr != nil {
			conn.SendError(aerr)
			return
		}
	}
	limit := data.Limit
	if limit <= 0 || limit > r.maxMessagesLimit {
		limit = r.maxMessagesLimit
	}

	if _, aerr := r.projects.Get(id); aerr != nil {
		conn.SendError(aerr)
		return
	}

	log, err := r.logs.Get(id, r.projects.LogDir(id))
	if err != nil {
		conn.SendError(apperrors.InternalWrap(err))
		return
	}
	entries, err := log.Since(data.Since, limit)
	if err != nil {
		conn.SendError(apperrors.InternalWrap(err))
		return
	}
	conn.Send(model.TypeMessagesResponse, struct {
		Messages []model.ReplayEntry `json:"messages"`
	}{Messages: entries})
}

func deletedFrame(projectID string) []byte {
	env := struct {
		Type      string `json:"type"`
		ProjectID string `json:"project_id"`
		Data      struct {
			ProjectID string `json:"project_id"`
		} `json:"data"`
	}{Type: model.TypeProjectDeleted, ProjectID: projectID}
	env.Data.ProjectID = projectID
	b, _ := json.Marshal(env)
	return b
}
