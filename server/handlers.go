package server

import (
	"errors"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
	"github.com/saiset-co/sai-offline/worker"
)

var skippedRequestHeaders = []string{
	fasthttp.HeaderHost,
	fasthttp.HeaderContentLength,
	fasthttp.HeaderConnection,
}

var skippedResponseHeaders = []string{
	fasthttp.HeaderContentLength,
	fasthttp.HeaderConnection,
	fasthttp.HeaderTransferEncoding,
	fasthttp.HeaderDate,
	fasthttp.HeaderServer,
}

func (h *FastHTTPServer) handleProxy(ctx *fasthttp.RequestCtx) {
	req := toRequest(ctx)

	result := h.deps.Worker.Dispatch(ctx, worker.Event{Kind: worker.EventFetch, Request: req})

	ctx.Response.Header.Set(HeaderStrategy, string(result.Decision.Strategy))
	ctx.Response.Header.Set(HeaderCache, string(result.Outcome))

	if result.Err != nil {
		h.logger.Debug("Fetch event failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.String("rule", result.Decision.Rule),
			zap.Error(result.Err))
		utils.WriteError(ctx, fetchErrorStatus(result.Err), result.Err)
		return
	}

	writeResponse(ctx, result.Response)
}

func (h *FastHTTPServer) handleWorkerScript(ctx *fasthttp.RequestCtx) {
	resp, err := h.deps.Origin.Fetch(ctx, toRequest(ctx))
	if err != nil {
		utils.WriteError(ctx, fetchErrorStatus(err), err)
		return
	}

	writeResponse(ctx, resp)
	ctx.Response.Header.Set(HeaderServiceWorkerAllowed, "/")
	ctx.Response.Header.Set(fasthttp.HeaderCacheControl, "no-cache")
}

func (h *FastHTTPServer) handleInstall(ctx *fasthttp.RequestCtx) {
	h.dispatchControl(ctx, worker.Event{Kind: worker.EventInstall})
}

func (h *FastHTTPServer) handleActivate(ctx *fasthttp.RequestCtx) {
	h.dispatchControl(ctx, worker.Event{Kind: worker.EventActivate})
}

func (h *FastHTTPServer) handleMessage(ctx *fasthttp.RequestCtx) {
	h.dispatchControl(ctx, worker.Event{Kind: worker.EventMessage, Data: copyBody(ctx)})
}

func (h *FastHTTPServer) dispatchControl(ctx *fasthttp.RequestCtx, event worker.Event) {
	result := h.deps.Worker.Dispatch(ctx, event)
	if result.Err != nil {
		utils.WriteError(ctx, controlErrorStatus(result.Err), result.Err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, h.deps.Lifecycle.Status())
}

func (h *FastHTTPServer) handlePush(ctx *fasthttp.RequestCtx) {
	result := h.deps.Worker.Dispatch(ctx, worker.Event{Kind: worker.EventPush, Data: copyBody(ctx)})
	if result.Err != nil {
		utils.WriteError(ctx, controlErrorStatus(result.Err), result.Err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusCreated, result.Notification)
}

func (h *FastHTTPServer) handleNotifications(ctx *fasthttp.RequestCtx) {
	if h.deps.Notifications == nil {
		utils.WriteError(ctx, fasthttp.StatusServiceUnavailable, types.ErrSurfaceNotReady)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, h.deps.Notifications.Notifications())
}

// handleNotificationClick replays a click on a visible notification, body
// {"id": "...", "action": "view|close"}.
func (h *FastHTTPServer) handleNotificationClick(ctx *fasthttp.RequestCtx) {
	if h.deps.Notifications == nil {
		utils.WriteError(ctx, fasthttp.StatusServiceUnavailable, types.ErrSurfaceNotReady)
		return
	}

	body := ctx.PostBody()
	if !gjson.ValidBytes(body) {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrInvalidPayload, "click body is not json"))
		return
	}

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrInvalidParameter, "notification id is required"))
		return
	}

	notification, ok := h.deps.Notifications.Get(id)
	if !ok {
		utils.WriteError(ctx, fasthttp.StatusNotFound, types.Errorf(types.ErrNotificationNotFound, "id: %s", id))
		return
	}

	action := gjson.GetBytes(body, "action").String()
	result := h.deps.Worker.Dispatch(ctx, worker.Event{
		Kind:         worker.EventNotificationClick,
		Notification: notification,
		Action:       action,
	})
	if result.Err != nil {
		utils.WriteError(ctx, controlErrorStatus(result.Err), result.Err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"id": id, "action": action})
}

func (h *FastHTTPServer) handleSync(ctx *fasthttp.RequestCtx) {
	tag := gjson.GetBytes(ctx.PostBody(), "tag").String()
	if tag == "" && h.deps.Outbox != nil {
		tag = h.deps.Outbox.Tag()
	}

	result := h.deps.Worker.Dispatch(ctx, worker.Event{Kind: worker.EventSync, Tag: tag})
	if result.Err != nil {
		utils.WriteError(ctx, controlErrorStatus(result.Err), result.Err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, result.Sync)
}

func (h *FastHTTPServer) handleOutbox(ctx *fasthttp.RequestCtx) {
	if h.deps.Outbox == nil {
		utils.WriteError(ctx, fasthttp.StatusServiceUnavailable, types.ErrOutboxDisabled)
		return
	}

	var req types.Request
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrInvalidPayload, "%v", err))
		return
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}

	entry, err := h.deps.Outbox.Enqueue(ctx, &req)
	if err != nil {
		utils.WriteError(ctx, controlErrorStatus(err), err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusAccepted, entry)
}

func (h *FastHTTPServer) handleState(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, h.deps.Lifecycle.Status())
}

func (h *FastHTTPServer) handleClassify(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()

	target := string(args.Peek("url"))
	if target == "" {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrInvalidParameter, "url is required"))
		return
	}

	req := types.NewRequest(string(args.Peek("method")), target)
	if mode := args.Peek("mode"); len(mode) > 0 {
		req.Mode = types.RequestMode(mode)
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, h.deps.Worker.Classify(req))
}

func (h *FastHTTPServer) handleHealth(ctx *fasthttp.RequestCtx) {
	report := h.deps.Health.Check(ctx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	utils.WriteJSON(ctx, status, report)
}

// toRequest copies the incoming exchange into a detached request keyed by
// its path and query.
func toRequest(ctx *fasthttp.RequestCtx) *types.Request {
	req := types.NewRequest(string(ctx.Method()), string(ctx.RequestURI()))

	scheme := "http"
	if ctx.IsTLS() {
		scheme = "https"
	}
	req.Origin = scheme + "://" + string(ctx.Host())

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		req.Header.Add(string(key), string(value))
	})
	for _, key := range skippedRequestHeaders {
		req.Header.Del(key)
	}

	if mode := ctx.Request.Header.Peek("Sec-Fetch-Mode"); len(mode) > 0 {
		req.Mode = types.RequestMode(mode)
	}

	if body := ctx.PostBody(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}

	return req
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *types.Response) {
	if resp == nil {
		utils.WriteError(ctx, fasthttp.StatusBadGateway, types.Errorf(types.ErrFetchFailed, "empty response"))
		return
	}

	header := resp.Header.Clone()
	for _, key := range skippedResponseHeaders {
		header.Del(key)
	}
	for key, values := range header {
		for _, value := range values {
			ctx.Response.Header.Add(key, value)
		}
	}

	ctx.SetStatusCode(resp.Status)
	ctx.SetBody(resp.Body)
}

func copyBody(ctx *fasthttp.RequestCtx) []byte {
	return append([]byte(nil), ctx.PostBody()...)
}

func fetchErrorStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrOffline), errors.Is(err, types.ErrCircuitOpen):
		return fasthttp.StatusServiceUnavailable
	case errors.Is(err, types.ErrFetchTimeout):
		return fasthttp.StatusGatewayTimeout
	case errors.Is(err, types.ErrStrategyUnknown), errors.Is(err, types.ErrInvalidParameter):
		return fasthttp.StatusInternalServerError
	default:
		return fasthttp.StatusBadGateway
	}
}

func controlErrorStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidPayload),
		errors.Is(err, types.ErrInvalidParameter),
		errors.Is(err, types.ErrSyncTagUnknown):
		return fasthttp.StatusBadRequest
	case errors.Is(err, types.ErrNoWaitingGeneration), errors.Is(err, types.ErrInstallInProgress):
		return fasthttp.StatusConflict
	case errors.Is(err, types.ErrOutboxDisabled), errors.Is(err, types.ErrSurfaceNotReady):
		return fasthttp.StatusServiceUnavailable
	case errors.Is(err, types.ErrPrecacheFailed):
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}
