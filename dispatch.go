package cadence

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// maxEnvelopeSize caps inbound request bodies.
const maxEnvelopeSize = 64 << 20

// Invocation is an inbound workflow or activity request from the proxy.
type Invocation struct {
	Type       MessageType
	RequestID  int64
	TypeName   string
	ContextID  int64
	Properties map[string]string
	Payload    []byte
}

// WorkflowFunc handles workflow entry, signal and query invocations for a
// registered workflow type.
type WorkflowFunc func(ctx context.Context, inv *Invocation) ([]byte, error)

// ActivityFunc handles activity invocations for a registered activity type.
// ctx is cancelled when the proxy reports that the activity is stopping.
type ActivityFunc func(ctx context.Context, inv *Invocation) ([]byte, error)

// RegisterWorkflow registers fn under name, replacing any previous handler.
func (c *Client) RegisterWorkflow(name string, fn WorkflowFunc) {
	c.handlersMu.Lock()
	c.workflows[name] = fn
	c.handlersMu.Unlock()
}

func (c *Client) RegisterActivity(name string, fn ActivityFunc) {
	c.handlersMu.Lock()
	c.activities[name] = fn
	c.handlersMu.Unlock()
}

func newRouter(c *Client) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Any("/", c.handleRoot)
	router.Any("/echo", c.handleEcho)
	router.NoRoute(func(gc *gin.Context) {
		gc.String(http.StatusNotFound, "[%s] HTTP PATH is not supported. Only [/] and [/echo] are allowed.", gc.Request.URL.Path)
	})
	return router
}

// readEnvelope validates the method and content type and decodes the body.
// It writes the error response itself and returns ok=false on failure.
func readEnvelope(gc *gin.Context) (*Envelope, []byte, bool) {
	if gc.Request.Method != http.MethodPut {
		gc.String(http.StatusMethodNotAllowed, "[%s] HTTP method is not supported. All requests must be submitted with [PUT].", gc.Request.Method)
		return nil, nil, false
	}
	if gc.ContentType() != ContentType {
		gc.String(http.StatusBadRequest, "[%s] Content-Type is not supported. Only [%s] is allowed.", gc.ContentType(), ContentType)
		return nil, nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(gc.Writer, gc.Request.Body, maxEnvelopeSize))
	if err != nil {
		gc.String(http.StatusBadRequest, "read body: %v", err)
		return nil, nil, false
	}
	env, err := Decode(body)
	if err != nil {
		gc.String(http.StatusBadRequest, "%v", err)
		return nil, nil, false
	}
	return env, body, true
}

func (c *Client) handleRoot(gc *gin.Context) {
	env, _, ok := readEnvelope(gc)
	if !ok {
		c.logger.Warn("rejected inbound message", "path", "/", "status", gc.Writer.Status())
		return
	}

	switch {
	case env.Type.IsInbound():
		c.dispatchInvocation(env)
		gc.Status(http.StatusOK)

	case env.Type.IsReply():
		c.handleReply(gc, env)

	default:
		gc.String(http.StatusBadRequest, "[cadence-client] Does not support [%s] messages from the [cadence-proxy].", env.Type)
	}
}

// handleEcho answers with the request body unchanged. The proxy uses it to
// check that the client's listener is reachable.
func (c *Client) handleEcho(gc *gin.Context) {
	_, body, ok := readEnvelope(gc)
	if !ok {
		return
	}
	gc.Data(http.StatusOK, ContentType, body)
}

func (c *Client) handleReply(gc *gin.Context, reply *Envelope) {
	c.metrics.RepliesReceived.Add(1)

	switch c.operations.Complete(reply, c.config.mismatchPolicy == MismatchFail) {
	case Completed:
		gc.Status(http.StatusOK)

	case UnknownRequest:
		c.metrics.RepliesRejected.Add(1)
		c.logger.Warn("reply does not map to a pending operation",
			"type", reply.Type.String(), "request_id", reply.RequestID)
		gc.String(http.StatusBadRequest, "[cadence-client] does not have a pending operation with [requestId=%d].", reply.RequestID)

	case TypeMismatch:
		c.metrics.RepliesRejected.Add(1)
		c.logger.Warn("reply type does not match pending operation",
			"type", reply.Type.String(), "request_id", reply.RequestID)
		gc.String(http.StatusBadRequest, "[cadence-client] reply [type=%s] is not valid for pending [requestId=%d].", reply.Type, reply.RequestID)
	}
}

// dispatchInvocation runs the handler in the background and replies when it
// returns. The HTTP request is acknowledged immediately.
func (c *Client) dispatchInvocation(req *Envelope) {
	c.metrics.InvocationsTotal.Add(1)
	c.invocations.Add(1)
	c.runningInvocations.Add(1)
	go func() {
		defer c.invocations.Done()
		defer c.runningInvocations.Add(-1)

		payload, err := c.invoke(c.ctx, req)
		if err != nil {
			c.metrics.InvocationsFailed.Add(1)
			c.logger.Debug("invocation failed", "type", req.Type.String(), "request_id", req.RequestID, "error", err)
		}

		reply := &Envelope{Payload: payload}
		reply.SetError(err)
		if err := c.Reply(c.ctx, req, reply); err != nil {
			c.logger.Warn("invocation reply failed", "type", req.Type.String(), "request_id", req.RequestID, "error", err)
		}
	}()
}

func (c *Client) invoke(ctx context.Context, req *Envelope) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()

	inv := &Invocation{
		Type:       req.Type,
		RequestID:  req.RequestID,
		TypeName:   req.Get(PropTypeName),
		ContextID:  req.Int64(PropContextID),
		Properties: req.Properties,
		Payload:    req.Payload,
	}

	switch req.Type {
	case WorkflowInvokeRequest, WorkflowSignalInvokeRequest, WorkflowQueryInvokeRequest:
		c.handlersMu.RLock()
		fn := c.workflows[inv.TypeName]
		c.handlersMu.RUnlock()
		if fn == nil {
			return nil, notRegistered("workflow", inv.TypeName)
		}
		return fn(ctx, inv)

	case ActivityInvokeRequest, ActivityInvokeLocalRequest:
		c.handlersMu.RLock()
		fn := c.activities[inv.TypeName]
		c.handlersMu.RUnlock()
		if fn == nil {
			return nil, notRegistered("activity", inv.TypeName)
		}
		actx, cancel := context.WithCancel(ctx)
		defer cancel()
		c.trackActivity(inv.ContextID, cancel)
		defer c.untrackActivity(inv.ContextID)
		return fn(actx, inv)

	case ActivityStoppingRequest:
		c.stopActivity(inv.ContextID)
		return nil, nil
	}
	return nil, &RemoteError{Type: ErrorTypeBadRequest, Message: fmt.Sprintf("unsupported invocation [%s]", req.Type)}
}

func notRegistered(kind, name string) error {
	return &RemoteError{
		Type:    ErrorTypeEntityNotExists,
		Message: fmt.Sprintf("%s type [%s] is not registered", kind, name),
	}
}

func (c *Client) trackActivity(contextID int64, cancel context.CancelFunc) {
	if contextID == 0 {
		return
	}
	c.activityMu.Lock()
	c.runningActivities[contextID] = cancel
	c.activityMu.Unlock()
}

func (c *Client) untrackActivity(contextID int64) {
	c.activityMu.Lock()
	delete(c.runningActivities, contextID)
	c.activityMu.Unlock()
}

// stopActivity cancels the context of a running activity.
func (c *Client) stopActivity(contextID int64) {
	c.activityMu.Lock()
	cancel := c.runningActivities[contextID]
	c.activityMu.Unlock()
	if cancel != nil {
		c.logger.Debug("activity stopping", "context_id", contextID)
		cancel()
	}
}
