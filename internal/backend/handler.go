package backend

import (
	"context"
	"encoding/json"

	"github.com/sourcegraph/jsonrpc2"
)

// Server-to-client requests a backend may send during a session. Each is
// answered with an empty result so the backend does not stall.
const (
	methodConfiguration        = "workspace/configuration"
	methodWorkspaceFolders     = "workspace/workspaceFolders"
	methodRegisterCapability   = "client/registerCapability"
	methodUnregisterCapability = "client/unregisterCapability"
	methodWorkDoneProgress     = "window/workDoneProgress/create"
	methodShowMessageRequest   = "window/showMessageRequest"
	methodShowDocument         = "window/showDocument"
	methodApplyEdit            = "workspace/applyEdit"
)

// unsolicited handles messages the backend sends on its own: diagnostics,
// log and progress notifications and server-to-client requests.
type unsolicited struct {
	language string
}

func (h unsolicited) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		log.Debugf("%s: discarding notification %s", h.language, req.Method)
		return
	}

	result, err := h.reply(req)
	if err != nil {
		if e := conn.ReplyWithError(ctx, req.ID, err); e != nil {
			log.Debugf("%s: reply to %s: %v", h.language, req.Method, e)
		}
		return
	}
	if e := conn.Reply(ctx, req.ID, result); e != nil {
		log.Debugf("%s: reply to %s: %v", h.language, req.Method, e)
	}
}

func (h unsolicited) reply(req *jsonrpc2.Request) (any, *jsonrpc2.Error) {
	log.Debugf("%s: answering %s", h.language, req.Method)

	switch req.Method {
	case methodConfiguration:
		var params struct {
			Items []json.RawMessage `json:"items"`
		}
		if req.Params != nil {
			if err := json.Unmarshal(*req.Params, &params); err != nil {
				return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
			}
		}
		// one null per requested section
		return make([]any, len(params.Items)), nil

	case methodApplyEdit:
		return map[string]any{"applied": false}, nil

	case methodShowDocument:
		return map[string]any{"success": false}, nil

	case methodWorkspaceFolders,
		methodRegisterCapability,
		methodUnregisterCapability,
		methodWorkDoneProgress,
		methodShowMessageRequest:
		return nil, nil

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not supported: " + req.Method}
	}
}
