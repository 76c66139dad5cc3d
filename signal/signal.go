package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"surface-mixer/internal/log"
	"surface-mixer/internal/mixer"
	"surface-mixer/internal/registry"
)

const (
	codeBadRequest = 400
	codeNotFound   = 404
	codeLimit      = 406
	codeInternal   = 500
)

var errMissingParams = errors.New("missing params")

// ClientRef names a client by uuid.
type ClientRef struct {
	ID string `json:"uuid"`
}

// ClientUpdate patches the given fields of a client.
type ClientUpdate struct {
	ID string `json:"uuid"`
	registry.Patch
}

// ServerConfig is the merged stream size.
type ServerConfig struct {
	MergedWidth  int `json:"merged_width"`
	MergedHeight int `json:"merged_height"`
}

type PipelineRef struct {
	ID string `json:"id"`
}

type PipelineStatus struct {
	State    string    `json:"state"`
	Pipeline string    `json:"pipeline,omitempty"`
	Policy   string    `json:"policy,omitempty"`
	Clients  []string  `json:"clients"`
	Routes   int       `json:"routes"`
	Sinks    []string  `json:"sinks"`
	Faulted  bool      `json:"faulted"`
	Created  time.Time `json:"created,omitempty"`
	Width    int       `json:"merged_width"`
	Height   int       `json:"merged_height"`
}

type SDP struct {
	SDP string `json:"sdp"`
}

// JSONSignal serves the JSON-RPC control requests.
type JSONSignal struct {
	clients *registry.Registry
	manager *mixer.Manager
}

func NewJSONSignal(clients *registry.Registry, manager *mixer.Manager) *JSONSignal {
	return &JSONSignal{clients: clients, manager: manager}
}

// Handle implements jsonrpc2.Handler.
func (s *JSONSignal) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		return
	}
	result, err := s.dispatch(req.Method, req.Params)
	if err != nil {
		log.Errorf("%s: %v", req.Method, err)
		_ = conn.ReplyWithError(ctx, req.ID, replyError(err))
		return
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		log.Errorf("%s: error sending reply: %v", req.Method, err)
	}
}

func (s *JSONSignal) dispatch(method string, params *json.RawMessage) (interface{}, error) {
	switch method {
	case "clients.list":
		return s.clients.List(), nil
	case "clients.get":
		var ref ClientRef
		if err := decode(params, &ref); err != nil {
			return nil, err
		}
		return s.clients.Get(ref.ID)
	case "clients.create":
		var p registry.Patch
		if params != nil {
			if err := decode(params, &p); err != nil {
				return nil, err
			}
		}
		c, err := s.clients.Create(p)
		if err != nil && c.ID == "" {
			return nil, err
		}
		if err != nil {
			log.Warnf("client %s created but pipeline rebuild failed: %v", c.ID, err)
		}
		return c, nil
	case "clients.update":
		var u ClientUpdate
		if err := decode(params, &u); err != nil {
			return nil, err
		}
		c, err := s.clients.Update(u.ID, u.Patch)
		if err != nil && c.ID == "" {
			return nil, err
		}
		if err != nil {
			log.Warnf("client %s updated but pipeline rebuild failed: %v", c.ID, err)
		}
		return c, nil
	case "clients.delete":
		var ref ClientRef
		if err := decode(params, &ref); err != nil {
			return nil, err
		}
		if err := s.clients.Delete(ref.ID); err != nil && errors.Is(err, registry.ErrClientNotFound) {
			return nil, err
		} else if err != nil {
			log.Warnf("client %s deleted but pipeline rebuild failed: %v", ref.ID, err)
		}
		return ref, nil
	case "config.get":
		c := s.manager.Config()
		return ServerConfig{MergedWidth: c.MergedWidth, MergedHeight: c.MergedHeight}, nil
	case "config.update":
		var c ServerConfig
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		if err := s.manager.SetMergedSize(c.MergedWidth, c.MergedHeight); err != nil {
			return nil, err
		}
		return c, nil
	case "pipeline.remove":
		var ref PipelineRef
		if err := decode(params, &ref); err != nil {
			return nil, err
		}
		if err := s.manager.RemovePipeline(ref.ID); err != nil {
			return nil, err
		}
		return ref, nil
	case "pipeline.status":
		st := s.manager.Status()
		return PipelineStatus{
			State:    st.State.String(),
			Pipeline: st.Pipeline,
			Policy:   st.Policy,
			Clients:  st.Clients,
			Routes:   st.Routes,
			Sinks:    st.Sinks,
			Faulted:  st.Faulted,
			Created:  st.Created,
			Width:    st.Width,
			Height:   st.Height,
		}, nil
	case "pipeline.sdp":
		var ref ClientRef
		if err := decode(params, &ref); err != nil {
			return nil, err
		}
		c, err := s.clients.Get(ref.ID)
		if err != nil {
			return nil, err
		}
		b, err := mixer.SinkSDP(s.clients.Descriptor(c))
		if err != nil {
			return nil, err
		}
		return SDP{SDP: string(b)}, nil
	}
	return nil, &jsonrpc2.Error{
		Code:    jsonrpc2.CodeMethodNotFound,
		Message: fmt.Sprintf("method not found: %s", method),
	}
}

func decode(params *json.RawMessage, v interface{}) error {
	if params == nil {
		return errMissingParams
	}
	if err := json.Unmarshal(*params, v); err != nil {
		return fmt.Errorf("%w: %v", errMissingParams, err)
	}
	return nil
}

func replyError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := int64(codeInternal)
	switch {
	case errors.Is(err, registry.ErrClientNotFound), errors.Is(err, mixer.ErrNotFound):
		code = codeNotFound
	case errors.Is(err, registry.ErrClientLimit):
		code = codeLimit
	case errors.Is(err, errMissingParams),
		errors.Is(err, mixer.ErrUnsupportedCodec),
		errors.Is(err, mixer.ErrInvalidMode),
		errors.Is(err, mixer.ErrInvalidSize),
		errors.Is(err, mixer.ErrInvalidClient):
		code = codeBadRequest
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}
