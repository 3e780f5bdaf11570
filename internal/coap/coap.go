// Package coap is the CoAP ingress for constrained devices. Request
// paths follow the same grammar as MQTT topics, so classification and
// routing are shared with the broker path.
package coap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpserver "github.com/plgd-dev/go-coap/v3/udp/server"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
	"github.com/aemos-iot/aemos-core/internal/model"
	"github.com/aemos-iot/aemos-core/internal/notify"
	"github.com/aemos-iot/aemos-core/internal/protocol"
	"github.com/aemos-iot/aemos-core/internal/router"
)

// Dispatcher consumes classified inbound messages.
type Dispatcher interface {
	Route(ctx context.Context, msg protocol.Message) router.Result
}

// StateReader resolves the open state instance for GET requests.
type StateReader interface {
	OpenStateInstance(ctx context.Context, deviceUUID, stateName string) (model.DeviceStateInstance, error)
}

// Server accepts CoAP POSTs on topic-shaped paths and serves device
// state reads.
type Server struct {
	addr     string
	dispatch Dispatcher
	states   StateReader
	bus      *notify.Bus
	log      *slog.Logger

	srv  *udpserver.Server
	conn *coapnet.UDPConn
}

// NewServer builds the ingress. states may be nil to disable state
// reads.
func NewServer(addr string, dispatch Dispatcher, states StateReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		dispatch: dispatch,
		states:   states,
		log:      logger,
	}
}

// SetNotificationBus enables observe registrations on device-state
// GETs. Without a bus, observe requests get a single response.
func (s *Server) SetNotificationBus(bus *notify.Bus) {
	s.bus = bus
}

// Start binds the UDP listener and serves until Stop. It returns once
// the listener is up; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	conn, err := coapnet.NewListenUDP("udp", s.addr)
	if err != nil {
		return fmt.Errorf("coap listen %s: %w", s.addr, err)
	}
	s.conn = conn

	r := mux.NewRouter()
	r.DefaultHandle(mux.HandlerFunc(s.handle))

	s.srv = udp.NewServer(options.WithMux(r), options.WithContext(ctx))
	go func() {
		if err := s.srv.Serve(conn); err != nil && ctx.Err() == nil {
			s.log.Error("coap server stopped", "error", err)
		}
	}()
	s.log.Info("coap listening", "addr", s.addr)
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.Stop()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *Server) handle(w mux.ResponseWriter, r *mux.Message) {
	path, err := r.Path()
	if err != nil {
		s.respondError(w, codes.BadRequest, "missing path")
		return
	}
	path = strings.Trim(path, "/")

	switch r.Code() {
	case codes.POST:
		s.handlePost(w, r, path)
	case codes.GET:
		s.handleGet(w, r, path)
	default:
		s.respondError(w, codes.MethodNotAllowed, "only GET and POST are served")
	}
}

// handlePost feeds the payload through the shared router, exactly as
// an MQTT publish on the same topic would be.
func (s *Server) handlePost(w mux.ResponseWriter, r *mux.Message, path string) {
	body, err := r.ReadBody()
	if err != nil {
		s.respondError(w, codes.BadRequest, "unreadable body")
		return
	}

	msg := protocol.NewMessage(protocol.ProtocolCoAP, path, body, "", 0)
	res := s.dispatch.Route(r.Context(), msg)
	if res.Status != "success" {
		s.log.Warn("coap message rejected", "path", path, "code", string(res.Code))
		s.respond(w, codeFor(res.Code), res)
		return
	}
	s.respond(w, codes.Changed, res)
}

// handleGet serves devices/{uuid}/state: the currently open state
// instance for the state named in the ?state query.
func (s *Server) handleGet(w mux.ResponseWriter, r *mux.Message, path string) {
	if s.states == nil {
		s.respondError(w, codes.NotFound, "state reads disabled")
		return
	}

	typ, addr := protocol.Classify(path)
	if typ != protocol.TypeDeviceState {
		s.respondError(w, codes.NotFound, "unknown path")
		return
	}

	queries, _ := r.Queries()
	stateName := queryValue(queries, "state")
	if stateName == "" {
		s.respondError(w, codes.BadRequest, "state query parameter required")
		return
	}

	if obs, obsErr := r.Options().Observe(); obsErr == nil && obs == 0 && s.bus != nil {
		s.startObserve(w, r, addr.DeviceUUID, stateName)
		return
	}

	inst, err := s.states.OpenStateInstance(r.Context(), addr.DeviceUUID, stateName)
	if err != nil {
		s.respondError(w, codes.NotFound, "no open state instance")
		return
	}
	s.respond(w, codes.Content, inst)
}

// startObserve registers the client for state-change pushes. The first
// notification carries the current open instance; later ones follow
// the bus. The registration ends when the connection closes or a push
// fails.
func (s *Server) startObserve(w mux.ResponseWriter, r *mux.Message, deviceUUID, stateName string) {
	cc := w.Conn()
	token := r.Token()

	inst, err := s.states.OpenStateInstance(r.Context(), deviceUUID, stateName)
	if err != nil {
		s.respondError(w, codes.NotFound, "no open state instance")
		return
	}

	var seq uint32 = 1
	if err := s.transmit(cc, token, seq, inst); err != nil {
		s.log.Warn("observe register failed", "deviceUuid", deviceUUID, "error", err)
		return
	}

	sub := s.bus.Subscribe(16)
	topic := fmt.Sprintf("devices/%s/notifications", deviceUUID)
	s.log.Debug("observe registered", "deviceUuid", deviceUUID, "state", stateName)

	go func() {
		defer s.bus.Unsubscribe(sub)
		for {
			select {
			case <-cc.Context().Done():
				return
			case n, ok := <-sub:
				if !ok {
					return
				}
				if !observeMatch(n, topic, stateName) {
					continue
				}
				inst, err := s.states.OpenStateInstance(cc.Context(), deviceUUID, stateName)
				if err != nil {
					continue
				}
				seq++
				if err := s.transmit(cc, token, seq, inst); err != nil {
					s.log.Debug("observe push failed, dropping registration",
						"deviceUuid", deviceUUID, "error", err)
					return
				}
			}
		}
	}()
}

// observeMatch reports whether a bus notification concerns the observed
// device state.
func observeMatch(n notify.Notification, topic, stateName string) bool {
	if n.Topic != topic {
		return false
	}
	name, _ := n.Data["stateName"].(string)
	return name == stateName
}

// transmit pushes one observe notification over the client connection.
func (s *Server) transmit(cc mux.Conn, token message.Token, seq uint32, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	m := cc.AcquireMessage(cc.Context())
	defer cc.ReleaseMessage(m)
	m.SetCode(codes.Content)
	m.SetToken(token)
	m.SetContentFormat(message.AppJSON)
	m.SetObserve(seq)
	m.SetBody(bytes.NewReader(payload))
	return cc.WriteMessage(m)
}

func queryValue(queries []string, key string) string {
	for _, q := range queries {
		if v, ok := strings.CutPrefix(q, key+"="); ok {
			return v
		}
	}
	return ""
}

func (s *Server) respond(w mux.ResponseWriter, code codes.Code, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.respondError(w, codes.InternalServerError, "encode response")
		return
	}
	if err := w.SetResponse(code, message.AppJSON, bytes.NewReader(payload)); err != nil {
		s.log.Warn("coap response failed", "error", err)
	}
}

func (s *Server) respondError(w mux.ResponseWriter, code codes.Code, msg string) {
	if err := w.SetResponse(code, message.TextPlain, bytes.NewReader([]byte(msg))); err != nil {
		s.log.Warn("coap response failed", "error", err)
	}
}

// codeFor maps router error codes onto CoAP response codes.
func codeFor(code aemoserr.Code) codes.Code {
	switch code {
	case aemoserr.CodeAuthentication:
		return codes.Unauthorized
	case aemoserr.CodeDeviceNotFound:
		return codes.NotFound
	case aemoserr.CodeValidation, aemoserr.CodeInvalidOrgID, aemoserr.CodeUnknownMessageType:
		return codes.BadRequest
	case aemoserr.CodeBackpressureRejected:
		return codes.ServiceUnavailable
	default:
		return codes.InternalServerError
	}
}
