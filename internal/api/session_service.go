package api

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/dfchat/internal/bus"
	"github.com/matheus3301/dfchat/internal/session"
	"github.com/matheus3301/dfchat/internal/status"
	"github.com/matheus3301/dfchat/internal/store"
	chatsync "github.com/matheus3301/dfchat/internal/sync"
)

// Connection is the part of the connection manager the session service
// drives directly.
type Connection interface {
	Connect(ctx context.Context, id session.Identity)
	Disconnect()
	IsOpen() bool
	Pending() int
}

// SessionService implements dfchat.v1.SessionService.
type SessionService struct {
	sessionName  string
	instance     string
	identityPath string
	startedAt    time.Time
	machine      *status.Machine
	engine       *chatsync.Engine
	conn         Connection
	db           *store.DB
	bus          *bus.Bus
	logger       *zap.Logger
}

// SessionDeps groups the collaborators of a SessionService.
type SessionDeps struct {
	SessionName  string
	Instance     string
	IdentityPath string
	Machine      *status.Machine
	Engine       *chatsync.Engine
	Conn         Connection
	DB           *store.DB
	Bus          *bus.Bus
	Logger       *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(d SessionDeps) *SessionService {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessionName:  d.SessionName,
		instance:     d.Instance,
		identityPath: d.IdentityPath,
		startedAt:    time.Now(),
		machine:      d.Machine,
		engine:       d.Engine,
		conn:         d.Conn,
		db:           d.DB,
		bus:          d.Bus,
		logger:       logger,
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	current := s.machine.Current()
	id := s.engine.Identity()

	resp := map[string]any{
		"session":            s.sessionName,
		"instance":           s.instance,
		"status":             string(current),
		"since_ms":           millis(s.machine.Since()),
		"uptime_ms":          time.Since(s.startedAt).Milliseconds(),
		"logged_in":          id.Valid(),
		"user_id":            id.UserID,
		"connected":          s.conn.IsOpen(),
		"pending":            s.conn.Pending(),
		"active_chat":        s.engine.Active(),
		"conversation_count": len(s.engine.Conversations()),
	}

	if s.bus != nil {
		resp["dropped_events"] = s.bus.Dropped()
	}
	if s.db != nil {
		if counts, err := s.db.Counts(); err == nil {
			resp["cached_conversations"] = counts.Conversations
			resp["cached_messages"] = counts.Messages
		}
		if v, err := s.db.Checkpoint(store.CheckpointLastHydrated); err == nil && v != "" {
			resp["last_hydrated_ms"] = v
		}
	}

	return respond(resp)
}

// Login stores the identity issued by the service's login flow and starts
// the session with it.
func (s *SessionService) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := session.Identity{
		UserID: optionalInt(req, "user_id"),
		Token:  stringField(req, "session_id"),
	}
	if !id.Valid() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "user_id and session_id are required")
	}

	if current := s.engine.Identity(); current.Valid() {
		if current == id {
			s.conn.Connect(ctx, id)
			return respond(map[string]any{"success": true, "message": "already logged in"})
		}
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "logged in as user %d; logout first", current.UserID)
	}

	if err := session.SaveIdentity(s.identityPath, id); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "save identity: %v", err)
	}
	s.logger.Info("identity stored", zap.Int64("user_id", id.UserID))

	s.engine.Start(ctx, id)
	return respond(map[string]any{
		"success":       true,
		"message":       "logged in",
		"status":        string(s.machine.Current()),
		"conversations": len(s.engine.Conversations()),
	})
}

func (s *SessionService) Connect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	id := s.engine.Identity()
	if !id.Valid() {
		return nil, toStatus("connect", session.ErrNoIdentity, codes.Internal)
	}
	if s.conn.IsOpen() {
		return respond(map[string]any{"success": true, "message": "already connected", "status": string(s.machine.Current())})
	}
	s.conn.Connect(ctx, id)
	return respond(map[string]any{
		"success": s.conn.IsOpen(),
		"status":  string(s.machine.Current()),
	})
}

// Disconnect closes the real-time connection and drops queued sends. The
// session stays logged in.
func (s *SessionService) Disconnect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	dropped := s.conn.Pending()
	s.conn.Disconnect()
	return respond(map[string]any{"success": true, "dropped": dropped})
}

// Logout disconnects, clears every piece of session state and removes the
// stored identity. A failed signout call is reported but does not keep the
// session alive.
func (s *SessionService) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if !s.engine.Identity().Valid() {
		if _, err := session.LoadIdentity(s.identityPath); errors.Is(err, session.ErrNoIdentity) {
			return respond(map[string]any{"success": true, "message": "not logged in"})
		}
	}

	message := "logged out"
	if err := s.engine.Logout(ctx); err != nil {
		message = "logged out locally; " + err.Error()
	}
	if err := session.ClearIdentity(s.identityPath); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "remove identity: %v", err)
	}
	if err := s.machine.Transition(status.AuthRequired); err != nil {
		s.logger.Debug("status after logout", zap.Error(err))
	}
	s.logger.Info("session logged out")
	return respond(map[string]any{"success": true, "message": message})
}
