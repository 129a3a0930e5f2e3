package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/common"
	"github.com/vreid/trix/internal/pkg/matchmaker"
	"github.com/vreid/trix/internal/pkg/protocol"
	"github.com/vreid/trix/internal/pkg/registry"
	"nhooyr.io/websocket"
)

const (
	DefaultPingInterval = 15 * time.Second

	closedReason = "connection closed"
)

var ErrMissingIdentity = errors.New("missing identity token")

// LobbyService serves the player websocket and turns its messages into
// matchmaker calls.
type LobbyService struct {
	Matchmaker *matchmaker.MatchmakerService
	Registry   *registry.RegistryService
	Logger     zerolog.Logger

	OriginPatterns []string
	PingInterval   time.Duration
}

func NewLobbyService(i do.Injector) (*LobbyService, error) {
	matchmakerService := do.MustInvoke[*matchmaker.MatchmakerService](i)
	allowedOrigins := do.MustInvokeNamed[[]string](i, "allowed-origins")
	logger := do.MustInvoke[zerolog.Logger](i)

	result := New(matchmakerService, logger)
	result.OriginPatterns = originPatterns(allowedOrigins)

	echoService := do.MustInvoke[*common.EchoService](i)

	echoService.Register(func(e *echo.Echo) {
		e.GET("/ws", result.GetSocket)
	})

	return result, nil
}

func New(matchmakerService *matchmaker.MatchmakerService, logger zerolog.Logger) *LobbyService {
	return &LobbyService{
		Matchmaker: matchmakerService,
		Registry:   matchmakerService.Registry,
		Logger:     logger,

		PingInterval: DefaultPingInterval,
	}
}

// GetSocket authenticates the player before upgrading the connection.
func (s *LobbyService) GetSocket(c echo.Context) error {
	identity, err := Identity(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	//nolint:exhaustruct
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		// Accept already wrote the response
		s.Logger.Debug().Err(err).Str("player", identity).Msg("websocket upgrade failed")

		return nil
	}

	s.Serve(c.Request().Context(), newClient(identity, conn, s.Logger))

	return nil
}

// Serve registers client as the player's connection and reads its messages
// until the socket closes.
func (s *LobbyService) Serve(ctx context.Context, client *Client) {
	s.Registry.Register(client.identity, client)

	client.logger.Info().Msg("player connected")

	ctx, cancel := context.WithCancel(ctx)

	written := make(chan struct{})

	go func() {
		defer close(written)

		client.writeLoop(ctx, s.PingInterval)
	}()

	defer func() {
		client.Close(closedReason)
		<-written
		cancel()

		s.Registry.Unregister(client.identity, client)

		// entries queued from a displaced connection leave with it
		s.Matchmaker.Disconnect(client.identity, client.id)

		client.logger.Info().Msg("player disconnected")
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}

		var env protocol.Envelope

		err = json.Unmarshal(data, &env)
		if err != nil || env.Type == "" {
			_ = client.Send(protocol.MustNew(protocol.TypeError, protocol.Error{Reason: "invalid message"}))

			continue
		}

		go s.dispatch(ctx, client, env)
	}
}

func (s *LobbyService) dispatch(ctx context.Context, client *Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		_ = client.Send(protocol.Reply(env.ID, protocol.TypePong, nil))
	case protocol.TypeJoinQueue:
		s.joinQueue(ctx, client, env)
	case protocol.TypeStakingComplete:
		s.stakingComplete(ctx, client, env)
	case protocol.TypeStakingFailed:
		s.stakingFailed(client, env)
	default:
		_ = client.Send(protocol.Reply(env.ID, protocol.TypeError, protocol.Error{Reason: "unknown message type"}))
	}
}

func (s *LobbyService) joinQueue(ctx context.Context, client *Client, env protocol.Envelope) {
	var request protocol.JoinQueue

	err := env.Decode(&request)
	if err != nil {
		s.nack(client, env, err)

		return
	}

	result, err := s.Matchmaker.JoinQueue(ctx, client.identity, request.Stake.String(), client.id)
	if err != nil {
		// a failed creation still leaves the player queued
		if result.Status == protocol.StatusWaiting {
			client.logger.Warn().Err(err).Msg("join degraded to waiting")
			_ = client.Send(protocol.Reply(env.ID, protocol.TypeAck, protocol.Ack{Status: result.Status}))

			return
		}

		s.nack(client, env, err)

		return
	}

	_ = client.Send(protocol.Reply(env.ID, protocol.TypeAck, protocol.Ack{
		Status:  result.Status,
		MatchID: result.MatchID,
	}))
}

func (s *LobbyService) stakingComplete(ctx context.Context, client *Client, env protocol.Envelope) {
	var request protocol.MatchRef

	err := env.Decode(&request)
	if err != nil {
		s.nack(client, env, err)

		return
	}

	err = s.Matchmaker.ReportStakeComplete(ctx, request.MatchID, client.identity)
	if err != nil {
		s.nack(client, env, err)

		return
	}

	_ = client.Send(protocol.Reply(env.ID, protocol.TypeAck, protocol.Ack{MatchID: request.MatchID}))
}

func (s *LobbyService) stakingFailed(client *Client, env protocol.Envelope) {
	var request protocol.MatchRef

	err := env.Decode(&request)
	if err != nil {
		s.nack(client, env, err)

		return
	}

	err = s.Matchmaker.ReportStakeFailed(request.MatchID, client.identity)
	if err != nil {
		s.nack(client, env, err)

		return
	}

	_ = client.Send(protocol.Reply(env.ID, protocol.TypeAck, protocol.Ack{MatchID: request.MatchID}))
}

func (s *LobbyService) nack(client *Client, env protocol.Envelope, err error) {
	client.logger.Debug().Err(err).Str("type", env.Type).Msg("request rejected")

	_ = client.Send(protocol.Reply(env.ID, protocol.TypeAck, protocol.Ack{Error: err.Error()}))
}

// Identity reads the player's wallet address from the token query parameter
// or a bearer Authorization header.
func Identity(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")

	if token == "" {
		if auth := r.Header.Get(echo.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	if token == "" {
		return "", ErrMissingIdentity
	}

	//nolint:wrapcheck
	return chain.NormalizeAddress(token)
}

// originPatterns turns allowed origins into the host patterns websocket.Accept
// matches the Origin header against.
func originPatterns(origins []string) []string {
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		if origin == "*" {
			result = append(result, "*")

			continue
		}

		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			continue
		}

		result = append(result, u.Host)
	}

	return result
}
