package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"colorspin/internal/game"
	"colorspin/internal/models"
	"colorspin/internal/store"
)

const defaultRoom = "main"

// getGameStateHandler returns the current round snapshot for a room.
func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	room := c.Query("room", defaultRoom)
	playerID := c.Query("player_id", "")

	state, err := s.engine.GameState(c.Context(), room, playerID)
	if err != nil {
		log.WithError(err).WithField("room", room).Error("[API] game state failed")
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load game state",
		})
	}
	return c.JSON(state)
}

// getUserBalanceHandler returns a player's wallet balance.
func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	balance, err := s.store.Ledger().Balance(c.Context(), userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load balance",
		})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}

// setUserBalanceHandler adjusts a player's wallet to a target balance.
// The correction lands in the ledger like any other movement.
func (s *FiberServer) setUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	var body struct {
		Balance int64 `json:"balance"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ledger := s.store.Ledger()
	if err := ledger.EnsureAccount(c.Context(), userID, 0); err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to set balance",
		})
	}
	current, err := ledger.Balance(c.Context(), userID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to set balance",
		})
	}
	if delta := body.Balance - current; delta != 0 {
		if _, err := ledger.RecordAdjustment(c.Context(), userID, delta, "operator balance set"); err != nil {
			return c.Status(500).JSON(fiber.Map{
				"error": "Failed to set balance",
			})
		}
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": body.Balance,
		"message": "Balance updated successfully",
	})
}

// setColorOverrideHandler pre-selects the result color for a room's
// active round. First writer wins; a second override is rejected.
func (s *FiberServer) setColorOverrideHandler(c *fiber.Ctx) error {
	room := c.Params("room")

	var body struct {
		Color string `json:"color"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	override, err := s.engine.SetColorOverride(c.Context(), room, models.Color(body.Color), models.OverrideByAdmin)
	if err != nil {
		switch {
		case game.IsValidation(err):
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, store.ErrOverrideExists):
			return c.Status(409).JSON(fiber.Map{"error": "Round result already selected"})
		}
		log.WithError(err).WithField("room", room).Error("[API] override failed")
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to set override",
		})
	}
	return c.JSON(override)
}

// forceSettleHandler settles a room's active round immediately.
func (s *FiberServer) forceSettleHandler(c *fiber.Ctx) error {
	room := c.Params("room")

	round, err := s.engine.EnsureActiveRound(c.Context(), room)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "No active round",
		})
	}
	if err := s.engine.SettleRound(c.Context(), room, round.ID); err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Settlement failed",
		})
	}
	return c.JSON(fiber.Map{
		"round_id": round.ID,
		"message":  "Round settled",
	})
}

// recoveryScanHandler triggers one recovery sweep on demand.
func (s *FiberServer) recoveryScanHandler(c *fiber.Ctx) error {
	s.monitor.Scan(c.Context())
	return c.JSON(fiber.Map{
		"message": "Recovery scan completed",
	})
}

// gameWebSocketHandler owns one client connection: it registers the
// viewer with the hub, pushes the initial snapshot and dispatches
// inbound messages until the socket closes.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")
	room := conn.Query("room", defaultRoom)
	admin := conn.Query("admin") == "1"

	log.WithFields(log.Fields{"player": userID, "room": room, "admin": admin}).Info("[WS] New connection")

	client := s.hub.RegisterClient(conn, userID, room, admin)
	ctx := context.Background()

	if err := s.store.Ledger().EnsureAccount(ctx, userID, s.cfg.InitialBalance); err != nil {
		log.WithError(err).WithField("player", userID).Error("[WS] account setup failed")
	}
	s.sendGameState(ctx, client, userID, room)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.WithFields(log.Fields{"player": userID, "room": room}).Info("[WS] Connection closed")
			s.hub.UnregisterClient(client)
			if s.hub.RoomViewerCount(room) == 0 {
				s.engine.ReleaseRoom(ctx, room)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg game.InboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendEvent(game.Event{Type: "error", Data: fiber.Map{"message": "Malformed message"}})
			continue
		}

		s.handleInbound(ctx, client, userID, room, msg)
	}
}

func (s *FiberServer) handleInbound(ctx context.Context, client *game.Client, userID, room string, msg game.InboundMessage) {
	switch msg.Type {
	case game.InboundPlaceBet:
		s.handlePlaceBet(ctx, client, userID, room, msg)

	case game.InboundGetGameState:
		s.sendGameState(ctx, client, userID, room)

	case game.InboundAck:
		s.delivery.Acknowledge(msg.MessageID)

	case game.InboundPing:
		client.SendEvent(game.Event{Type: "pong"})

	default:
		client.SendEvent(game.Event{Type: "error", Data: fiber.Map{"message": "Unknown message type"}})
	}
}

// betRequestFromMessage maps an inbound envelope onto a bet request. A
// number bet with no number field is rejected here: leaving it to
// default would silently stake the player on 0.
func betRequestFromMessage(userID string, msg game.InboundMessage) (game.BetRequest, error) {
	req := game.BetRequest{
		PlayerID: userID,
		RoundID:  msg.RoundID,
		Kind:     models.BetKind(msg.Kind),
		Amount:   msg.Amount,
	}
	if msg.ClientTimestamp > 0 {
		req.ClientTimestamp = time.UnixMilli(msg.ClientTimestamp)
	}
	switch req.Kind {
	case models.BetKindColor:
		req.Color = models.Color(msg.Color)
	case models.BetKindNumber:
		if msg.Number == nil {
			return game.BetRequest{}, errors.New("Number bet requires a number")
		}
		req.Number = *msg.Number
	}
	return req, nil
}

func (s *FiberServer) handlePlaceBet(ctx context.Context, client *game.Client, userID, room string, msg game.InboundMessage) {
	req, err := betRequestFromMessage(userID, msg)
	if err != nil {
		client.SendEvent(game.Event{Type: "bet_response", Data: game.BetResponse{
			Success: false,
			Message: err.Error(),
		}})
		return
	}

	bet, balance, err := s.engine.PlaceBet(ctx, room, req)
	if err != nil {
		client.SendEvent(game.Event{Type: "bet_response", Data: game.BetResponse{
			Success: false,
			Message: err.Error(),
		}})
		return
	}
	client.SendEvent(game.Event{Type: "bet_response", Data: game.BetResponse{
		Success: true,
		Message: "Bet placed",
		BetID:   bet.ID,
		Balance: balance,
	}})
}

func (s *FiberServer) sendGameState(ctx context.Context, client *game.Client, userID, room string) {
	state, err := s.engine.GameState(ctx, room, userID)
	if err != nil {
		log.WithError(err).WithField("room", room).Error("[WS] game state failed")
		client.SendEvent(game.Event{Type: "error", Data: fiber.Map{"message": "Failed to load game state"}})
		return
	}
	s.delivery.Send(game.Target{Room: room, PlayerID: userID}, game.Event{Type: game.EventGameState, Data: state}, game.SendOptions{})
}
