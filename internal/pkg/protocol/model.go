package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEmptyPayload = errors.New("empty payload")

// Inbound message types.
const (
	TypeJoinQueue       = "joinQueue"
	TypeStakingComplete = "stakingComplete"
	TypeStakingFailed   = "stakingFailed"
	TypePing            = "ping"
)

// Outbound message types.
const (
	TypeAck                   = "ack"
	TypePong                  = "pong"
	TypeMatchFound            = "matchFound"
	TypeGameReady             = "gameReady"
	TypeOpponentStakingFailed = "opponentStakingFailed"
	TypeStakingError          = "stakingError"
	TypeMatchExpired          = "matchExpired"
	TypeMatchSettled          = "matchSettled"
	TypeError                 = "error"
)

const (
	StatusWaiting = "waiting"
	StatusMatched = "matched"
)

const (
	RoleFirst  = "first"
	RoleSecond = "second"
)

type Envelope struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinQueue struct {
	Stake json.Number `json:"stake"`
}

type MatchRef struct {
	MatchID string `json:"matchId"`
}

type Ack struct {
	Status  string `json:"status,omitempty"`
	MatchID string `json:"matchId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type MatchFound struct {
	Opponent string `json:"opponent"`
	MatchID  string `json:"matchId"`
	Role     string `json:"role"`
	Stake    string `json:"stake"`
}

type StakingError struct {
	MatchID string `json:"matchId"`
	Reason  string `json:"reason"`
}

type MatchSettled struct {
	MatchID string `json:"matchId"`
	Winner  string `json:"winner"`
	TxHash  string `json:"txHash,omitempty"`
}

type Error struct {
	Reason string `json:"reason"`
}

// New builds an envelope with the payload marshaled to JSON.
func New(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}

	if payload == nil {
		return env, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}

	env.Payload = raw

	return env, nil
}

// MustNew is New for payloads made only of plain fields.
func MustNew(msgType string, payload any) Envelope {
	env, err := New(msgType, payload)
	if err != nil {
		panic(err)
	}

	return env
}

// Reply builds an envelope correlated to a request id.
func Reply(id uint64, msgType string, payload any) Envelope {
	env := MustNew(msgType, payload)
	env.ID = id

	return env
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: %w", e.Type, ErrEmptyPayload)
	}

	err := json.Unmarshal(e.Payload, out)
	if err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}

	return nil
}
