package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quizduel-service/internal/app"
	"quizduel-service/internal/domain"
)

// WSHandler upgrades HTTP requests to websockets and wires them into the
// duel use cases. Every client concern travels over the one socket as typed
// JSON messages.
type WSHandler struct {
	participants app.ParticipantStore
	matchmaker   *app.Matchmaker
	async        *app.AsyncManager
	broadcaster  *app.Broadcaster
	registry     *app.Registry
	upgrader     websocket.Upgrader
}

func NewWSHandler(participants app.ParticipantStore, matchmaker *app.Matchmaker, async *app.AsyncManager, broadcaster *app.Broadcaster, registry *app.Registry) *WSHandler {
	return &WSHandler{
		participants: participants,
		matchmaker:   matchmaker,
		async:        async,
		broadcaster:  broadcaster,
		registry:     registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type requestMatchPayload struct {
	Subject string `json:"subject"`
}

type answerPayload struct {
	SessionID string `json:"sessionId"`
	Choice    int    `json:"choice"`
}

type challengePayload struct {
	TargetUsername string `json:"targetUsername"`
	Subject        string `json:"subject"`
}

type respondChallengePayload struct {
	ChallengeID string `json:"challengeId"`
	Accept      bool   `json:"accept"`
}

type asyncCreatePayload struct {
	Subject          string `json:"subject"`
	OpponentUsername string `json:"opponentUsername"`
}

type asyncAnswerPayload struct {
	MatchID string `json:"matchId"`
	Choice  int    `json:"choice"`
	// ResponseTimeMs is client-reported and advisory only.
	ResponseTimeMs int64 `json:"responseTimeMs"`
}

type asyncMatchPayload struct {
	MatchID string `json:"matchId"`
}

type matchedPayload struct {
	SessionID    string `json:"sessionId"`
	Subject      string `json:"subject"`
	OpponentName string `json:"opponentName"`
	YourSide     int    `json:"yourSide"`
}

// conn carries one connected participant's socket state. The send channel is
// drained by a single writer goroutine so websocket writes never interleave.
type conn struct {
	handler       *WSHandler
	participantID string
	displayName   string

	send chan outboundMessage
	done chan struct{}

	mu            sync.Mutex
	session       *app.DuelSession
	sessionCancel func()
}

// ServeWS runs one connection's message loop. Identity is resolved upstream
// by the session layer and arrives as query parameters.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("userId")
	username := r.URL.Query().Get("username")
	displayName := r.URL.Query().Get("name")
	if participantID == "" || username == "" || displayName == "" {
		http.Error(w, "missing userId, username, or name", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := h.participants.Ensure(ctx, participantID, username, displayName); err != nil {
		log.Error().Err(err).Str("participant", participantID).Msg("participant setup failed")
		http.Error(w, "participant setup failed", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer ws.Close()

	c := &conn{
		handler:       h,
		participantID: participantID,
		displayName:   displayName,
		send:          make(chan outboundMessage, 16),
		done:          make(chan struct{}),
	}

	notices, cancelNotices := h.broadcaster.Register(participantID)
	defer cancelNotices()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-c.done:
				return
			case msg := <-c.send:
				if err := ws.WriteJSON(msg); err != nil {
					log.Debug().Err(err).Msg("ws write error")
					return
				}
			}
		}
	}()

	go c.pumpNotices(notices)

	if standings, err := h.broadcaster.Standings(ctx); err == nil {
		c.enqueue(outboundMessage{Type: "standings", Payload: standings})
	}

	for {
		var inbound inboundMessage
		if err := ws.ReadJSON(&inbound); err != nil {
			break
		}
		c.handleMessage(ctx, inbound)
	}

	// A live duel abandoned mid-game is a forfeit, not a pause.
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil && session.State() != app.StateFinished {
		session.Forfeit(context.Background(), participantID)
	}
	c.detachSession()

	close(c.done)
	<-writerDone
}

func (c *conn) handleMessage(ctx context.Context, inbound inboundMessage) {
	h := c.handler
	switch inbound.Type {
	case "requestMatch":
		var p requestMatchPayload
		if !c.decode(inbound.Payload, &p) {
			return
		}
		session, err := h.matchmaker.RequestMatch(ctx, c.participantID, c.displayName, p.Subject)
		if err != nil {
			c.sendError(err)
			return
		}
		c.attachSession(session)
	case "answer":
		var p answerPayload
		if !c.decode(inbound.Payload, &p) {
			return
		}
		session, err := h.registry.Get(p.SessionID)
		if err != nil {
			c.sendError(err)
			return
		}
		ack, err := session.Submit(ctx, c.participantID, p.Choice)
		if err != nil {
			c.sendError(err)
			return
		}
		c.enqueue(outboundMessage{Type: "ack", Payload: ack})
	case "challenge":
		var p challengePayload
		if !c.decode(inbound.Payload, &p) {
			return
		}
		challenge, err := h.broadcaster.CreateChallenge(ctx, c.participantID, c.displayName, p.TargetUsername, p.Subject)
		if err != nil {
			c.sendError(err)
			return
		}
		c.enqueue(outboundMessage{Type: "challengeCreated", Payload: challenge})
	case "respondChallenge":
		var p respondChallengePayload
		if !c.decode(inbound.Payload, &p) {
			return
		}
		session, err := h.broadcaster.RespondToChallenge(ctx, p.ChallengeID, c.participantID, p.Accept)
		if err != nil {
			c.sendError(err)
			return
		}
		if session != nil {
			c.attachSession(session)
		}
	case "asyncCreate":
		var p asyncCreatePayload
		if !c.decode(inbound.Payload, &p) {
			return
		}
		m, err := h.async.CreateMatch(ctx, c.participantID, p.Subject, p.OpponentUsername)
		if err != nil {
			c.sendError(err)
			return
		}
		c.enqueue(outboundMessage{Type: "asyncState", Payload: asyncView(m, c.participantID)})
	case "asyncAnswer":
		var p asyncAnswerPayload
		if !c.decode(inbound.Payload, &p) {
			return
		}
		m, delta, err := h.async.SubmitAnswer(ctx, p.MatchID, c.participantID, p.Choice, time.Duration(p.ResponseTimeMs)*time.Millisecond)
		if err != nil {
			c.sendError(err)
			return
		}
		if delta != nil {
			c.enqueue(outboundMessage{Type: "progress", Payload: delta})
		}
		c.enqueue(outboundMessage{Type: "asyncState", Payload: asyncView(m, c.participantID)})
	case "asyncResign":
		var p asyncMatchPayload
		if !c.decode(inbound.Payload, &p) {
			return
		}
		m, err := h.async.ResignMatch(ctx, p.MatchID, c.participantID)
		if err != nil {
			c.sendError(err)
			return
		}
		c.enqueue(outboundMessage{Type: "asyncState", Payload: asyncView(m, c.participantID)})
	case "asyncGet":
		var p asyncMatchPayload
		if !c.decode(inbound.Payload, &p) {
			return
		}
		m, err := h.async.GetMatch(ctx, p.MatchID, c.participantID)
		if err != nil {
			c.sendError(err)
			return
		}
		c.enqueue(outboundMessage{Type: "asyncState", Payload: asyncView(m, c.participantID)})
	case "asyncList":
		matches, err := h.async.ListMatches(ctx, c.participantID)
		if err != nil {
			c.sendError(err)
			return
		}
		views := make([]asyncMatchView, 0, len(matches))
		for _, m := range matches {
			views = append(views, asyncView(m, c.participantID))
		}
		c.enqueue(outboundMessage{Type: "asyncList", Payload: views})
	case "standings":
		standings, err := h.broadcaster.Standings(ctx)
		if err != nil {
			c.sendError(err)
			return
		}
		c.enqueue(outboundMessage{Type: "standings", Payload: standings})
	default:
		c.enqueue(outboundMessage{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
	}
}

// attachSession subscribes the connection to a live duel's event stream and
// announces the pairing.
func (c *conn) attachSession(session *app.DuelSession) {
	c.detachSession()

	events, cancel := session.Subscribe()
	c.mu.Lock()
	c.session = session
	c.sessionCancel = cancel
	c.mu.Unlock()

	var opponent string
	var side int
	for i, s := range session.Sides() {
		if s.ParticipantID == c.participantID {
			side = i
		} else {
			opponent = s.DisplayName
		}
	}
	c.enqueue(outboundMessage{Type: "matched", Payload: matchedPayload{
		SessionID:    session.ID,
		Subject:      session.Subject,
		OpponentName: opponent,
		YourSide:     side,
	}})
	// The first round may have been issued before this connection attached.
	if ev, ok := session.OpenRound(); ok {
		c.enqueue(outboundMessage{Type: ev.Type, Payload: ev})
	}

	go func() {
		for ev := range events {
			c.enqueue(outboundMessage{Type: ev.Type, Payload: ev})
			if ev.Type == app.EventFinished {
				c.handler.registry.Remove(session.ID)
				c.detachSession()
				return
			}
		}
	}()
}

func (c *conn) detachSession() {
	c.mu.Lock()
	cancel := c.sessionCancel
	c.session = nil
	c.sessionCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pumpNotices forwards broadcaster pushes. An accepted challenge carries the
// new session ID, which the challenger's connection attaches to here.
func (c *conn) pumpNotices(notices <-chan app.Notice) {
	for {
		select {
		case <-c.done:
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			c.enqueue(outboundMessage{Type: n.Type, Payload: n})
			if n.Type == app.NoticeChallengeResult && n.Reason == app.ChallengeAccepted && n.SessionID != "" {
				if session, err := c.handler.registry.Get(n.SessionID); err == nil {
					c.attachSession(session)
				}
			}
		}
	}
}

func (c *conn) decode(raw json.RawMessage, into any) bool {
	if err := json.Unmarshal(raw, into); err != nil {
		c.enqueue(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid payload"}})
		return false
	}
	return true
}

func (c *conn) sendError(err error) {
	c.enqueue(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
}

// enqueue never blocks the caller. When the writer falls behind, the oldest
// queued message is dropped in favor of the new one.
func (c *conn) enqueue(msg outboundMessage) {
	select {
	case c.send <- msg:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// asyncMatchView is the participant-scoped projection of an async match.
// Questions on rounds still open ship without the answer key, and the
// opponent's move on the open round stays hidden.
type asyncMatchView struct {
	ID           string           `json:"id"`
	Subject      string           `json:"subject"`
	Status       string           `json:"status"`
	YourSide     int              `json:"yourSide"`
	Scores       [2]int           `json:"scores"`
	RoundLimit   int              `json:"roundLimit"`
	WinnerIdx    int              `json:"winnerIdx"`
	Unread       bool             `json:"unread"`
	YourTurn     bool             `json:"yourTurn"`
	Rounds       []asyncRoundView `json:"rounds"`
	LastActivity time.Time        `json:"lastActivity"`
}

type asyncRoundView struct {
	Question       domain.ServedQuestion `json:"question"`
	CorrectIdx     *int                  `json:"correctIdx,omitempty"`
	Explanation    string                `json:"explanation,omitempty"`
	YourAnswer     *domain.AsyncAnswer   `json:"yourAnswer,omitempty"`
	OpponentAnswer *domain.AsyncAnswer   `json:"opponentAnswer,omitempty"`
	Closed         bool                  `json:"closed"`
}

func asyncView(m *domain.AsyncMatch, participantID string) asyncMatchView {
	idx := m.PlayerIndex(participantID)
	if idx < 0 {
		idx = 0
	}
	view := asyncMatchView{
		ID:           m.ID,
		Subject:      m.Subject,
		Status:       string(m.Status),
		YourSide:     idx,
		Scores:       m.Scores,
		RoundLimit:   m.RoundLimit,
		WinnerIdx:    m.WinnerIdx,
		Unread:       m.Unread[idx],
		LastActivity: m.LastActivity,
		Rounds:       make([]asyncRoundView, 0, len(m.Rounds)),
	}
	for i := range m.Rounds {
		round := &m.Rounds[i]
		closed := round.Answers[0] != nil && round.Answers[1] != nil
		rv := asyncRoundView{
			Question:   round.Question.Served(),
			YourAnswer: round.Answers[idx],
			Closed:     closed,
		}
		if closed || m.Terminal() {
			correct := round.Question.CorrectIdx
			rv.CorrectIdx = &correct
			rv.Explanation = round.Question.Explanation
			rv.OpponentAnswer = round.Answers[1-idx]
		}
		view.Rounds = append(view.Rounds, rv)
	}
	if open := m.CurrentRound(); open != nil && !m.Terminal() {
		view.YourTurn = open.Answers[idx] == nil
	}
	return view
}
