package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventClock    Event = "reloj"
	EventFinished Event = "finalizado"
	EventError    Event = "error"
	EventPong     Event = "pong"
)

// Message is the decoded form of any server event. Fields that do not apply
// to an event are left zero.
type Message struct {
	Event     Event    `json:"event"`
	AttemptID string   `json:"intentoId,omitempty"`
	Remaining int      `json:"restante"`
	Expired   bool     `json:"expirado,omitempty"`
	Score     *float64 `json:"puntaje,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ClockResponse reports the server's view of the seconds left in an attempt.
type ClockResponse struct {
	Event     Event  `json:"event"`
	AttemptID string `json:"intentoId"`
	Remaining int    `json:"restante"`
}

// FinishedResponse announces that an attempt was finalized, either by a
// submission or by the expiry sweep.
type FinishedResponse struct {
	Event     Event    `json:"event"`
	AttemptID string   `json:"intentoId"`
	Expired   bool     `json:"expirado"`
	Score     *float64 `json:"puntaje,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
