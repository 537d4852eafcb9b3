package domain

import "time"

// TicketRequest — тикет во внешнем трекере (инцидент, задача, регламентные работы).
type TicketRequest struct {
	WorkspaceID string     `json:"workspaceId"`
	Kind        IntentKind `json:"kind"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Severity    string     `json:"severity,omitempty"`
	Reporter    string     `json:"reporter"`
}

type Ticket struct {
	Key string `json:"key"`
	URL string `json:"url,omitempty"`
}

// EventRequest — встреча в календаре (планирование, post-mortem).
type EventRequest struct {
	WorkspaceID string     `json:"workspaceId"`
	Kind        IntentKind `json:"kind"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Organizer   string     `json:"organizer"`
}

type ScheduledEvent struct {
	ID              string    `json:"id"`
	StartsAt        time.Time `json:"startsAt"`
	DurationMinutes int       `json:"durationMinutes"`
	URL             string    `json:"url,omitempty"`
}
