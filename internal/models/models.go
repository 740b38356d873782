// Package models defines the domain types shared across Minerva components:
// conversation states, inbound turns, report drafts, sessions and final reports.
package models

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// State identifies the current step of an identity's intake conversation.
type State string

// Conversation states, in the order a report walks through them. The
// reporter_name/reporter_contact pair is visited only when the party chooses
// not to remain anonymous.
const (
	StateIdle            State = "idle"
	StateDate            State = "date"
	StateTime            State = "time"
	StateLocation        State = "location"
	StateDetails         State = "dets"
	StateAnonymous       State = "anon"
	StateReporterName    State = "reporter_name"
	StateReporterContact State = "reporter_contact"
	StateMedia           State = "media"
)

// Valid reports whether s is one of the defined conversation states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateDate, StateTime, StateLocation, StateDetails,
		StateAnonymous, StateReporterName, StateReporterContact, StateMedia:
		return true
	}
	return false
}

// Attachment holds evidence bytes fetched from the transport together with
// the declared media type (e.g. "image/jpeg").
type Attachment struct {
	MediaType string
	Data      []byte
}

// AttachmentFetcher lazily downloads an attachment from the transport.
// Fetching is deferred so that turns without media never touch the network.
type AttachmentFetcher func(ctx context.Context) (Attachment, error)

// Turn is one inbound event from the chat transport.
type Turn struct {
	From       string            // sender identity (canonical phone number)
	Body       string            // raw trimmed message text, possibly empty
	HasMedia   bool              // an attachment is present on the message
	FetchMedia AttachmentFetcher // non-nil iff HasMedia
	Location   *GeoPoint         // structured location share, if any
	Time       int64             // unix timestamp of the message
}

// GeoPoint is a structured location shared through the transport.
type GeoPoint struct {
	Latitude  float64 `json:"latitude" bson:"latitude"`
	Longitude float64 `json:"longitude" bson:"longitude"`
	Name      string  `json:"name,omitempty" bson:"name,omitempty"`
	Address   string  `json:"address,omitempty" bson:"address,omitempty"`
}

// Location is where the incident occurred. It is a two-variant union: either
// Text or Point is set, never both.
type Location struct {
	Text  string    `json:"text,omitempty" bson:"text,omitempty"`
	Point *GeoPoint `json:"point,omitempty" bson:"point,omitempty"`
}

// TextLocation returns a free-text location.
func TextLocation(text string) *Location {
	return &Location{Text: text}
}

// PointLocation returns a structured location.
func PointLocation(p GeoPoint) *Location {
	return &Location{Point: &p}
}

// IsStructured reports whether the location carries coordinates.
func (l *Location) IsStructured() bool {
	return l != nil && l.Point != nil
}

// Render formats the location for a human-readable summary: coordinates
// (with the place name when present) for structured locations, the text
// as-is otherwise.
func (l *Location) Render() string {
	if l == nil {
		return ""
	}
	if l.Point != nil {
		if l.Point.Name != "" {
			return fmt.Sprintf("%.6f, %.6f (%s)", l.Point.Latitude, l.Point.Longitude, l.Point.Name)
		}
		return fmt.Sprintf("%.6f, %.6f", l.Point.Latitude, l.Point.Longitude)
	}
	return l.Text
}

// Reporter identifies a non-anonymous reporting party. The two fields are
// filled across two consecutive turns.
type Reporter struct {
	Name    string `json:"name" bson:"name"`
	Contact string `json:"contact" bson:"contact"`
}

// Evidence points at the stored attachment file and its public URL.
// It is populated only during finalization.
type Evidence struct {
	Path string `json:"path" bson:"path"`
	URL  string `json:"url" bson:"url"`
}

// ReportDraft accumulates report fields over the course of a conversation.
// All fields are unset until the corresponding step has been answered.
// Reporter is present iff Anonymous is false and the reporter steps ran.
type ReportDraft struct {
	Date      string    `json:"date,omitempty"`
	Time      string    `json:"time,omitempty"`
	Location  *Location `json:"location,omitempty"`
	Details   string    `json:"details,omitempty"`
	Anonymous bool      `json:"anonymous"`
	Reporter  *Reporter `json:"reporter,omitempty"`
}

// Session tracks one identity's in-progress conversation. Exactly one
// session exists per identity; it is created lazily on the first turn and
// reset to idle with a fresh draft after successful finalization.
type Session struct {
	Identity  string      `json:"identity"`
	Step      State       `json:"step"`
	Data      ReportDraft `json:"data"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewSession returns a fresh idle session for the given identity.
func NewSession(identity string) *Session {
	now := time.Now()
	return &Session{
		Identity:  identity,
		Step:      StateIdle,
		Data:      ReportDraft{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Reset returns the session to idle with an empty draft.
func (s *Session) Reset() {
	s.Step = StateIdle
	s.Data = ReportDraft{}
	s.UpdatedAt = time.Now()
}

// FinalReport is the immutable record persisted once a draft is complete and
// its evidence has been stored. It is never mutated after insertion.
type FinalReport struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	PublicID  string             `bson:"public_id" json:"public_id"`
	Source    string             `bson:"source" json:"source"`
	Date      string             `bson:"date" json:"date"`
	Time      string             `bson:"time" json:"time"`
	Location  *Location          `bson:"location,omitempty" json:"location,omitempty"`
	Details   string             `bson:"details" json:"details"`
	Anonymous bool               `bson:"anonymous" json:"anonymous"`
	Reporter  *Reporter          `bson:"reporter,omitempty" json:"reporter,omitempty"`
	Evidence  Evidence           `bson:"evidence" json:"evidence"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}
