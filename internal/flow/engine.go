// Package flow implements the conversational intake state machine.
//
// Each identity walks the steps idle → date → time → location → dets → anon →
// [reporter_name → reporter_contact] → media and back to idle. The engine is
// pure turn-to-turn logic: it mutates the session in place and returns the
// outbound reply; loading and saving the session is the dispatcher's job.
package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/minervahq/minerva/internal/models"
)

// Trigger keywords, matched against normalized text.
const (
	KeywordReport = "report"
	KeywordYes    = "yes"
)

// Outbound prompts, one per conversation step.
const (
	PromptWelcome         = "Welcome to the Minerva Incident Reporting System. To begin making a report, send the word \"report\"."
	PromptDate            = "Enter the date of the incident (DD-MM-YYYY):"
	PromptTime            = "What time did it happen? (HH:MM)"
	PromptLocation        = "Where did it occur? You can type a place or share a location."
	PromptDetails         = "Please state the details of the incident."
	PromptAnonymous       = "Do you want to remain anonymous? (yes/no)"
	PromptReporterName    = "Please provide your name:"
	PromptReporterContact = "And your contact info (email or phone)?"
	PromptMediaAnonymous  = "Please send photo or video evidence now."
	PromptMediaNamed      = "Thanks! Now please send the photo or video evidence."
	MsgFinalizeRetry      = "Error saving your evidence. Please send it again."
)

// quoteStripper removes straight and curly quote characters before keyword
// matching, so `"report"` and “report” both trigger the flow.
var quoteStripper = strings.NewReplacer(`'`, "", `"`, "", "“", "", "”", "")

// normalizeKeyword lowers, trims and strips quotes from raw message text for
// comparison against trigger keywords. Stored field values always use the
// raw trimmed text instead, preserving the party's casing and punctuation.
func normalizeKeyword(body string) string {
	return quoteStripper.Replace(strings.ToLower(strings.TrimSpace(body)))
}

// Engine advances intake sessions turn by turn.
type Engine struct {
	finalizer *Finalizer
}

// NewEngine creates an intake engine backed by the given finalizer.
func NewEngine(finalizer *Finalizer) *Engine {
	return &Engine{finalizer: finalizer}
}

// HandleTurn applies one inbound turn to the session and returns the reply to
// send. Free-text steps accept any input as-is; malformed dates and times are
// deliberately stored unvalidated. A finalization failure keeps the session
// at the media step with the draft intact so the party can simply resend.
func (e *Engine) HandleTurn(ctx context.Context, sess *models.Session, turn models.Turn) string {
	body := strings.TrimSpace(turn.Body)
	keyword := normalizeKeyword(turn.Body)

	slog.Debug("Engine HandleTurn", "identity", sess.Identity, "step", sess.Step, "has_media", turn.HasMedia, "has_location", turn.Location != nil)

	switch sess.Step {
	case models.StateIdle:
		if keyword == KeywordReport {
			sess.Step = models.StateDate
			return PromptDate
		}
		return PromptWelcome

	case models.StateDate:
		sess.Data.Date = body
		sess.Step = models.StateTime
		return PromptTime

	case models.StateTime:
		sess.Data.Time = body
		sess.Step = models.StateLocation
		return PromptLocation

	case models.StateLocation:
		// A structured share wins over whatever text came with it; the two
		// representations are mutually exclusive on the draft.
		if turn.Location != nil {
			sess.Data.Location = models.PointLocation(*turn.Location)
		} else {
			sess.Data.Location = models.TextLocation(body)
		}
		sess.Step = models.StateDetails
		return PromptDetails

	case models.StateDetails:
		sess.Data.Details = body
		sess.Step = models.StateAnonymous
		return PromptAnonymous

	case models.StateAnonymous:
		if keyword == KeywordYes {
			sess.Data.Anonymous = true
			sess.Step = models.StateMedia
			return PromptMediaAnonymous
		}
		// Anything other than "yes" means the party identifies themselves.
		sess.Data.Anonymous = false
		sess.Step = models.StateReporterName
		return PromptReporterName

	case models.StateReporterName:
		sess.Data.Reporter = &models.Reporter{Name: body}
		sess.Step = models.StateReporterContact
		return PromptReporterContact

	case models.StateReporterContact:
		sess.Data.Reporter.Contact = body
		sess.Step = models.StateMedia
		return PromptMediaNamed

	case models.StateMedia:
		if !turn.HasMedia {
			// Stay put and repeat the ask until an attachment arrives.
			return PromptMediaAnonymous
		}
		summary, err := e.finalizer.Finalize(ctx, sess, turn)
		if err != nil {
			// Step and draft are preserved so a resent attachment retries
			// the same finalization without repeating earlier steps.
			slog.Error("Engine finalization failed", "error", err, "identity", sess.Identity)
			return MsgFinalizeRetry
		}
		sess.Reset()
		return summary

	default:
		// Sessions only ever hold defined states; a corrupt step is logged
		// and the conversation restarts rather than wedging the identity.
		slog.Error("Engine encountered unknown session step", "identity", sess.Identity, "step", sess.Step)
		sess.Reset()
		return PromptWelcome
	}
}
