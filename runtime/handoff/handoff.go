// Package handoff decides when a conversation must leave the automated
// agent and reach a human salesperson.
//
// The router is a deterministic keyword classifier over the inbound message
// and the generated reply. It exists because some topics are off-limits for
// the agent (financing terms, legal questions) and some moments are simply
// better handled by a person (a confirmed test drive).
package handoff

import (
	"fmt"
	"regexp"
	"strings"
)

// Reason categorizes why a conversation handed off.
type Reason string

const (
	ReasonFinancing            Reason = "financing"
	ReasonTradeIn              Reason = "trade_in"
	ReasonPricing              Reason = "pricing"
	ReasonAppointmentScheduled Reason = "appointment_scheduled"
	ReasonTestDriveScheduling  Reason = "test_drive_scheduling"
	ReasonTestDriveConfirmed   Reason = "test_drive_time_confirmed"
	ReasonLegalCompliance      Reason = "legal_compliance"
	ReasonMediaRequests        Reason = "media_requests"
	ReasonUncertainty          Reason = "uncertainty"
	ReasonOutOfScope           Reason = "out_of_scope"
)

// Input carries everything the router looks at for one message.
type Input struct {
	// UserText is the inbound customer message.
	UserText string
	// ReplyText is the generated reply about to be sent.
	ReplyText string
	// HasAppointment is set when the lead already has a booked appointment.
	HasAppointment bool
	// SchedulingContext is set when the conversation is negotiating a
	// visit. Bare time expressions ("2pm") only count as confirmations
	// here; outside a scheduling exchange they are just words.
	SchedulingContext bool
}

// Decision is the router's verdict.
type Decision struct {
	// ShouldHandoff is true when a human should take over.
	ShouldHandoff bool
	// Reason is the matched category, empty when not handing off.
	Reason Reason
	// Reasoning names the trigger for logs and the handoff notification.
	Reasoning string
}

// category pairs a reason with its trigger keywords. Order matters: the
// first matching category wins.
type category struct {
	reason   Reason
	keywords []string
}

var userCategories = []category{
	{ReasonFinancing, []string{
		"financing", "finance", "loan", "apr", "interest rate", "credit",
		"monthly payment", "down payment", "lease",
	}},
	{ReasonTradeIn, []string{
		"trade-in", "trade in", "trade my", "value my car", "kbb",
	}},
	{ReasonPricing, []string{
		"best price", "lowest price", "discount", "negotiate", "negotiable",
		"out the door", "otd price", "price match",
	}},
	// No "come in" keyword: it matches "does it come in blue".
	{ReasonTestDriveScheduling, []string{
		"test drive", "test-drive", "come by", "stop by",
		"swing by", "schedule a visit", "make an appointment",
	}},
	{ReasonLegalCompliance, []string{
		"legal", "lawyer", "lawsuit", "lemon law", "warranty claim",
		"refund", "contract terms", "return policy",
	}},
	{ReasonMediaRequests, []string{
		"photo", "photos", "picture", "pictures", "pics", "video", "videos",
		"more images", "carfax",
	}},
	{ReasonOutOfScope, []string{
		"insurance", "registration", "dmv", "ship it", "shipping",
		"out of state delivery",
	}},
}

// uncertaintyPhrases trigger on the generated reply, not the user text. An
// agent that admits it cannot answer should not keep the conversation.
var uncertaintyPhrases = []string{
	"i'm not sure",
	"i am not sure",
	"i don't know",
	"i do not know",
	"unable to answer",
	"can't help with",
	"cannot help with",
}

// appointmentScheduledPhrases in the generated reply signal that a visit was
// just locked in.
var appointmentScheduledPhrases = []string{
	"see you at",
	"see you on",
	"you're all set",
	"you are all set",
	"confirmed for",
	"booked you",
	"appointment is set",
}

var appointmentTimeQuestions = []string{
	"what time",
	"when is my",
	"when's my",
	"time of my appointment",
	"when do i come in",
}

// timeTokenRe matches explicit time expressions: "2pm", "10:30am",
// "tomorrow at 9", "monday at 2".
var timeTokenRe = regexp.MustCompile(`\b(\d{1,2}(:\d{2})?\s*(am|pm))\b|\b(tomorrow|today|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+at\s+\d{1,2}(:\d{2})?\b`)

// Evaluate runs the router over one exchange.
//
// Evaluation order, first match wins: existing-appointment questions stay
// with the agent, new test drive requests hand off; explicit time
// confirmations hand off while in a scheduling exchange; then the keyword
// categories in declaration order; finally the generated reply is scanned
// for appointment confirmations and uncertainty.
func Evaluate(in Input) Decision {
	user := strings.ToLower(in.UserText)
	reply := strings.ToLower(in.ReplyText)

	if in.HasAppointment {
		if matchAny(user, appointmentTimeQuestions) != "" {
			return Decision{}
		}
		if kw := matchCategory(user, ReasonTestDriveScheduling); kw != "" {
			return handoff(ReasonTestDriveScheduling, kw)
		}
	}

	if in.SchedulingContext {
		if m := timeTokenRe.FindString(user); m != "" {
			return handoff(ReasonTestDriveConfirmed, m)
		}
	}

	for _, cat := range userCategories {
		if kw := matchAny(user, cat.keywords); kw != "" {
			return handoff(cat.reason, kw)
		}
	}

	if kw := matchAny(reply, appointmentScheduledPhrases); kw != "" {
		return handoff(ReasonAppointmentScheduled, kw)
	}
	if kw := matchAny(reply, uncertaintyPhrases); kw != "" {
		return handoff(ReasonUncertainty, kw)
	}

	return Decision{}
}

// CannedMessage returns the customer-facing text sent when a conversation
// hands off for the given reason.
func CannedMessage(r Reason) string {
	switch r {
	case ReasonFinancing:
		return "Great question! Our finance team can walk you through all the options. One of our specialists will text you shortly."
	case ReasonTradeIn:
		return "We'd love to take a look at your trade-in. One of our team members will reach out to get a few details and a quote started."
	case ReasonPricing:
		return "Let me connect you with one of our sales specialists who can go over pricing with you. They'll text you shortly."
	case ReasonAppointmentScheduled, ReasonTestDriveConfirmed:
		return "You're all set! One of our team members will confirm the details with you shortly. Looking forward to seeing you!"
	case ReasonTestDriveScheduling:
		return "We'd be happy to get that set up. One of our team members will text you to find a time that works."
	case ReasonLegalCompliance:
		return "That's an important question. A member of our management team will follow up with you directly."
	case ReasonMediaRequests:
		return "Happy to help with that! One of our team members will send those over shortly."
	case ReasonUncertainty, ReasonOutOfScope:
		return "Let me get you someone who can help with that. One of our team members will text you shortly."
	}
	return "One of our team members will be in touch shortly."
}

func handoff(r Reason, trigger string) Decision {
	return Decision{
		ShouldHandoff: true,
		Reason:        r,
		Reasoning:     fmt.Sprintf("matched %q", trigger),
	}
}

func matchAny(text string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

func matchCategory(text string, r Reason) string {
	for _, cat := range userCategories {
		if cat.reason == r {
			return matchAny(text, cat.keywords)
		}
	}
	return ""
}
