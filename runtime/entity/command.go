package entity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/driveline-ai/driveline/runtime/phone"
)

// CommandKind tags a parsed staff message. Staff text that is not an
// approval decision is classified into one of these so the orchestrator can
// dispatch with an exhaustive switch.
type CommandKind string

const (
	// CommandLeadCreation records a new customer lead.
	CommandLeadCreation CommandKind = "lead_creation"
	// CommandInventoryUpdate adds a vehicle to inventory.
	CommandInventoryUpdate CommandKind = "inventory_update"
	// CommandLeadInquiry asks about existing leads.
	CommandLeadInquiry CommandKind = "lead_inquiry"
	// CommandInventoryInquiry asks about stock.
	CommandInventoryInquiry CommandKind = "inventory_inquiry"
	// CommandGeneralQuestion is any other question.
	CommandGeneralQuestion CommandKind = "general_question"
	// CommandStatusUpdate reports progress on a deal or lead.
	CommandStatusUpdate CommandKind = "status_update"
	// CommandTestDriveScheduling arranges a test drive.
	CommandTestDriveScheduling CommandKind = "test_drive_scheduling"
	// CommandUnknown is anything the classifier cannot place.
	CommandUnknown CommandKind = "unknown"
)

type (
	// Command is the tagged parse of a staff message.
	Command struct {
		// Kind selects the variant.
		Kind CommandKind
		// Lead is set when Kind is CommandLeadCreation.
		Lead *LeadDetails
		// Vehicle is set when Kind is CommandInventoryUpdate.
		Vehicle *VehicleDetails
		// Query is the lexical vehicle extraction, populated for every
		// kind.
		Query VehicleQuery
		// Phone is the first phone number in the text, normalized. Empty
		// when the message names none.
		Phone string
	}

	// LeadDetails carries the fields extracted for a lead creation. Fields
	// the message did not provide are empty; the caller applies defaults.
	LeadDetails struct {
		Name        string
		Phone       string
		Email       string
		CarInterest string
	}

	// VehicleDetails carries the fields extracted for an inventory add.
	VehicleDetails struct {
		Make      string
		Model     string
		Year      int
		Price     float64
		Condition string
	}
)

var (
	leadCreateRe = regexp.MustCompile(`(?i)\b(?:new|add|adding|create|got)\s+(?:a\s+)?(?:new\s+)?lead\b|^\s*lead\b\s*[:,]`)
	// interrogativeRe marks count/listing questions so "any new leads?"
	// never reads as a creation.
	interrogativeRe    = regexp.MustCompile(`(?i)\b(?:how many|any|show|list|what|which|do we|do you|is there|are there|still have)\b`)
	inventoryAddRe     = regexp.MustCompile(`(?i)\b(?:add|adding|got|arrived|came in|just in|new arrival)\b`)
	inventoryInquiryRe = regexp.MustCompile(`(?i)\bin stock\b|\binventory\b|\bon the lot\b|\bdo we have\b|\bstill have\b`)
	statusUpdateRe     = regexp.MustCompile(`(?i)\bmark\b|\bstatus\b|\bsold\b|\bdeal\s+(?:won|lost)\b|\bclosed\s+the\s+deal\b|\bfollow(?:ed)?\s*[- ]?up\b`)
	questionRe         = regexp.MustCompile(`(?i)^\s*(?:what|how|when|where|why|who|can|could|would|should|do|does|did|is|are|was|were)\b`)

	nameAfterLeadRe = regexp.MustCompile(`(?i)\blead\b(?:\s+for)?[:,]?\s+([A-Za-z]+)(?:\s+([A-Za-z]+))?`)
	nameIsRe        = regexp.MustCompile(`(?i)\b(?:my\s+name\s+is|name\s+is|this\s+is|i'?\s?a?m)\s+([A-Za-z]+)(?:\s+([A-Za-z]+))?`)
	phoneNumberRe   = regexp.MustCompile(`\+?1?[-. (]*\d{3}[-. )]*\d{3}[-. ]*\d{4}\b`)
	emailRe         = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	interestRe      = regexp.MustCompile(`(?i)\b(?:interested\s+in|wants|looking\s+for|shopping\s+for)\s+(?:an?\s+)?([^,.!?\n]+)`)
)

// nameStopwords end a captured name. A message like "new lead John phone
// 555..." should not read "John Phone" as the name.
var nameStopwords = map[string]bool{
	"phone": true, "number": true, "cell": true, "email": true,
	"at": true, "on": true, "wants": true, "interested": true,
	"looking": true, "shopping": true, "and": true, "is": true,
	"needs": true, "budget": true,
}

// nonNames are words the introduction patterns capture that are never
// names: "I am looking for a truck" introduces nobody.
var nonNames = map[string]bool{
	"looking": true, "interested": true, "shopping": true, "calling": true,
	"texting": true, "reaching": true, "trying": true, "hoping": true,
	"wondering": true, "going": true, "gonna": true, "just": true,
	"still": true, "really": true, "actually": true, "currently": true,
	"about": true, "ready": true, "good": true, "fine": true, "sure": true,
	"sorry": true, "new": true, "open": true, "not": true, "here": true,
	"in": true, "at": true, "on": true, "the": true, "a": true, "so": true,
	"from": true, "again": true,
}

// ParseCommand classifies a staff message that had no pending approval to
// act on. Classification is keyword driven and first match wins; the Query
// field carries the lexical vehicle extraction regardless of kind.
func ParseCommand(text string) Command {
	lower := strings.ToLower(text)
	cmd := Command{Query: Parse(text)}
	if m := phoneNumberRe.FindString(text); m != "" {
		cmd.Phone = phone.Normalize(m)
	}

	interrogative := interrogativeRe.MatchString(text) || strings.Contains(text, "?")
	mentionsLead := containsWord(lower, "lead") || containsWord(lower, "leads")
	mentionsVehicle := cmd.Query.Make != "" || cmd.Query.Model != "" || cmd.Query.BodyType != ""

	switch {
	case leadCreateRe.MatchString(text) && !interrogative:
		cmd.Kind = CommandLeadCreation
		cmd.Lead = parseLeadDetails(text, cmd.Query)
	case inventoryAddRe.MatchString(text) && mentionsVehicle && !interrogative && !mentionsLead:
		cmd.Kind = CommandInventoryUpdate
		cmd.Vehicle = parseVehicleDetails(lower, cmd.Query)
	case containsWord(lower, "test drive") || containsWord(lower, "test-drive"):
		cmd.Kind = CommandTestDriveScheduling
	case statusUpdateRe.MatchString(text) && !interrogative:
		cmd.Kind = CommandStatusUpdate
	case mentionsLead && interrogative:
		cmd.Kind = CommandLeadInquiry
	case interrogative && (mentionsVehicle || inventoryInquiryRe.MatchString(text)):
		cmd.Kind = CommandInventoryInquiry
	case interrogative || questionRe.MatchString(text):
		cmd.Kind = CommandGeneralQuestion
	default:
		cmd.Kind = CommandUnknown
	}
	return cmd
}

// ExtractName pulls a self-introduced name out of a customer message
// ("hi, my name is Dana"). Empty when no introduction was found.
func ExtractName(text string) string {
	m := nameIsRe.FindStringSubmatch(text)
	if m == nil || !isNameWord(m[1]) {
		return ""
	}
	return joinName(m[1], m[2])
}

// Summary renders the extracted criteria as a short interest phrase, for
// example "2021 toyota camry" or "suv under $25000". Empty when nothing was
// extracted.
func (q VehicleQuery) Summary() string {
	var parts []string
	if q.Year != 0 {
		parts = append(parts, fmt.Sprintf("%d", q.Year))
	}
	if q.Make != "" {
		parts = append(parts, q.Make)
	}
	if q.Model != "" {
		parts = append(parts, q.Model)
	}
	if len(parts) == 0 && q.BodyType != "" {
		parts = append(parts, q.BodyType)
	}
	if q.Budget != nil && *q.Budget > 0 {
		parts = append(parts, fmt.Sprintf("under $%.0f", *q.Budget))
	}
	return strings.Join(parts, " ")
}

func parseLeadDetails(text string, q VehicleQuery) *LeadDetails {
	d := &LeadDetails{}

	if n := ExtractName(text); n != "" {
		d.Name = n
	} else if m := nameAfterLeadRe.FindStringSubmatch(text); m != nil && isNameWord(m[1]) {
		d.Name = joinName(m[1], m[2])
	}

	if m := phoneNumberRe.FindString(text); m != "" {
		d.Phone = phone.Normalize(m)
	}
	if m := emailRe.FindString(text); m != "" {
		d.Email = m
	}

	if m := interestRe.FindStringSubmatch(text); m != nil {
		d.CarInterest = strings.TrimSpace(m[1])
	} else if s := q.Summary(); s != "" {
		d.CarInterest = s
	}
	return d
}

func parseVehicleDetails(lower string, q VehicleQuery) *VehicleDetails {
	d := &VehicleDetails{
		Make:  q.Make,
		Model: q.Model,
		Year:  q.Year,
	}
	if q.Budget != nil {
		d.Price = *q.Budget
	}
	switch {
	case strings.Contains(lower, "certified"):
		d.Condition = "certified"
	case containsWord(lower, "used"):
		d.Condition = "used"
	case strings.Contains(lower, "brand new"):
		d.Condition = "new"
	}
	return d
}

// joinName combines first and optional second capture, dropping a second
// word that is really the start of the next clause.
func joinName(first, second string) string {
	if second == "" || !isNameWord(second) {
		return first
	}
	return first + " " + second
}

// isNameWord reports whether w can plausibly be part of a person's name.
func isNameWord(w string) bool {
	lw := strings.ToLower(w)
	return !nameStopwords[lw] && !nonNames[lw]
}
