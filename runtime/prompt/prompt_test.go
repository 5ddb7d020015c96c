package prompt_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/runtime/inventory"
	"github.com/driveline-ai/driveline/runtime/lead"
	"github.com/driveline-ai/driveline/runtime/model"
	"github.com/driveline-ai/driveline/runtime/prompt"
)

type fakeModel struct {
	content string
	err     error
	lastReq model.Request
}

func (f *fakeModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &model.Response{Content: f.content}, nil
}

func sampleInput() prompt.Input {
	return prompt.Input{
		DealershipName: "Hilltop Honda",
		Turns: []lead.Turn{
			{Sender: lead.SenderCustomer, Text: "hi, looking for an suv"},
			{Sender: lead.SenderAgent, Text: "Happy to help! Any budget in mind?"},
		},
		Slots: map[string]string{"budget": "30000", "body_type": "suv"},
		Vehicles: []inventory.Vehicle{
			{Make: "Honda", Model: "CR-V", Year: 2022, Price: 28500, Mileage: 19000, Features: []string{"AWD", "Sunroof"}},
		},
		LatestMessage: "anything with awd under 30k?",
	}
}

func TestBuildRequestRendersContext(t *testing.T) {
	b := prompt.New(&fakeModel{}, prompt.WithModel("gpt-4o-mini"))
	req := b.BuildRequest(sampleInput())

	require.Equal(t, "gpt-4o-mini", req.Model)
	require.Contains(t, req.System, "Hilltop Honda")
	require.Contains(t, req.System, `"handoff_reason"`)
	require.Len(t, req.Messages, 1)
	require.Equal(t, model.RoleUser, req.Messages[0].Role)

	body := req.Messages[0].Content
	require.Contains(t, body, "Customer: hi, looking for an suv")
	require.Contains(t, body, "Assistant: Happy to help! Any budget in mind?")
	require.Contains(t, body, "body_type: suv")
	require.Contains(t, body, "budget: 30000")
	require.Contains(t, body, "1. 2022 Honda CR-V, $28,500, 19000 miles. Features: AWD, Sunroof")
	require.Contains(t, body, `"anything with awd under 30k?"`)
}

func TestBuildRequestTruncatesHistoryAndVehicles(t *testing.T) {
	in := sampleInput()
	in.Turns = nil
	for i := 0; i < 8; i++ {
		in.Turns = append(in.Turns, lead.Turn{Sender: lead.SenderCustomer, Text: strings.Repeat("x", i+1)})
	}
	for i := 0; i < 5; i++ {
		in.Vehicles = append(in.Vehicles, inventory.Vehicle{Make: "Kia", Model: "Sportage", Year: 2018 + i, Price: 20000})
	}

	b := prompt.New(&fakeModel{})
	body := b.BuildRequest(in).Messages[0].Content

	require.NotContains(t, body, "Customer: xxx\n", "older turns are dropped")
	require.Contains(t, body, "Customer: xxxx\n")
	require.Contains(t, body, "3. ")
	require.NotContains(t, body, "4. ")
}

func TestBuildRequestSkipsSystemTurnsLabel(t *testing.T) {
	in := sampleInput()
	in.Turns = []lead.Turn{{Sender: lead.SenderSystem, Text: "conversation handed to sales"}}

	b := prompt.New(&fakeModel{})
	body := b.BuildRequest(in).Messages[0].Content
	require.Contains(t, body, "Note: conversation handed to sales")
}

func TestTemperatureCapped(t *testing.T) {
	fm := &fakeModel{content: validReplyJSON}
	b := prompt.New(fm, prompt.WithTemperature(0.9))

	_, err := b.Generate(context.Background(), sampleInput())
	require.NoError(t, err)
	require.InDelta(t, 0.3, float64(fm.lastReq.Temperature), 1e-6)
}

const validReplyJSON = `{"message": "We have a 2022 CR-V with AWD at $28,500. Want to see it?", "auto_send": true, "handoff": false, "handoff_reason": null, "retrieval_query": "", "next_action": "propose_test_drive"}`

func TestGenerateParsesReply(t *testing.T) {
	b := prompt.New(&fakeModel{content: validReplyJSON})

	reply, err := b.Generate(context.Background(), sampleInput())
	require.NoError(t, err)
	require.True(t, reply.AutoSend)
	require.False(t, reply.Handoff)
	require.Nil(t, reply.HandoffReason)
	require.Equal(t, "propose_test_drive", reply.NextAction)
	require.False(t, reply.Fallback)
}

func TestGenerateAcceptsFencedJSON(t *testing.T) {
	fenced := "Here you go:\n```json\n" + validReplyJSON + "\n```"
	b := prompt.New(&fakeModel{content: fenced})

	reply, err := b.Generate(context.Background(), sampleInput())
	require.NoError(t, err)
	require.False(t, reply.Fallback)
	require.Contains(t, reply.Message, "CR-V")
}

func TestGenerateFallsBackOnBadJSON(t *testing.T) {
	b := prompt.New(&fakeModel{content: "So sorry, I cannot produce JSON today."})

	reply, err := b.Generate(context.Background(), sampleInput())
	require.NoError(t, err)
	require.True(t, reply.Fallback)
	require.False(t, reply.AutoSend, "template replies always require review")
	require.Contains(t, reply.Message, "2022 Honda CR-V at $28,500")
}

func TestGenerateFallsBackOnSchemaViolation(t *testing.T) {
	// auto_send has the wrong type and handoff_reason is missing.
	bad := `{"message": "hi", "auto_send": "yes", "handoff": false, "retrieval_query": "", "next_action": "continue"}`
	b := prompt.New(&fakeModel{content: bad})

	reply, err := b.Generate(context.Background(), sampleInput())
	require.NoError(t, err)
	require.True(t, reply.Fallback)
}

func TestGenerateNoMatchTemplate(t *testing.T) {
	in := sampleInput()
	in.Vehicles = nil
	b := prompt.New(&fakeModel{content: "not json"})

	reply, err := b.Generate(context.Background(), in)
	require.NoError(t, err)
	require.True(t, reply.Fallback)
	require.Contains(t, reply.Message, "new vehicles arrive every week")
}

func TestGenerateReturnsTransportErrors(t *testing.T) {
	wantErr := errors.New("connection reset")
	b := prompt.New(&fakeModel{err: wantErr})

	_, err := b.Generate(context.Background(), sampleInput())
	require.ErrorIs(t, err, wantErr)
}

func TestParseReplyRejectsExtraFields(t *testing.T) {
	extra := `{"message": "hi", "auto_send": true, "handoff": false, "handoff_reason": null, "retrieval_query": "", "next_action": "continue", "mood": "chipper"}`
	_, err := prompt.ParseReply(extra)
	require.Error(t, err)
}

func TestParseReplyHandoffReason(t *testing.T) {
	withReason := `{"message": "Our finance team will reach out.", "auto_send": false, "handoff": true, "handoff_reason": "financing", "retrieval_query": "", "next_action": "continue"}`
	reply, err := prompt.ParseReply(withReason)
	require.NoError(t, err)
	require.True(t, reply.Handoff)
	require.NotNil(t, reply.HandoffReason)
	require.Equal(t, "financing", *reply.HandoffReason)
}

func TestFallbackReplyListsAtMostThreeVehicles(t *testing.T) {
	var vehicles []inventory.Vehicle
	for i := 0; i < 5; i++ {
		vehicles = append(vehicles, inventory.Vehicle{Make: "Kia", Model: "Soul", Year: 2019 + i, Price: 17000})
	}
	reply := prompt.FallbackReply("what do you have?", vehicles)
	require.Equal(t, 3, strings.Count(reply.Message, "Kia Soul"))
}

func TestFallbackReplyAcknowledgesRapportCues(t *testing.T) {
	vehicles := []inventory.Vehicle{
		{Make: "Honda", Model: "CR-V", Year: 2022, Price: 28500},
	}

	reply := prompt.FallbackReply("thanks so much for checking", vehicles)
	require.True(t, strings.HasPrefix(reply.Message, "You're welcome!"))
	require.Contains(t, reply.Message, "CR-V")

	reply = prompt.FallbackReply("sorry, got busy yesterday", nil)
	require.True(t, strings.HasPrefix(reply.Message, "No worries at all."))
	require.Contains(t, reply.Message, "new vehicles arrive every week")

	reply = prompt.FallbackReply("that sounds great", vehicles)
	require.True(t, strings.HasPrefix(reply.Message, "Glad to hear it!"))

	// No cue keeps the plain template.
	reply = prompt.FallbackReply("anything with awd?", vehicles)
	require.True(t, strings.HasPrefix(reply.Message, "We've got a few"))
	require.False(t, reply.AutoSend)
}

func TestGenerateWithInstructionsLayersDirective(t *testing.T) {
	fake := &fakeModel{content: validReplyJSON}
	b := prompt.New(fake)

	_, err := b.GenerateWithInstructions(context.Background(), prompt.Input{
		DealershipName: "Capital Motors",
		LatestMessage:  "do you have any camrys",
	}, "mention 0% APR and be friendlier", false)
	require.NoError(t, err)
	require.Contains(t, fake.lastReq.System, "salesperson reviewed your draft")
	require.Contains(t, fake.lastReq.System, "mention 0% APR and be friendlier")
	require.NotContains(t, fake.lastReq.System, "IMPORTANT:")
}

func TestGenerateWithInstructionsEmphasized(t *testing.T) {
	fake := &fakeModel{content: validReplyJSON}
	b := prompt.New(fake)

	_, err := b.GenerateWithInstructions(context.Background(), prompt.Input{
		DealershipName: "Capital Motors",
		LatestMessage:  "do you have any camrys",
	}, "mention 0% APR", true)
	require.NoError(t, err)
	require.Contains(t, fake.lastReq.System, "IMPORTANT: your previous draft did not follow")
	require.Contains(t, fake.lastReq.System, "mention 0% APR")
}
