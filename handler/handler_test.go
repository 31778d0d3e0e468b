package handler

import (
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	gomock "go.uber.org/mock/gomock"

	"github.com/frostforge/ticket-control/config"
	"github.com/frostforge/ticket-control/domain/infra"
)

func newTestHandler(t *testing.T, client infra.DiscordAPI) *Handler {
	t.Helper()
	cfg := &config.Config{
		Token:             "dummy",
		GuildID:           "guild1",
		BugCategoryID:     "cat-bug",
		SupportCategoryID: "cat-support",
		SupportRoleID:     "role-support",
		SupportUserIDs:    []string{"staffer"},
	}
	h, err := NewHandler(cfg)
	assert.NoError(t, err)
	h.client = client
	h.botID = "bot_id"
	return h
}

func memberWith(id string, perms int64, roles ...string) *discordgo.Member {
	return &discordgo.Member{
		User:        &discordgo.User{ID: id, Username: "Ivan Petrov"},
		Permissions: perms,
		Roles:       roles,
	}
}

func commandInteraction(name string, member *discordgo.Member, channelID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "guild1",
		ChannelID: channelID,
		Member:    member,
		Data:      discordgo.ApplicationCommandInteractionData{Name: name},
	}}
}

func componentInteraction(customID string, member *discordgo.Member, channelID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		GuildID:   "guild1",
		ChannelID: channelID,
		Member:    member,
		Data:      discordgo.MessageComponentInteractionData{CustomID: customID},
	}}
}

func modalInteraction(customID string, member *discordgo.Member, channelID string, values map[string]string) *discordgo.InteractionCreate {
	var rows []discordgo.MessageComponent
	for id, v := range values {
		rows = append(rows, &discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				&discordgo.TextInput{CustomID: id, Value: v},
			},
		})
	}
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionModalSubmit,
		GuildID:   "guild1",
		ChannelID: channelID,
		Member:    member,
		Data:      discordgo.ModalSubmitInteractionData{CustomID: customID, Components: rows},
	}}
}

func TestHandler_ticketPanelCommand(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := NewMockDiscordAPI(ctrl)
	h := newTestHandler(t, mockClient)

	var resp *discordgo.InteractionResponse
	mockClient.EXPECT().InteractionRespond(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ *discordgo.Interaction, r *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
			resp = r
			return nil
		}).Times(1)

	h.handleInteraction(nil, commandInteraction("ticket-panel", memberWith("admin", discordgo.PermissionManageChannels), "chan1"))

	assert.NotNil(t, resp)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	assert.Equal(t, "Support", resp.Data.Embeds[0].Title)

	row, ok := resp.Data.Components[0].(discordgo.ActionsRow)
	assert.True(t, ok)
	assert.Equal(t, actionOpenBugTicket, row.Components[0].(discordgo.Button).CustomID)
	assert.Equal(t, actionOpenSupportTicket, row.Components[1].(discordgo.Button).CustomID)
}

func TestHandler_openButtonsShowModal(t *testing.T) {
	tests := []struct {
		action     string
		modalID    string
		fieldCount int
	}{
		{actionOpenBugTicket, modalBugReport, 5},
		{actionOpenSupportTicket, modalSupportReport, 3},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := NewMockDiscordAPI(ctrl)
			h := newTestHandler(t, mockClient)

			var resp *discordgo.InteractionResponse
			mockClient.EXPECT().InteractionRespond(gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ *discordgo.Interaction, r *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
					resp = r
					return nil
				}).Times(1)

			h.handleInteraction(nil, componentInteraction(tt.action, memberWith("user1", 0), "chan1"))

			assert.Equal(t, discordgo.InteractionResponseModal, resp.Type)
			assert.Equal(t, tt.modalID, resp.Data.CustomID)
			assert.Len(t, resp.Data.Components, tt.fieldCount)
		})
	}
}

// A fault inside an operation must produce exactly one ephemeral reply.
func TestHandler_faultProducesSingleReply(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := NewMockDiscordAPI(ctrl)
	h := newTestHandler(t, mockClient)

	mockClient.EXPECT().Channel("ticket1").Return(nil, errors.New("boom: server exploded"))

	var resp *discordgo.InteractionResponse
	mockClient.EXPECT().InteractionRespond(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ *discordgo.Interaction, r *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
			resp = r
			return nil
		}).Times(1)

	h.handleInteraction(nil, componentInteraction(actionCloseTicket, memberWith("user1", 0), "ticket1"))

	assert.Contains(t, resp.Data.Content, "Something went wrong")
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	if !ctrl.Satisfied() {
		t.Errorf("Not all expectations were met")
	}
}

// Once the interaction is acknowledged, further text must go through
// followups; a second terminal response would be rejected by Discord.
func TestReply_secondMessageBecomesFollowup(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := NewMockDiscordAPI(ctrl)
	inter := &discordgo.Interaction{}
	r := &reply{client: mockClient, inter: inter}

	mockClient.EXPECT().InteractionRespond(inter, gomock.Any()).Return(nil).Times(1)
	assert.NoError(t, r.ephemeral("first"))

	mockClient.EXPECT().FollowupMessageCreate(inter, false, gomock.Any()).Return(&discordgo.Message{}, nil).Times(1)
	assert.NoError(t, r.ephemeral("second"))
}

func TestHandler_unknownInteractionIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := NewMockDiscordAPI(ctrl)
	h := newTestHandler(t, mockClient)

	// No expectations: an unknown component ID must not respond at all.
	h.handleInteraction(nil, componentInteraction("mystery_button", memberWith("user1", 0), "chan1"))
}
