package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jellydator/ttlcache/v3"

	"github.com/frostforge/ticket-control/config"
	"github.com/frostforge/ticket-control/domain/infra"
	"github.com/frostforge/ticket-control/domain/model"
)

const (
	actionOpenBugTicket     = "open_bug_ticket"
	actionOpenSupportTicket = "open_support_ticket"
	actionCloseTicket       = "close_ticket"
	modalBugReport          = "modal_bug_report"
	modalSupportReport      = "modal_support_report"
	modalCloseReason        = "modal_close_reason"
)

// closeGraceDelay is how long the closure report stays readable before the
// ticket channel is deleted.
const closeGraceDelay = 8 * time.Second

const defaultCloseReason = "Closed by the ticket owner"

type Handler struct {
	client  infra.DiscordAPI
	session *discordgo.Session
	cfg     *config.Config

	guildCache     *ttlcache.Cache[string, *discordgo.Guild]
	pendingDeletes *ttlcache.Cache[string, string]
	createGuard    *keyedMutex

	botID string
}

func NewHandler(cfg *config.Config) (*Handler, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	h := &Handler{
		client:      session,
		session:     session,
		cfg:         cfg,
		guildCache:  ttlcache.New(ttlcache.WithTTL[string, *discordgo.Guild](time.Hour)),
		createGuard: newKeyedMutex(),
	}
	h.pendingDeletes = ttlcache.New(
		ttlcache.WithTTL[string, string](closeGraceDelay),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	h.pendingDeletes.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		h.deleteChannel(item.Key(), item.Value())
	})
	go h.guildCache.Start()
	go h.pendingDeletes.Start()
	return h, nil
}

// Handle connects to the gateway and blocks until the process is signalled.
func (h *Handler) Handle() error {
	h.session.AddHandler(h.onReady)
	h.session.AddHandler(h.handleInteraction)
	h.session.AddHandler(h.onChannelDelete)

	if err := h.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	defer h.session.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")
	return nil
}

func (h *Handler) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	h.botID = r.User.ID
	if err := h.registerCommands(); err != nil {
		slog.Error("registerCommands failed", slog.Any("err", err))
		return
	}
	slog.Info("logged in", slog.String("user", r.User.Username))
}

func (h *Handler) registerCommands() error {
	manageServer := int64(discordgo.PermissionManageServer)
	commands := []*discordgo.ApplicationCommand{
		{
			Name:                     "ticket-panel",
			Description:              "Post the ticket panel in the current channel.",
			DefaultMemberPermissions: &manageServer,
		},
		{
			Name:        "close-ticket",
			Description: "Close the current ticket.",
		},
	}
	_, err := h.client.ApplicationCommandBulkOverwrite(h.botID, h.cfg.GuildID, commands)
	if err != nil {
		return fmt.Errorf("ApplicationCommandBulkOverwrite failed: %w", err)
	}
	return nil
}

// onChannelDelete cancels a pending deletion when the channel disappears
// before the grace delay elapses.
func (h *Handler) onChannelDelete(_ *discordgo.Session, ev *discordgo.ChannelDelete) {
	if ev.Channel == nil {
		return
	}
	h.cancelDeletion(ev.Channel.ID)
}

// reply issues at most one initial interaction response; anything after the
// acknowledgment goes out as a followup. Discord rejects a second terminal
// response to the same interaction.
type reply struct {
	client infra.DiscordAPI
	inter  *discordgo.Interaction
	acked  bool
}

func (r *reply) ephemeral(content string) error {
	if r.acked {
		_, err := r.client.FollowupMessageCreate(r.inter, false, &discordgo.WebhookParams{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		return err
	}
	err := r.client.InteractionRespond(r.inter, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err == nil {
		r.acked = true
	}
	return err
}

func (r *reply) message(data *discordgo.InteractionResponseData) error {
	if r.acked {
		_, err := r.client.FollowupMessageCreate(r.inter, false, &discordgo.WebhookParams{
			Content: data.Content,
			Embeds:  data.Embeds,
		})
		return err
	}
	err := r.client.InteractionRespond(r.inter, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err == nil {
		r.acked = true
	}
	return err
}

func (r *reply) modal(data *discordgo.InteractionResponseData) error {
	err := r.client.InteractionRespond(r.inter, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: data,
	})
	if err == nil {
		r.acked = true
	}
	return err
}

func (h *Handler) handleInteraction(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
	r := &reply{client: h.client, inter: ic.Interaction}

	var err error
	switch ic.Type {
	case discordgo.InteractionApplicationCommand:
		err = h.handleCommand(r, ic)
	case discordgo.InteractionMessageComponent:
		err = h.handleComponent(r, ic)
	case discordgo.InteractionModalSubmit:
		err = h.handleModalSubmit(r, ic)
	default:
		return
	}

	if err != nil {
		h.containFault(r, err)
	}
}

func (h *Handler) handleCommand(r *reply, ic *discordgo.InteractionCreate) error {
	switch ic.ApplicationCommandData().Name {
	case "ticket-panel":
		return r.message(ticketPanel())
	case "close-ticket":
		return h.startClose(r, ic)
	}
	return nil
}

func (h *Handler) handleComponent(r *reply, ic *discordgo.InteractionCreate) error {
	switch ic.MessageComponentData().CustomID {
	case actionOpenBugTicket:
		return r.modal(ticketModal(modalBugReport, "Bug report", bugFormFields))
	case actionOpenSupportTicket:
		return r.modal(ticketModal(modalSupportReport, "Support request", supportFormFields))
	case actionCloseTicket:
		return h.startClose(r, ic)
	}
	return nil
}

func (h *Handler) handleModalSubmit(r *reply, ic *discordgo.InteractionCreate) error {
	data := ic.ModalSubmitData()
	switch data.CustomID {
	case modalBugReport:
		return h.openTicket(r, ic, model.TicketTypeBug, collectFields(data, bugFormFields))
	case modalSupportReport:
		return h.openTicket(r, ic, model.TicketTypeSupport, collectFields(data, supportFormFields))
	case modalCloseReason:
		return h.finishClose(r, ic, modalValue(data, "close_reason"))
	}
	return nil
}

// containFault is the single place where provisioner/closer errors become
// user-visible. Every failure ends in exactly one short ephemeral message.
func (h *Handler) containFault(r *reply, err error) {
	var dup *model.DuplicateTicketError

	var content string
	switch {
	case errors.As(err, &dup):
		content = fmt.Sprintf("You already have an open ticket: <#%s>", dup.ChannelID)
	case errors.Is(err, model.ErrConfig):
		slog.Error("ticket category misconfigured", slog.Any("err", err))
		content = "The ticket category is not configured correctly. Please contact an administrator."
	case errors.Is(err, model.ErrUnauthorized):
		content = "Only the ticket owner or support staff can do that."
	case errors.Is(err, model.ErrUnidentifiableTicket):
		content = "This channel does not look like a ticket channel."
	default:
		slog.Error("interaction failed", slog.Any("err", err))
		content = fmt.Sprintf("Something went wrong: %s", model.TruncateField(err.Error(), 120))
	}

	if replyErr := r.ephemeral(content); replyErr != nil {
		slog.Error("failed to deliver diagnostic", slog.Any("err", replyErr))
	}
}

type formField struct {
	customID string
	label    string
	style    discordgo.TextInputStyle
	required bool
	maxLen   int
}

var bugFormFields = []formField{
	{"launcher_version", "Launcher version", discordgo.TextInputShort, true, 80},
	{"minecraft_version", "Minecraft version", discordgo.TextInputShort, true, 80},
	{"loader", "Loader (Fabric / Forge / etc.)", discordgo.TextInputShort, true, 80},
	{"description", "Describe the problem", discordgo.TextInputParagraph, true, 1000},
	{"screenshot", "Screenshot link (optional)", discordgo.TextInputShort, false, 300},
}

var supportFormFields = []formField{
	{"reason", "Topic", discordgo.TextInputShort, true, 120},
	{"details", "Describe the situation", discordgo.TextInputParagraph, true, 1200},
	{"proof", "Evidence links (optional)", discordgo.TextInputShort, false, 300},
}

func ticketModal(customID, title string, fields []formField) *discordgo.InteractionResponseData {
	components := make([]discordgo.MessageComponent, 0, len(fields))
	for _, f := range fields {
		components = append(components, discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:  f.customID,
					Label:     f.label,
					Style:     f.style,
					Required:  f.required,
					MaxLength: f.maxLen,
				},
			},
		})
	}
	return &discordgo.InteractionResponseData{
		CustomID:   customID,
		Title:      title,
		Components: components,
	}
}

func closeReasonModal() *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{
		CustomID: modalCloseReason,
		Title:    "Close ticket",
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.TextInput{
						CustomID:  "close_reason",
						Label:     "Why is this ticket being closed?",
						Style:     discordgo.TextInputParagraph,
						Required:  true,
						MaxLength: 500,
					},
				},
			},
		},
	}
}

func ticketPanel() *discordgo.InteractionResponseData {
	embed := &discordgo.MessageEmbed{
		Title: "Support",
		Description: "Pick the kind of request below.\n\n" +
			"**1) Client crashes / bugs**\n" +
			"Please have ready: launcher version, Minecraft version, loader (Fabric / Forge etc.), " +
			"a description of the problem and a screenshot if possible.\n\n" +
			"**2) Support**\n" +
			"Everything else: complaints, punishments, evidence and so on.",
		Color: 0x2f3136,
	}
	row := discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{
				CustomID: actionOpenBugTicket,
				Label:    "Client crashes / bugs",
				Style:    discordgo.DangerButton,
			},
			discordgo.Button{
				CustomID: actionOpenSupportTicket,
				Label:    "Support",
				Style:    discordgo.PrimaryButton,
			},
		},
	}
	return &discordgo.InteractionResponseData{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: []discordgo.MessageComponent{row},
	}
}

func closeButtonRow() discordgo.MessageComponent {
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{
				CustomID: actionCloseTicket,
				Label:    "Close ticket",
				Style:    discordgo.SecondaryButton,
			},
		},
	}
}

func modalValue(data discordgo.ModalSubmitInteractionData, customID string) string {
	for _, c := range data.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rc := range row.Components {
			if input, ok := rc.(*discordgo.TextInput); ok && input.CustomID == customID {
				return input.Value
			}
		}
	}
	return ""
}

// collectFields pairs the submitted modal values with their labels, in form
// order, capping each value for embed display.
func collectFields(data discordgo.ModalSubmitInteractionData, fields []formField) []*discordgo.MessageEmbedField {
	out := make([]*discordgo.MessageEmbedField, 0, len(fields))
	for _, f := range fields {
		out = append(out, &discordgo.MessageEmbedField{
			Name:  f.label,
			Value: model.TruncateField(modalValue(data, f.customID), 1024),
		})
	}
	return out
}

func interactionUser(ic *discordgo.InteractionCreate) *discordgo.User {
	if ic.Member != nil {
		return ic.Member.User
	}
	return ic.User
}

func displayName(ic *discordgo.InteractionCreate) string {
	if ic.Member != nil && ic.Member.Nick != "" {
		return ic.Member.Nick
	}
	user := interactionUser(ic)
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}
