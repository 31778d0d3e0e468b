package handler

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jellydator/ttlcache/v3"

	"github.com/frostforge/ticket-control/domain/model"
)

// summaryWindow bounds how far back the closer looks for the initiating
// report when reconstructing a closure summary.
const summaryWindow = 50

const summaryNotFound = "original report not found"

const (
	deliveryStatusOK     = "delivered"
	deliveryStatusFailed = "not delivered"
)

// keyedMutex serializes the scan-then-create sequence per (owner, type) so
// two concurrent submissions cannot both pass the duplicate scan. Entries
// are never removed; the key space is bounded by members x ticket types.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*sync.Mutex{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// canManageTicket reports whether the member may manage any ticket: the
// channel-management permission, the support role, or the configured
// allow-list. Ownership is checked separately by callers.
func (h *Handler) canManageTicket(member *discordgo.Member) bool {
	if member == nil {
		return false
	}
	if member.Permissions&discordgo.PermissionManageChannels != 0 {
		return true
	}
	if h.cfg.SupportRoleID != "" && slices.Contains(member.Roles, h.cfg.SupportRoleID) {
		return true
	}
	if member.User != nil && slices.Contains(h.cfg.SupportUserIDs, member.User.ID) {
		return true
	}
	return false
}

// resolveCategory accepts either a category ID or the ID of a channel that
// sits inside the desired category. Anything else is a misconfiguration.
func (h *Handler) resolveCategory(configuredID string) (string, error) {
	ch, err := h.client.Channel(configuredID)
	if err != nil {
		slog.Warn("configured category lookup failed", slog.String("id", configuredID), slog.Any("err", err))
		return "", fmt.Errorf("resolve category %s: %w", configuredID, model.ErrConfig)
	}
	if ch.Type == discordgo.ChannelTypeGuildCategory {
		return ch.ID, nil
	}
	if ch.ParentID != "" {
		return ch.ParentID, nil
	}
	return "", fmt.Errorf("resolve category %s: %w", configuredID, model.ErrConfig)
}

func (h *Handler) categoryFor(t model.TicketType) string {
	if t == model.TicketTypeBug {
		return h.cfg.BugCategoryID
	}
	return h.cfg.SupportCategoryID
}

func initiatingTitle(t model.TicketType) string {
	if t == model.TicketTypeBug {
		return "New bug report"
	}
	return "New support request"
}

func ticketColor(t model.TicketType) int {
	if t == model.TicketTypeBug {
		return 0xed4245
	}
	return 0x5865f2
}

// findExistingTicket scans the guild for a live channel whose topic encodes
// the same (owner, type) pair. Discord itself is the source of truth; there
// is no in-process index to go stale.
func (h *Handler) findExistingTicket(ownerID string, t model.TicketType) (string, error) {
	channels, err := h.client.GuildChannels(h.cfg.GuildID)
	if err != nil {
		return "", fmt.Errorf("GuildChannels failed: %w", err)
	}
	for _, ch := range channels {
		if ch == nil || ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		info := model.ParseTopic(ch.Topic)
		if info.OwnerID == ownerID && info.Type == t {
			return ch.ID, nil
		}
	}
	return "", nil
}

func (h *Handler) ticketOverwrites(ownerID string) []*discordgo.PermissionOverwrite {
	memberAllow := int64(discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionAttachFiles)
	staffAllow := int64(discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionManageChannels)

	overwrites := []*discordgo.PermissionOverwrite{
		{
			// The @everyone role shares the guild's ID.
			ID:   h.cfg.GuildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: int64(discordgo.PermissionViewChannel),
		},
		{
			ID:    ownerID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: memberAllow,
		},
	}
	if h.cfg.SupportRoleID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    h.cfg.SupportRoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: staffAllow,
		})
	}
	for _, id := range h.cfg.SupportUserIDs {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    id,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: staffAllow,
		})
	}
	return overwrites
}

func (h *Handler) openTicket(r *reply, ic *discordgo.InteractionCreate, t model.TicketType, fields []*discordgo.MessageEmbedField) error {
	user := interactionUser(ic)
	if user == nil {
		return model.ErrUnauthorized
	}

	categoryID, err := h.resolveCategory(h.categoryFor(t))
	if err != nil {
		return err
	}

	unlock := h.createGuard.lock(user.ID + "|" + string(t))
	defer unlock()

	existing, err := h.findExistingTicket(user.ID, t)
	if err != nil {
		return err
	}
	if existing != "" {
		return &model.DuplicateTicketError{ChannelID: existing}
	}

	channel, err := h.client.GuildChannelCreateComplex(h.cfg.GuildID, discordgo.GuildChannelCreateData{
		Name:                 model.ChannelName(t, displayName(ic)),
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                model.EncodeTopic(user.ID, t),
		ParentID:             categoryID,
		PermissionOverwrites: h.ticketOverwrites(user.ID),
	})
	if err != nil {
		return fmt.Errorf("create ticket channel: %w", err)
	}

	if err := h.postInitialReport(channel.ID, user.ID, t, fields); err != nil {
		// The channel exists but the report does not; there is no rollback.
		// Tell the user instead of leaving a silently empty channel.
		slog.Error("initial report failed, empty ticket channel left behind",
			slog.String("channel", channel.ID), slog.Any("err", err))
		return r.ephemeral(fmt.Sprintf(
			"Your ticket channel <#%s> was created, but posting the report failed. Please describe your issue there directly.",
			channel.ID,
		))
	}

	slog.Info("ticket opened",
		slog.String("channel", channel.ID),
		slog.String("owner", user.ID),
		slog.String("type", string(t)))
	return r.ephemeral(fmt.Sprintf("Your ticket has been created: <#%s>", channel.ID))
}

func (h *Handler) postInitialReport(channelID, ownerID string, t model.TicketType, fields []*discordgo.MessageEmbedField) error {
	embed := &discordgo.MessageEmbed{
		Title: initiatingTitle(t),
		Color: ticketColor(t),
		Fields: append([]*discordgo.MessageEmbedField{
			{Name: "User", Value: fmt.Sprintf("<@%s>", ownerID)},
		}, fields...),
		Timestamp: time.Now().Format(time.RFC3339),
	}

	ping := "@here"
	if h.cfg.SupportRoleID != "" {
		ping = fmt.Sprintf("<@&%s>", h.cfg.SupportRoleID)
	}

	_, err := h.client.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    fmt.Sprintf("%s a new %s ticket.", ping, t),
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: []discordgo.MessageComponent{closeButtonRow()},
	})
	if err != nil {
		return fmt.Errorf("post initial report: %w", err)
	}
	return nil
}

// startClose is the shared entry for the close command and the close
// button. Managers are always asked for a reason; an owner without
// management rights closes immediately with the default one.
func (h *Handler) startClose(r *reply, ic *discordgo.InteractionCreate) error {
	channel, err := h.client.Channel(ic.ChannelID)
	if err != nil {
		return fmt.Errorf("fetch channel %s: %w", ic.ChannelID, err)
	}

	info := model.ParseTopic(channel.Topic)
	if info.OwnerID == "" {
		return model.ErrUnidentifiableTicket
	}

	if h.canManageTicket(ic.Member) {
		return r.modal(closeReasonModal())
	}

	user := interactionUser(ic)
	if user != nil && user.ID == info.OwnerID {
		return h.closeTicket(r, ic, channel, defaultCloseReason)
	}
	return model.ErrUnauthorized
}

func (h *Handler) finishClose(r *reply, ic *discordgo.InteractionCreate, reason string) error {
	channel, err := h.client.Channel(ic.ChannelID)
	if err != nil {
		return fmt.Errorf("fetch channel %s: %w", ic.ChannelID, err)
	}
	if strings.TrimSpace(reason) == "" {
		reason = defaultCloseReason
	}
	return h.closeTicket(r, ic, channel, reason)
}

func (h *Handler) closeTicket(r *reply, ic *discordgo.InteractionCreate, channel *discordgo.Channel, reason string) error {
	info := model.ParseTopic(channel.Topic)
	if info.OwnerID == "" {
		return model.ErrUnidentifiableTicket
	}

	closer := interactionUser(ic)
	closerID := ""
	if closer != nil {
		closerID = closer.ID
	}

	summary := h.reconstructSummary(channel.ID, info.Type)
	status := h.notifyOwner(info, channel, closerID, reason, summary)

	report := &discordgo.MessageEmbed{
		Title: "Ticket closed",
		Color: 0x2f3136,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Closed by", Value: fmt.Sprintf("<@%s>", closerID)},
			{Name: "Reason", Value: model.TruncateField(reason, 1024)},
			{Name: "Owner notification", Value: status},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err := r.message(&discordgo.InteractionResponseData{
		Content: "This channel will be deleted shortly.",
		Embeds:  []*discordgo.MessageEmbed{report},
	}); err != nil {
		return fmt.Errorf("post closure report: %w", err)
	}

	h.scheduleDeletion(channel.ID, reason)
	slog.Info("ticket closing",
		slog.String("channel", channel.ID),
		slog.String("owner", info.OwnerID),
		slog.String("closer", closerID),
		slog.String("notification", status))
	return nil
}

// reconstructSummary recovers the originally submitted fields from the
// bot's own initiating message in the channel history. There is no other
// store to consult, so a missing message degrades to a placeholder instead
// of failing the closure.
func (h *Handler) reconstructSummary(channelID string, t model.TicketType) string {
	messages, err := h.client.ChannelMessages(channelID, summaryWindow, "", "", "")
	if err != nil {
		slog.Warn("history fetch for summary failed", slog.String("channel", channelID), slog.Any("err", err))
		return summaryNotFound
	}

	for _, msg := range messages {
		if msg == nil || msg.Author == nil || msg.Author.ID != h.botID || len(msg.Embeds) == 0 {
			continue
		}
		embed := msg.Embeds[0]
		if !isInitiatingTitle(embed.Title, t) {
			continue
		}
		var lines []string
		for _, f := range embed.Fields {
			lines = append(lines, fmt.Sprintf("%s: %s", f.Name, f.Value))
		}
		if len(lines) == 0 {
			break
		}
		return strings.Join(lines, "\n")
	}
	return summaryNotFound
}

func isInitiatingTitle(title string, t model.TicketType) bool {
	if t.Valid() {
		return title == initiatingTitle(t)
	}
	// Topic lost its type key; accept either report kind.
	return title == initiatingTitle(model.TicketTypeBug) ||
		title == initiatingTitle(model.TicketTypeSupport)
}

// notifyOwner DMs the closure report to the ticket owner. Delivery is best
// effort: a failure becomes a status string, never an error.
func (h *Handler) notifyOwner(info model.TopicInfo, channel *discordgo.Channel, closerID, reason, summary string) string {
	guildName := h.guildName(channel.GuildID)

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Your ticket in %s was closed", guildName),
		Color:       ticketColor(info.Type),
		Description: fmt.Sprintf("**Summary**\n%s", summary),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Type", Value: info.Type.Label()},
			{Name: "Channel", Value: channel.Name},
			{Name: "Closed by", Value: fmt.Sprintf("<@%s>", closerID)},
			{Name: "Reason", Value: model.TruncateField(reason, 1024)},
		},
	}

	dm, err := h.client.UserChannelCreate(info.OwnerID)
	if err != nil {
		slog.Warn("owner DM channel unavailable", slog.String("owner", info.OwnerID), slog.Any("err", err))
		return deliveryStatusFailed
	}
	if _, err := h.client.ChannelMessageSendComplex(dm.ID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}); err != nil {
		slog.Warn("owner DM failed", slog.String("owner", info.OwnerID), slog.Any("err", err))
		return deliveryStatusFailed
	}
	return deliveryStatusOK
}

func (h *Handler) guildName(guildID string) string {
	if guildID == "" {
		guildID = h.cfg.GuildID
	}
	if item := h.guildCache.Get(guildID); item != nil {
		return item.Value().Name
	}
	guild, err := h.client.Guild(guildID)
	if err != nil {
		slog.Warn("guild lookup failed", slog.String("guild", guildID), slog.Any("err", err))
		return "the server"
	}
	h.guildCache.Set(guildID, guild, ttlcache.DefaultTTL)
	return guild.Name
}

// scheduleDeletion queues the channel for removal once the grace delay
// elapses. Re-scheduling the same channel refreshes the entry, and
// cancelDeletion (or the channel vanishing) drops it.
func (h *Handler) scheduleDeletion(channelID, reason string) {
	h.pendingDeletes.Set(channelID, reason, ttlcache.DefaultTTL)
}

func (h *Handler) cancelDeletion(channelID string) {
	h.pendingDeletes.Delete(channelID)
}

func (h *Handler) deleteChannel(channelID, reason string) {
	if _, err := h.client.ChannelDelete(channelID, discordgo.WithAuditLogReason("Ticket closed: "+reason)); err != nil {
		// Not retried and not escalated: the channel stays behind with its
		// closure report, which the report already announced.
		slog.Error("ticket channel deletion failed", slog.String("channel", channelID), slog.Any("err", err))
		return
	}
	slog.Info("ticket channel deleted", slog.String("channel", channelID))
}
